package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/valinor-ai/relay/internal/deadletter"
)

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_events_dropped_total",
	Help: "Events dropped because a subscriber buffer was full.",
}, []string{"subscriber"})

var undeliverableEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_events_undeliverable_total",
	Help: "Events a sink failed to accept, by subscriber.",
}, []string{"subscriber"})

// Publisher accepts events for fan-out. Publish never blocks on a slow
// consumer.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Filter decides whether a subscriber receives an event.
type Filter func(Event) bool

// ByKinds accepts only the listed kinds. An empty list accepts everything.
func ByKinds(kinds ...Kind) Filter {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}

// ByTenant accepts only events owned by tenantID.
func ByTenant(tenantID string) Filter {
	return func(e Event) bool { return e.TenantID == tenantID }
}

// All combines filters; nil filters are skipped.
func All(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// Subscription is one consumer's bounded view of the bus. Events arrive on
// C in publish order; when the buffer is full new events are dropped and
// counted.
type Subscription struct {
	C <-chan Event

	name    string
	ch      chan Event
	filter  Filter
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is an in-process publish/subscribe fan-out with one buffered channel
// per subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a consumer. A nil filter receives every event.
func (b *Bus) Subscribe(name string, filter Filter) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, name: name, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			droppedEvents.WithLabelValues(sub.name).Inc()
			b.logger.Warn("event subscriber buffer full, dropping event",
				"subscriber", sub.name,
				"kind", e.Kind,
				"event_id", e.ID,
			)
		}
	}
}

// Close detaches every subscriber. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Sink is a downstream destination that may fail, such as a broker.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Forward drains sub into sink until ctx is done or the subscription closes.
// Events the sink does not accept are dead-lettered and forwarding moves on.
func Forward(ctx context.Context, sub *Subscription, sink Sink, deadLetters deadletter.Log, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if deadLetters == nil {
		deadLetters = deadletter.NopLog{}
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := sink.Send(ctx, e); err != nil {
				undeliverableEvents.WithLabelValues(sub.name).Inc()
				logger.Error("forwarding event failed",
					"subscriber", sub.name,
					"kind", e.Kind,
					"event_id", e.ID,
					"error", err,
				)
				payload, _ := json.Marshal(e)
				deadLetters.Log(context.WithoutCancel(ctx), deadletter.Entry{
					Source:    deadletter.SourceEvents,
					Reason:    deadletter.ReasonUndeliverable,
					Reference: e.ID.String(),
					Payload:   payload,
					Error:     err.Error(),
				})
			}
		}
	}
}
