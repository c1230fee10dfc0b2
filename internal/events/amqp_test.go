package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/deadletter"
)

// fakeAMQPChannel acks every publish unless told to nack, drop the channel,
// or stay silent.
type fakeAMQPChannel struct {
	exchange  string
	key       string
	msg       amqp.Publishing
	publishes int
	closed    bool
	err       error
	nack      bool
	drop      bool
	silent    bool
	confirms  chan amqp.Confirmation
}

func (c *fakeAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	c.publishes++
	if c.err != nil {
		return c.err
	}
	switch {
	case c.drop:
		close(c.confirms)
	case c.silent:
	default:
		c.confirms <- amqp.Confirmation{DeliveryTag: uint64(c.publishes), Ack: !c.nack}
	}
	return nil
}

func (c *fakeAMQPChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher_SendEnvelope(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p := newAMQPPublisher(func() (amqpChannel, error) { return ch, nil }, "relay.events", nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	e := New("conn-1", "tenant-1", "wamid.ABC", fixed, MessageReceived{
		MessageID: "wamid.ABC",
		Type:      "text",
		Content:   TextContent{Text: "Hello"},
	})

	require.NoError(t, p.Send(context.Background(), e))

	assert.Equal(t, "relay.events", ch.exchange)
	assert.Equal(t, "message.received", ch.key)
	assert.True(t, ch.closed)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, e.ID.String(), ch.msg.MessageId)
	assert.Equal(t, "wamid.ABC", ch.msg.CorrelationId)
	assert.Equal(t, "application/json", ch.msg.ContentType)

	var body struct {
		Meta EnvelopeMeta `json:"meta"`
		Data struct {
			Kind     string `json:"kind"`
			TenantID string `json:"tenantId"`
			Payload  struct {
				Content map[string]string `json:"content"`
			} `json:"payload"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ch.msg.Body, &body))
	assert.Equal(t, "message.received", body.Meta.Type)
	assert.Equal(t, "tenant-1", body.Meta.TenantID)
	assert.Equal(t, fixed, body.Meta.Time)
	assert.Equal(t, "message.received", body.Data.Kind)
	assert.Equal(t, map[string]string{"text": "Hello"}, body.Data.Payload.Content)
}

func TestAMQPPublisher_CorrelationFallsBackToEventID(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p := newAMQPPublisher(func() (amqpChannel, error) { return ch, nil }, "x", nil)

	e := New("conn-1", "tenant-1", "", time.Now(), ChannelStatusChanged{Status: "active"})
	require.NoError(t, p.Send(context.Background(), e))

	assert.Equal(t, e.ID.String(), ch.msg.CorrelationId)
	assert.Equal(t, "channel.status", ch.key)
}

func TestAMQPPublisher_Errors(t *testing.T) {
	p := newAMQPPublisher(func() (amqpChannel, error) { return nil, errors.New("no channel") }, "x", nil)
	err := p.Send(context.Background(), New("c", "t", "", time.Now(), AccountAlert{}))
	assert.ErrorContains(t, err, "opening amqp channel")

	ch := &fakeAMQPChannel{err: errors.New("connection closed")}
	p = newAMQPPublisher(func() (amqpChannel, error) { return ch, nil }, "x", nil)
	err = p.Send(context.Background(), New("c", "t", "", time.Now(), AccountAlert{}))
	assert.ErrorContains(t, err, "publishing account.alert")
	assert.True(t, ch.closed)

	assert.NoError(t, p.Close())
}

func TestAMQPPublisher_WaitsForBrokerConfirm(t *testing.T) {
	send := func(ctx context.Context, ch *fakeAMQPChannel) error {
		p := newAMQPPublisher(func() (amqpChannel, error) { return ch, nil }, "x", nil)
		return p.Send(ctx, New("c", "t", "", time.Now(), AccountAlert{}))
	}

	t.Run("nack is an error", func(t *testing.T) {
		ch := &fakeAMQPChannel{nack: true}
		err := send(context.Background(), ch)
		assert.ErrorIs(t, err, ErrPublishNacked)
		assert.Equal(t, 1, ch.publishes)
		assert.True(t, ch.closed)
	})

	t.Run("channel closed before confirm", func(t *testing.T) {
		err := send(context.Background(), &fakeAMQPChannel{drop: true})
		assert.ErrorIs(t, err, ErrConfirmLost)
	})

	t.Run("no confirm before deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := send(ctx, &fakeAMQPChannel{silent: true})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("nacked event is dead-lettered by forward", func(t *testing.T) {
		ch := &fakeAMQPChannel{nack: true}
		p := newAMQPPublisher(func() (amqpChannel, error) { return ch, nil }, "x", nil)
		bus := NewBus(4, nil)
		defer bus.Close()
		sub := bus.Subscribe("amqp", nil)
		dl := &deadLetterRecorder{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Forward(ctx, sub, p, dl, nil) }()

		e := New("c", "t", "", time.Now(), AccountAlert{})
		bus.Publish(ctx, e)
		require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)

		entry := dl.first()
		assert.Equal(t, deadletter.ReasonUndeliverable, entry.Reason)
		assert.Equal(t, e.ID.String(), entry.Reference)
		assert.Contains(t, entry.Error, "nacked")
	})
}

type deadLetterRecorder struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (r *deadLetterRecorder) Log(_ context.Context, e deadletter.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *deadLetterRecorder) Close() error { return nil }

func (r *deadLetterRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *deadLetterRecorder) first() deadletter.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[0]
}
