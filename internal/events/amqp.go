package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the broker wire format: metadata plus the event itself.
type Envelope struct {
	Meta EnvelopeMeta `json:"meta"`
	Data Event        `json:"data"`
}

type EnvelopeMeta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	Time          time.Time `json:"time"`
}

var (
	ErrPublishNacked = errors.New("broker nacked publish")
	ErrConfirmLost   = errors.New("channel closed before publish confirm")
)

type amqpChannel interface {
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange using the event
// kind as routing key. Channels are opened per publish and run in confirm
// mode; Send returns only after the broker acks.
type AMQPPublisher struct {
	conn        *amqp.Connection
	openChannel func() (amqpChannel, error)
	exchange    string
	logger      *slog.Logger
	now         func() time.Time
	closeOnce   sync.Once
}

// DialAMQP connects, declares the exchange and returns a ready publisher.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	p := newAMQPPublisher(func() (amqpChannel, error) {
		c, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := c.Confirm(false); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}, exchange, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(open func() (amqpChannel, error), exchange string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{
		openChannel: open,
		exchange:    exchange,
		logger:      logger,
		now:         time.Now,
	}
}

// Send implements Sink.
func (p *AMQPPublisher) Send(ctx context.Context, e Event) error {
	env := Envelope{
		Meta: EnvelopeMeta{
			ID:            e.ID.String(),
			Type:          string(e.Kind),
			Source:        "relay",
			TenantID:      e.TenantID,
			CorrelationID: e.ExternalMessageID,
			Time:          p.now().UTC(),
		},
		Data: e,
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = env.Meta.ID
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("opening amqp channel: %w", err)
	}
	defer ch.Close()
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.PublishWithContext(ctx, p.exchange, string(e.Kind), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         "relay",
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", e.Kind, err)
	}

	select {
	case c, ok := <-confirms:
		if !ok {
			return fmt.Errorf("publishing %s: %w", e.Kind, ErrConfirmLost)
		}
		if !c.Ack {
			return fmt.Errorf("publishing %s: %w (delivery tag %d)", e.Kind, ErrPublishNacked, c.DeliveryTag)
		}
	case <-ctx.Done():
		return fmt.Errorf("awaiting confirm for %s: %w", e.Kind, ctx.Err())
	}

	p.logger.Debug("event published", "key", string(e.Kind), "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}
