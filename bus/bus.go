// Package bus broadcasts advisory realtime events (new messages, customer
// presence) to dashboard subscribers. Delivery is best effort.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TypeCustomerOnline = "customer_online"
	TypeMessageCreated = "message_created"

	// PresenceTopic carries cross-conversation "customer online" signals.
	PresenceTopic = "presence"

	producer = "rimont-inbox"
)

// ConversationTopic is the per-conversation broadcast topic.
func ConversationTopic(conversationID uuid.UUID) string {
	return "conversation." + conversationID.String()
}

type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Producer: producer,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// Presence is the payload of a customer_online event.
type Presence struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	At             time.Time `json:"at"`
}

type MessageCreated struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	SenderKind     string    `json:"sender_kind"`
	HasAttachment  bool      `json:"has_attachment"`
	At             time.Time `json:"at"`
}

type Options struct {
	Driver       string
	AMQPURL      string
	AMQPExchange string
	RedisURL     string
}

// New picks the publisher for the configured driver.
func New(ctx context.Context, opts Options, log *logrus.Entry) (Publisher, error) {
	switch opts.Driver {
	case "amqp":
		return NewAMQP(opts.AMQPURL, opts.AMQPExchange, log)
	case "redis":
		return NewRedis(ctx, opts.RedisURL, log)
	case "", "none":
		return NewFallback(log), nil
	default:
		return nil, errors.Errorf("unknown bus driver %q", opts.Driver)
	}
}

type FallbackPublisher struct {
	log *logrus.Entry
}

func NewFallback(log *logrus.Entry) Publisher {
	return &FallbackPublisher{log: log}
}

func (p *FallbackPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	p.log.WithFields(logrus.Fields{"topic": topic, "type": env.Meta.Type}).Debug("bus disabled, skipped publish")
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
