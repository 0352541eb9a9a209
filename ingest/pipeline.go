// Package ingest persists normalized inbound events: it resolves customers and
// conversations, stores attachments, writes messages once and applies
// delivery/read acknowledgements.
package ingest

import (
	"context"
	"time"

	"github.com/AlvaroZev/rimont-inbox/bus"
	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/AlvaroZev/rimont-inbox/inbound"
	nestdb "github.com/AlvaroZev/rimont-inbox/sql"
	"github.com/AlvaroZev/rimont-inbox/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Store interface {
	GetCustomerByPhone(ctx context.Context, phone string) (dbtypes.Customer, error)
	InsertCustomer(ctx context.Context, customer dbtypes.Customer) (dbtypes.Customer, bool, error)
	UpdateCustomerProfile(ctx context.Context, customerID uuid.UUID, update nestdb.CustomerProfileUpdate) error
	GetOpenConversation(ctx context.Context, customerID uuid.UUID) (dbtypes.Conversation, error)
	InsertConversation(ctx context.Context, conversation dbtypes.Conversation) (dbtypes.Conversation, bool, error)
	SalespersonForInstance(ctx context.Context, instance string) (uuid.UUID, error)
	FirstSalesperson(ctx context.Context, role string) (uuid.UUID, error)
	MessageExists(ctx context.Context, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, message dbtypes.Message) (bool, error)
	ApplyAck(ctx context.Context, providerMessageID string, kind dbtypes.AckKind, at time.Time) (nestdb.AckResult, error)
}

type AttachmentStore interface {
	Put(ctx context.Context, up storage.Upload) (storage.Stored, error)
}

// CloudAPI is the part of the Cloud API client the pipeline needs.
type CloudAPI interface {
	FetchMedia(ctx context.Context, mediaID string) (whats.Media, error)
	ProfilePhoto(ctx context.Context, phone string) (string, error)
}

// GatewayAPI is the part of the Evolution client the pipeline needs.
type GatewayAPI interface {
	MediaBase64(ctx context.Context, instance, messageID string) (whats.Media, error)
	ProfilePictureURL(ctx context.Context, instance, phone string) (string, error)
}

type DeadLetter interface {
	Record(ctx context.Context, provider, stage, reason string, payload []byte) error
}

type Deps struct {
	Store       Store
	Attachments AttachmentStore
	Cloud       CloudAPI
	Gateway     GatewayAPI
	Bus         bus.Publisher
	DeadLetters DeadLetter
	PhotoTTL    time.Duration
	Log         *logrus.Entry
}

type Pipeline struct {
	store       Store
	attachments AttachmentStore
	cloud       CloudAPI
	gateway     GatewayAPI
	bus         bus.Publisher
	deadLetters DeadLetter
	photoTTL    time.Duration
	log         *logrus.Entry
	metrics     *metrics
	now         func() time.Time
}

func New(deps Deps) *Pipeline {
	p := &Pipeline{
		store:       deps.Store,
		attachments: deps.Attachments,
		cloud:       deps.Cloud,
		gateway:     deps.Gateway,
		bus:         deps.Bus,
		deadLetters: deps.DeadLetters,
		photoTTL:    deps.PhotoTTL,
		log:         deps.Log,
		metrics:     getMetrics(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if p.photoTTL <= 0 {
		p.photoTTL = dbtypes.DefaultPhotoTTL
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	p.log = p.log.WithField("component", "ingest")
	if p.bus == nil {
		p.bus = bus.NewFallback(p.log)
	}
	return p
}

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeAck       Outcome = "ack_applied"
	OutcomeAckNoop   Outcome = "ack_noop"
	OutcomePresence  Outcome = "presence"
	OutcomeProfile   Outcome = "profile"
)

// Result counts outcomes for one webhook delivery.
type Result map[Outcome]int

// Process handles every event of one delivery in order. Failures of one
// event never stop the rest; raw is kept for the dead-letter log.
func (p *Pipeline) Process(ctx context.Context, provider dbtypes.Provider, events []inbound.Event, raw []byte) Result {
	start := time.Now()
	defer func() {
		p.metrics.processLatency.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())
	}()

	result := Result{}
	for _, ev := range events {
		var outcome Outcome
		switch ev := ev.(type) {
		case *inbound.Message:
			outcome = p.HandleMessage(ctx, ev, raw)
		case *inbound.Ack:
			outcome = p.HandleAck(ctx, ev)
		case *inbound.Presence:
			outcome = p.HandlePresence(ctx, ev)
		case *inbound.Profile:
			outcome = p.HandleProfile(ctx, ev)
		case *inbound.Skip:
			p.log.WithFields(logrus.Fields{"provider": ev.Provider, "reason": ev.Reason, "detail": ev.Detail}).Debug("event skipped")
			outcome = OutcomeSkipped
		default:
			outcome = OutcomeSkipped
		}
		result[outcome]++
		p.metrics.eventsTotal.WithLabelValues(string(provider), string(outcome)).Inc()
	}
	return result
}

// HandleMessage runs one inbound message through dedup, identity and
// conversation resolution, attachment storage and the single insert.
func (p *Pipeline) HandleMessage(ctx context.Context, m *inbound.Message, raw []byte) Outcome {
	log := p.log.WithFields(logrus.Fields{
		"provider":            m.Provider,
		"phone":               m.Phone,
		"provider_message_id": m.ProviderMessageID,
	})

	if !m.Synthetic() {
		exists, err := p.store.MessageExists(ctx, m.ProviderMessageID)
		if err != nil {
			return p.fail(ctx, log, m.Provider, "dedup", err, raw)
		}
		if exists {
			log.Debug("message already stored")
			return OutcomeDuplicate
		}
	}

	customer, err := p.ResolveCustomer(ctx, CustomerHint{
		Provider:    m.Provider,
		Instance:    m.Instance,
		Phone:       m.Phone,
		DisplayName: m.DisplayName,
	})
	if err != nil {
		return p.fail(ctx, log, m.Provider, "customer", err, raw)
	}

	conversation, err := p.ResolveConversation(ctx, customer, m.Provider, m.Instance)
	if err != nil {
		return p.fail(ctx, log, m.Provider, "conversation", err, raw)
	}
	log = log.WithField("conversation_id", conversation.ConversationID)

	providerID := m.ProviderMessageID
	message := dbtypes.Message{
		MessageID:         uuid.New(),
		ConversationID:    conversation.ConversationID,
		SenderKind:        dbtypes.SenderCustomer,
		Content:           m.Content,
		ProviderMessageID: &providerID,
		CreatedAt:         m.Timestamp,
	}
	if m.Attachment != nil {
		if stored, ok := p.storeAttachment(ctx, log, conversation.ConversationID, m); ok {
			kind := m.Attachment.Kind
			message.AttachmentURL = &stored.URL
			message.AttachmentKind = &kind
			message.AttachmentFilename = &stored.Filename
		}
	}

	inserted, err := p.store.InsertMessage(ctx, message)
	if err != nil {
		return p.fail(ctx, log, m.Provider, "message", err, raw)
	}
	if !inserted {
		log.Debug("message stored by a concurrent delivery")
		return OutcomeDuplicate
	}
	log.WithField("message_id", message.MessageID).Info("message stored")

	p.publish(ctx, log, bus.ConversationTopic(conversation.ConversationID), bus.NewEnvelope(bus.TypeMessageCreated, bus.MessageCreated{
		ConversationID: conversation.ConversationID,
		MessageID:      message.MessageID,
		SenderKind:     string(message.SenderKind),
		HasAttachment:  message.AttachmentURL != nil,
		At:             message.CreatedAt,
	}))
	return OutcomeCreated
}

// fail logs a persistence failure and keeps the raw payload for replay. The
// delivery itself still succeeds.
func (p *Pipeline) fail(ctx context.Context, log *logrus.Entry, provider dbtypes.Provider, stage string, err error, raw []byte) Outcome {
	log.WithError(err).WithField("stage", stage).Error("could not persist inbound message")
	p.metrics.deadLetters.WithLabelValues(string(provider), stage).Inc()
	if p.deadLetters != nil {
		if dlErr := p.deadLetters.Record(ctx, string(provider), stage, err.Error(), raw); dlErr != nil {
			log.WithError(dlErr).Error("could not write dead letter")
		}
	}
	return OutcomeFailed
}

func (p *Pipeline) publish(ctx context.Context, log *logrus.Entry, topic string, env bus.Envelope) {
	if err := p.bus.Publish(ctx, topic, env); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("publish failed")
	}
}
