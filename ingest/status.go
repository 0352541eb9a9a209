package ingest

import (
	"context"
	"strconv"

	"github.com/AlvaroZev/rimont-inbox/bus"
	"github.com/AlvaroZev/rimont-inbox/inbound"
	nestdb "github.com/AlvaroZev/rimont-inbox/sql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// HandleAck moves an outbound message forward in sent -> delivered -> read.
// Only an update that changed the row announces the customer as online.
func (p *Pipeline) HandleAck(ctx context.Context, ack *inbound.Ack) Outcome {
	log := p.log.WithFields(logrus.Fields{
		"provider":            ack.Provider,
		"provider_message_id": ack.ProviderMessageID,
		"ack":                 ack.Kind,
	})

	res, err := p.store.ApplyAck(ctx, ack.ProviderMessageID, ack.Kind, ack.At)
	applied := err == nil
	p.metrics.acksTotal.WithLabelValues(string(ack.Kind), strconv.FormatBool(applied)).Inc()
	if errors.Is(err, nestdb.ErrNotFound) {
		log.Debug("acknowledgement changed nothing")
		return OutcomeAckNoop
	}
	if err != nil {
		log.WithError(err).Error("could not apply acknowledgement")
		return OutcomeFailed
	}

	presence := bus.Presence{
		ConversationID: res.ConversationID,
		CustomerID:     res.CustomerID,
		At:             ack.At,
	}
	p.announce(ctx, log, presence)
	return OutcomeAck
}

// HandlePresence forwards a gateway presence hint for a known customer with
// an open conversation. Nothing is persisted.
func (p *Pipeline) HandlePresence(ctx context.Context, ev *inbound.Presence) Outcome {
	log := p.log.WithFields(logrus.Fields{"provider": ev.Provider, "phone": ev.Phone})

	customer, err := p.store.GetCustomerByPhone(ctx, ev.Phone)
	if err != nil {
		if !errors.Is(err, nestdb.ErrNotFound) {
			log.WithError(err).Warn("presence lookup failed")
		}
		return OutcomeSkipped
	}
	conversation, err := p.store.GetOpenConversation(ctx, customer.CustomerID)
	if err != nil {
		if !errors.Is(err, nestdb.ErrNotFound) {
			log.WithError(err).Warn("presence lookup failed")
		}
		return OutcomeSkipped
	}

	p.announce(ctx, log, bus.Presence{
		ConversationID: conversation.ConversationID,
		CustomerID:     customer.CustomerID,
		At:             ev.At,
	})
	return OutcomePresence
}

// HandleProfile applies a name received without a message. Unknown phones
// are ignored; customers are only created by messages.
func (p *Pipeline) HandleProfile(ctx context.Context, ev *inbound.Profile) Outcome {
	customer, err := p.store.GetCustomerByPhone(ctx, ev.Phone)
	if err != nil {
		if !errors.Is(err, nestdb.ErrNotFound) {
			p.log.WithError(err).WithField("phone", ev.Phone).Warn("profile lookup failed")
		}
		return OutcomeSkipped
	}
	p.enrichCustomer(ctx, customer, CustomerHint{
		Provider:    ev.Provider,
		Phone:       ev.Phone,
		DisplayName: ev.DisplayName,
	}, false)
	return OutcomeProfile
}

// announce publishes customer_online on the conversation topic and on the
// global presence topic.
func (p *Pipeline) announce(ctx context.Context, log *logrus.Entry, presence bus.Presence) {
	env := bus.NewEnvelope(bus.TypeCustomerOnline, presence)
	p.publish(ctx, log, bus.ConversationTopic(presence.ConversationID), env)
	p.publish(ctx, log, bus.PresenceTopic, env)
}
