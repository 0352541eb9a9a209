package ingest

import (
	"context"
	"time"

	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	nestdb "github.com/AlvaroZev/rimont-inbox/sql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CustomerHint is what an inbound event tells us about its sender.
type CustomerHint struct {
	Provider    dbtypes.Provider
	Instance    string
	Phone       string
	DisplayName string
}

// ResolveCustomer returns the customer for hint.Phone, creating it on first
// contact. Hints only ever add information: a name replaces the synthesized
// placeholder, and the photo is refetched once the cached one is stale.
func (p *Pipeline) ResolveCustomer(ctx context.Context, hint CustomerHint) (dbtypes.Customer, error) {
	customer, err := p.store.GetCustomerByPhone(ctx, hint.Phone)
	if errors.Is(err, nestdb.ErrNotFound) {
		now := p.now()
		fresh := dbtypes.Customer{
			CustomerID:  uuid.New(),
			DisplayName: dbtypes.PlaceholderName(hint.Phone),
			Phone:       hint.Phone,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if hint.DisplayName != "" {
			name := hint.DisplayName
			fresh.DisplayName = name
			fresh.PushName = &name
		}
		var inserted bool
		customer, inserted, err = p.store.InsertCustomer(ctx, fresh)
		if err != nil {
			return customer, err
		}
		if inserted {
			p.log.WithFields(logrus.Fields{"phone": hint.Phone, "customer_id": customer.CustomerID}).Info("customer created")
		}
	} else if err != nil {
		return customer, err
	}

	return p.enrichCustomer(ctx, customer, hint, true), nil
}

// photoRetryAfter bounds how often a failing photo lookup is repeated.
const photoRetryAfter = time.Hour

// enrichCustomer writes profile hints that add information. Failures are
// logged; the customer is usable either way.
func (p *Pipeline) enrichCustomer(ctx context.Context, customer dbtypes.Customer, hint CustomerHint, withPhoto bool) dbtypes.Customer {
	var update nestdb.CustomerProfileUpdate
	if name := hint.DisplayName; name != "" {
		if customer.HasPlaceholderName() && customer.DisplayName != name {
			update.DisplayName = &name
		}
		if customer.PushName == nil || *customer.PushName != name {
			update.PushName = &name
		}
	}

	now := p.now()
	if withPhoto && customer.PhotoStale(now, p.photoTTL) {
		url, err := p.profilePhoto(ctx, hint)
		switch {
		case err != nil:
			p.log.WithError(err).WithField("phone", hint.Phone).Warn("profile photo lookup failed")
			// stale again after photoRetryAfter instead of the full TTL
			retryAt := now.Add(photoRetryAfter - p.photoTTL)
			update.PhotoFetchedAt = &retryAt
		case url == "":
			update.PhotoFetchedAt = &now
		default:
			if customer.PhotoURL == nil || *customer.PhotoURL != url {
				update.PhotoURL = &url
			}
			update.PhotoFetchedAt = &now
		}
	}

	if update.Empty() {
		return customer
	}
	if err := p.store.UpdateCustomerProfile(ctx, customer.CustomerID, update); err != nil {
		p.log.WithError(err).WithField("customer_id", customer.CustomerID).Warn("could not update customer profile")
		return customer
	}
	if update.DisplayName != nil {
		customer.DisplayName = *update.DisplayName
	}
	if update.PushName != nil {
		customer.PushName = update.PushName
	}
	if update.PhotoURL != nil {
		customer.PhotoURL = update.PhotoURL
	}
	if update.PhotoFetchedAt != nil {
		customer.PhotoFetchedAt = update.PhotoFetchedAt
	}
	return customer
}

func (p *Pipeline) profilePhoto(ctx context.Context, hint CustomerHint) (string, error) {
	switch hint.Provider {
	case dbtypes.ProviderCloud:
		if p.cloud == nil {
			return "", nil
		}
		return p.cloud.ProfilePhoto(ctx, hint.Phone)
	case dbtypes.ProviderGateway:
		if p.gateway == nil || hint.Instance == "" {
			return "", nil
		}
		return p.gateway.ProfilePictureURL(ctx, hint.Instance, hint.Phone)
	}
	return "", nil
}

// ResolveConversation returns the customer's open conversation or opens one.
// A closed conversation is never reused.
func (p *Pipeline) ResolveConversation(ctx context.Context, customer dbtypes.Customer, provider dbtypes.Provider, instance string) (dbtypes.Conversation, error) {
	conversation, err := p.store.GetOpenConversation(ctx, customer.CustomerID)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, nestdb.ErrNotFound) {
		return conversation, err
	}

	owner, err := p.conversationOwner(ctx, provider, instance)
	if err != nil {
		return conversation, err
	}

	now := p.now()
	model := dbtypes.ToBeDetermined
	fresh := dbtypes.Conversation{
		ConversationID: uuid.New(),
		CustomerID:     customer.CustomerID,
		SalespersonID:  owner,
		Brand:          dbtypes.ToBeDetermined,
		Model:          &model,
		Status:         dbtypes.StatusAIResponding,
		Source:         provider,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if instance != "" {
		fresh.SourceInstance = &instance
	}

	conversation, inserted, err := p.store.InsertConversation(ctx, fresh)
	if err != nil {
		return conversation, err
	}
	if inserted {
		p.log.WithFields(logrus.Fields{
			"conversation_id": conversation.ConversationID,
			"customer_id":     customer.CustomerID,
			"provider":        provider,
		}).Info("conversation opened")
	}
	return conversation, nil
}

// conversationOwner maps a gateway instance to its salesperson; the cloud
// provider gets the oldest generic salesperson. No match leaves it unowned.
func (p *Pipeline) conversationOwner(ctx context.Context, provider dbtypes.Provider, instance string) (*uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch {
	case provider == dbtypes.ProviderGateway && instance != "":
		id, err = p.store.SalespersonForInstance(ctx, instance)
	case provider == dbtypes.ProviderCloud:
		id, err = p.store.FirstSalesperson(ctx, dbtypes.RoleSalesperson)
	default:
		return nil, nil
	}
	if errors.Is(err, nestdb.ErrNotFound) {
		p.log.WithFields(logrus.Fields{"provider": provider, "instance": instance}).Warn("no salesperson for new conversation")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}
