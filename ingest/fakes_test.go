package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/AlvaroZev/rimont-inbox/bus"
	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	nestdb "github.com/AlvaroZev/rimont-inbox/sql"
	"github.com/AlvaroZev/rimont-inbox/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// memStore keeps the same uniqueness rules as the Postgres schema.
type memStore struct {
	mu            sync.Mutex
	customers     map[string]dbtypes.Customer
	conversations []dbtypes.Conversation
	messages      []dbtypes.Message
	instances     map[string]uuid.UUID
	salespeople   []uuid.UUID
	profileWrites int
	failInsert    error
}

func newMemStore() *memStore {
	return &memStore{
		customers: map[string]dbtypes.Customer{},
		instances: map[string]uuid.UUID{},
	}
}

func (s *memStore) GetCustomerByPhone(_ context.Context, phone string) (dbtypes.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[phone]
	if !ok {
		return c, nestdb.ErrNotFound
	}
	return c, nil
}

func (s *memStore) InsertCustomer(_ context.Context, c dbtypes.Customer) (dbtypes.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.customers[c.Phone]; ok {
		return existing, false, nil
	}
	s.customers[c.Phone] = c
	return c, true, nil
}

func (s *memStore) UpdateCustomerProfile(_ context.Context, id uuid.UUID, u nestdb.CustomerProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for phone, c := range s.customers {
		if c.CustomerID != id {
			continue
		}
		if u.DisplayName != nil {
			c.DisplayName = *u.DisplayName
		}
		if u.PushName != nil {
			c.PushName = u.PushName
		}
		if u.PhotoURL != nil {
			c.PhotoURL = u.PhotoURL
		}
		if u.PhotoFetchedAt != nil {
			c.PhotoFetchedAt = u.PhotoFetchedAt
		}
		s.customers[phone] = c
		s.profileWrites++
		return nil
	}
	return nestdb.ErrNotFound
}

func (s *memStore) GetOpenConversation(_ context.Context, customerID uuid.UUID) (dbtypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openConversation(customerID)
}

func (s *memStore) openConversation(customerID uuid.UUID) (dbtypes.Conversation, error) {
	for _, c := range s.conversations {
		if c.CustomerID == customerID && c.Status != dbtypes.StatusClosed {
			return c, nil
		}
	}
	return dbtypes.Conversation{}, nestdb.ErrNotFound
}

func (s *memStore) InsertConversation(_ context.Context, c dbtypes.Conversation) (dbtypes.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open, err := s.openConversation(c.CustomerID); err == nil {
		return open, false, nil
	}
	s.conversations = append(s.conversations, c)
	return c, true, nil
}

func (s *memStore) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		s.conversations[i].Status = dbtypes.StatusClosed
	}
}

func (s *memStore) SalespersonForInstance(_ context.Context, instance string) (uuid.UUID, error) {
	id, ok := s.instances[instance]
	if !ok {
		return uuid.Nil, nestdb.ErrNotFound
	}
	return id, nil
}

func (s *memStore) FirstSalesperson(_ context.Context, _ string) (uuid.UUID, error) {
	if len(s.salespeople) == 0 {
		return uuid.Nil, nestdb.ErrNotFound
	}
	return s.salespeople[0], nil
}

func (s *memStore) MessageExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertMessage(_ context.Context, m dbtypes.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return false, s.failInsert
	}
	for _, existing := range s.messages {
		if existing.ProviderMessageID != nil && m.ProviderMessageID != nil && *existing.ProviderMessageID == *m.ProviderMessageID {
			return false, nil
		}
	}
	s.messages = append(s.messages, m)
	return true, nil
}

func (s *memStore) ApplyAck(_ context.Context, id string, kind dbtypes.AckKind, at time.Time) (nestdb.AckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ProviderMessageID == nil || *m.ProviderMessageID != id {
			continue
		}
		switch kind {
		case dbtypes.AckDelivered:
			if m.DeliveredAt != nil || m.ReadAt != nil {
				return nestdb.AckResult{}, nestdb.ErrNotFound
			}
			s.messages[i].DeliveredAt = &at
		case dbtypes.AckRead:
			if m.ReadAt != nil {
				return nestdb.AckResult{}, nestdb.ErrNotFound
			}
			s.messages[i].ReadAt = &at
			if m.DeliveredAt == nil {
				s.messages[i].DeliveredAt = &at
			}
		}
		var customerID uuid.UUID
		for _, c := range s.conversations {
			if c.ConversationID == m.ConversationID {
				customerID = c.CustomerID
			}
		}
		return nestdb.AckResult{ConversationID: m.ConversationID, CustomerID: customerID}, nil
	}
	return nestdb.AckResult{}, nestdb.ErrNotFound
}

func (s *memStore) messageByProviderID(id string) (dbtypes.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == id {
			return m, true
		}
	}
	return dbtypes.Message{}, false
}

type fakeUploads struct {
	err     error
	uploads []storage.Upload
}

func (f *fakeUploads) Put(_ context.Context, up storage.Upload) (storage.Stored, error) {
	if f.err != nil {
		return storage.Stored{}, f.err
	}
	f.uploads = append(f.uploads, up)
	return storage.Stored{
		URL:      "https://store.example/" + up.ConversationID.String() + "/" + string(up.Kind),
		Filename: string(up.Kind),
	}, nil
}

type fakeCloud struct {
	mu     sync.Mutex
	media  map[string]whats.Media
	photo    string
	photoErr error
	photos   int
}

func (f *fakeCloud) FetchMedia(_ context.Context, id string) (whats.Media, error) {
	m, ok := f.media[id]
	if !ok {
		return whats.Media{}, &whats.MediaError{Stage: "download", Err: errors.New("status 404")}
	}
	return m, nil
}

func (f *fakeCloud) ProfilePhoto(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos++
	return f.photo, f.photoErr
}

type fakeGateway struct {
	photo string
}

func (f *fakeGateway) MediaBase64(context.Context, string, string) (whats.Media, error) {
	return whats.Media{}, &whats.MediaError{Stage: "download", Err: errors.New("gateway down")}
}

func (f *fakeGateway) ProfilePictureURL(context.Context, string, string) (string, error) {
	return f.photo, nil
}

type published struct {
	topic string
	env   bus.Envelope
}

type fakeBus struct {
	mu   sync.Mutex
	sent []published
}

func (b *fakeBus) Publish(_ context.Context, topic string, env bus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic: topic, env: env})
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) ofType(t string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.env.Meta.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type fakeDeadLetters struct {
	stages []string
}

func (f *fakeDeadLetters) Record(_ context.Context, _, stage, _ string, _ []byte) error {
	f.stages = append(f.stages, stage)
	return nil
}
