package nestdb

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/AlvaroZev/rimont-inbox/dbtypes"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("not found")

const (
	customerColumns     = `id, display_name, push_name, phone, email, photo_url, photo_fetched_at, created_at, updated_at`
	conversationColumns = `id, customer_id, salesperson_id, brand, model, year, status, source, source_instance, created_at, updated_at`
)

type Store struct {
	db *sqlx.DB
}

// Función para inicializar la conexión a la base de datos
func InitDB(dataSourceName string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return db, nil
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateTables applies every pending migration.
func CreateTables(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(goose.Up(db.DB, "migrations"), "migrate up")
}

// DropTables rolls every migration back. Used by the administrative full reset only.
func DropTables(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(goose.Reset(db.DB, "migrations"), "migrate reset")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (dbtypes.Customer, error) {
	var customer dbtypes.Customer
	err := s.db.GetContext(ctx, &customer, `SELECT `+customerColumns+` FROM customers WHERE phone = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return customer, ErrNotFound
	}
	return customer, errors.Wrap(err, "get customer")
}

// InsertCustomer inserts the customer unless the phone is already taken. When
// another delivery won the race the stored row is returned with inserted=false.
func (s *Store) InsertCustomer(ctx context.Context, customer dbtypes.Customer) (dbtypes.Customer, bool, error) {
	var stored dbtypes.Customer
	err := s.db.GetContext(ctx, &stored, `INSERT INTO customers (id, display_name, push_name, phone, email, photo_url, photo_fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (phone) DO NOTHING
		RETURNING `+customerColumns,
		customer.CustomerID, customer.DisplayName, customer.PushName, customer.Phone, customer.Email,
		customer.PhotoURL, customer.PhotoFetchedAt, customer.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return stored, false, errors.Wrap(err, "insert customer")
	}
	stored, err = s.GetCustomerByPhone(ctx, customer.Phone)
	return stored, false, err
}

// CustomerProfileUpdate carries the profile fields to overwrite; nil fields are kept.
type CustomerProfileUpdate struct {
	DisplayName    *string
	PushName       *string
	PhotoURL       *string
	PhotoFetchedAt *time.Time
}

func (u CustomerProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.PushName == nil && u.PhotoURL == nil && u.PhotoFetchedAt == nil
}

func (s *Store) UpdateCustomerProfile(ctx context.Context, customerID uuid.UUID, update CustomerProfileUpdate) error {
	_, err := s.db.ExecContext(ctx, `UPDATE customers SET
		display_name = COALESCE($2, display_name),
		push_name = COALESCE($3, push_name),
		photo_url = COALESCE($4, photo_url),
		photo_fetched_at = COALESCE($5, photo_fetched_at),
		updated_at = now()
		WHERE id = $1`,
		customerID, update.DisplayName, update.PushName, update.PhotoURL, update.PhotoFetchedAt)
	return errors.Wrap(err, "update customer profile")
}

func (s *Store) GetOpenConversation(ctx context.Context, customerID uuid.UUID) (dbtypes.Conversation, error) {
	var conversation dbtypes.Conversation
	err := s.db.GetContext(ctx, &conversation, `SELECT `+conversationColumns+` FROM conversations
		WHERE customer_id = $1 AND status <> 'closed'
		ORDER BY created_at DESC LIMIT 1`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation, ErrNotFound
	}
	return conversation, errors.Wrap(err, "get open conversation")
}

// InsertConversation opens a conversation. The partial unique index on open
// conversations makes a concurrent loser read back the winner (inserted=false).
func (s *Store) InsertConversation(ctx context.Context, conversation dbtypes.Conversation) (dbtypes.Conversation, bool, error) {
	var stored dbtypes.Conversation
	err := s.db.GetContext(ctx, &stored, `INSERT INTO conversations (id, customer_id, salesperson_id, brand, model, year, status, source, source_instance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (customer_id) WHERE status <> 'closed' DO NOTHING
		RETURNING `+conversationColumns,
		conversation.ConversationID, conversation.CustomerID, conversation.SalespersonID, conversation.Brand,
		conversation.Model, conversation.Year, conversation.Status, conversation.Source, conversation.SourceInstance,
		conversation.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return stored, false, errors.Wrap(err, "insert conversation")
	}
	stored, err = s.GetOpenConversation(ctx, conversation.CustomerID)
	return stored, false, err
}

func (s *Store) SalespersonForInstance(ctx context.Context, instance string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `SELECT salesperson_id FROM gateway_instances WHERE instance_name = $1`, instance)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, errors.Wrap(err, "get instance salesperson")
}

// FirstSalesperson picks the oldest salesperson holding role.
func (s *Store) FirstSalesperson(ctx context.Context, role string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `SELECT id FROM salespeople WHERE role = $1 ORDER BY created_at, id LIMIT 1`, role)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, errors.Wrap(err, "get salesperson")
}

func (s *Store) MessageExists(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM messages WHERE provider_message_id = $1)`, providerMessageID)
	return exists, errors.Wrap(err, "check message")
}

// InsertMessage writes the message once. A duplicate provider message id is
// ignored and reported as inserted=false.
func (s *Store) InsertMessage(ctx context.Context, message dbtypes.Message) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender_kind, sender_id, content, attachment_url, attachment_kind, attachment_filename, provider_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider_message_id) DO NOTHING`,
		message.MessageID, message.ConversationID, message.SenderKind, message.SenderID, message.Content,
		message.AttachmentURL, message.AttachmentKind, message.AttachmentFilename, message.ProviderMessageID,
		message.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}

// AckResult identifies the conversation touched by an acknowledgement.
type AckResult struct {
	ConversationID uuid.UUID `db:"conversation_id"`
	CustomerID     uuid.UUID `db:"customer_id"`
}

// ApplyAck sets delivered_at or read_at on the message with the provider id.
// Timestamps are only ever set: delivered never applies once read is set, and
// read backfills a missing delivered_at. ErrNotFound means nothing changed.
func (s *Store) ApplyAck(ctx context.Context, providerMessageID string, kind dbtypes.AckKind, at time.Time) (AckResult, error) {
	var query string
	switch kind {
	case dbtypes.AckDelivered:
		query = `UPDATE messages m SET delivered_at = $2
			FROM conversations c
			WHERE c.id = m.conversation_id AND m.provider_message_id = $1
			AND m.delivered_at IS NULL AND m.read_at IS NULL
			RETURNING m.conversation_id, c.customer_id`
	case dbtypes.AckRead:
		query = `UPDATE messages m SET read_at = $2, delivered_at = COALESCE(m.delivered_at, $2)
			FROM conversations c
			WHERE c.id = m.conversation_id AND m.provider_message_id = $1
			AND m.read_at IS NULL
			RETURNING m.conversation_id, c.customer_id`
	default:
		return AckResult{}, errors.Errorf("unknown ack kind %q", kind)
	}

	var result AckResult
	err := s.db.GetContext(ctx, &result, query, providerMessageID, at)
	if errors.Is(err, sql.ErrNoRows) {
		return result, ErrNotFound
	}
	return result, errors.Wrap(err, "apply ack")
}
