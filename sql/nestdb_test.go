package nestdb

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlvaroZev/rimont-inbox/dbtypes"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

var customerCols = []string{"id", "display_name", "push_name", "phone", "email", "photo_url", "photo_fetched_at", "created_at", "updated_at"}

func TestGetCustomerByPhone_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM customers WHERE phone = $1")).
		WithArgs("5511999999999").
		WillReturnRows(sqlmock.NewRows(customerCols))

	_, err := store.GetCustomerByPhone(context.Background(), "5511999999999")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertCustomer_LostRaceReadsWinner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	winner := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO customers")).
		WillReturnRows(sqlmock.NewRows(customerCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM customers WHERE phone = $1")).
		WithArgs("5511999999999").
		WillReturnRows(sqlmock.NewRows(customerCols).
			AddRow(winner.String(), "Customer 5511999999999", nil, "5511999999999", nil, nil, nil, now, now))

	stored, inserted, err := store.InsertCustomer(context.Background(), dbtypes.Customer{
		CustomerID:  uuid.New(),
		DisplayName: "Customer 5511999999999",
		Phone:       "5511999999999",
		CreatedAt:   now,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, winner, stored.CustomerID)
}

func TestInsertConversation_Created(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	conversation := dbtypes.Conversation{
		ConversationID: uuid.New(),
		CustomerID:     uuid.New(),
		Brand:          dbtypes.ToBeDetermined,
		Status:         dbtypes.StatusAIResponding,
		Source:         dbtypes.ProviderCloud,
		CreatedAt:      now,
	}

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (customer_id) WHERE status <> 'closed' DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "salesperson_id", "brand", "model", "year", "status", "source", "source_instance", "created_at", "updated_at"}).
			AddRow(conversation.ConversationID.String(), conversation.CustomerID.String(), nil, dbtypes.ToBeDetermined, nil, nil, "ai_responding", "cloud", nil, now, now))

	stored, inserted, err := store.InsertConversation(context.Background(), conversation)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, dbtypes.StatusAIResponding, stored.Status)
	assert.Equal(t, dbtypes.ProviderCloud, stored.Source)
	assert.Nil(t, stored.SalespersonID)
}

func TestInsertMessage_DuplicateIgnored(t *testing.T) {
	store, mock := newMockStore(t)
	wamid := "wamid.HBgM"

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (provider_message_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.InsertMessage(context.Background(), dbtypes.Message{
		MessageID:         uuid.New(),
		ConversationID:    uuid.New(),
		SenderKind:        dbtypes.SenderCustomer,
		Content:           "Olá",
		ProviderMessageID: &wamid,
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestMessageExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("wamid.1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.MessageExists(context.Background(), "wamid.1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestApplyAck(t *testing.T) {
	store, mock := newMockStore(t)
	conversationID, customerID := uuid.New(), uuid.New()
	at := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SET read_at = $2, delivered_at = COALESCE(m.delivered_at, $2)")).
		WithArgs("wamid.1", at).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "customer_id"}).
			AddRow(conversationID.String(), customerID.String()))
	mock.ExpectQuery(regexp.QuoteMeta("AND m.delivered_at IS NULL AND m.read_at IS NULL")).
		WithArgs("wamid.1", at).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "customer_id"}))

	result, err := store.ApplyAck(context.Background(), "wamid.1", dbtypes.AckRead, at)
	require.NoError(t, err)
	assert.Equal(t, conversationID, result.ConversationID)
	assert.Equal(t, customerID, result.CustomerID)

	_, err = store.ApplyAck(context.Background(), "wamid.1", dbtypes.AckDelivered, at)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.ApplyAck(context.Background(), "wamid.1", dbtypes.AckKind("played"), at)
	require.Error(t, err)
}

func TestFirstSalesperson(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at, id LIMIT 1")).
		WithArgs(dbtypes.RoleSalesperson).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM gateway_instances WHERE instance_name = $1")).
		WithArgs("loja-centro").
		WillReturnRows(sqlmock.NewRows([]string{"salesperson_id"}))

	got, err := store.FirstSalesperson(context.Background(), dbtypes.RoleSalesperson)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = store.SalespersonForInstance(context.Background(), "loja-centro")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCustomerProfileUpdateEmpty(t *testing.T) {
	assert.True(t, CustomerProfileUpdate{}.Empty())
	name := "Maria"
	assert.False(t, CustomerProfileUpdate{DisplayName: &name}.Empty())
}
