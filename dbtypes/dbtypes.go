package dbtypes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Default vehicle brand/model for a conversation opened by an inbound message.
	ToBeDetermined = "to be determined"

	// Cached profile photos older than this are refetched.
	DefaultPhotoTTL = 7 * 24 * time.Hour
)

type ConversationStatus string

const (
	StatusAIResponding     ConversationStatus = "ai_responding"
	StatusAwaitingCustomer ConversationStatus = "awaiting_customer"
	StatusAgentIntervening ConversationStatus = "agent_intervening"
	StatusAwaitingQuote    ConversationStatus = "awaiting_quote"
	StatusAwaitingClosing  ConversationStatus = "awaiting_closing"
	StatusClosed           ConversationStatus = "closed"
)

type SenderKind string

const (
	SenderCustomer    SenderKind = "customer"
	SenderSalesperson SenderKind = "salesperson"
	SenderAI          SenderKind = "ai"
	SenderSupervisor  SenderKind = "supervisor"
)

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Provider identifies the upstream that delivered an event.
type Provider string

const (
	ProviderGateway Provider = "evolution"
	ProviderCloud   Provider = "cloud"
)

// RoleSalesperson is the generic role used when a conversation has no instance owner.
const RoleSalesperson = "salesperson"

type Customer struct {
	CustomerID     uuid.UUID  `db:"id" json:"customer_id"`
	DisplayName    string     `db:"display_name" json:"display_name"`
	PushName       *string    `db:"push_name" json:"push_name,omitempty"`
	Phone          string     `db:"phone" json:"phone"`
	Email          *string    `db:"email" json:"email,omitempty"`
	PhotoURL       *string    `db:"photo_url" json:"photo_url,omitempty"`
	PhotoFetchedAt *time.Time `db:"photo_fetched_at" json:"photo_fetched_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// PlaceholderName is the display name given to a customer whose name is unknown.
func PlaceholderName(phone string) string {
	return fmt.Sprintf("Customer %s", phone)
}

// HasPlaceholderName reports whether the display name is still the synthesized one.
func (c Customer) HasPlaceholderName() bool {
	return c.DisplayName == "" || c.DisplayName == PlaceholderName(c.Phone)
}

// PhotoStale reports whether the profile photo should be looked up again. A
// lookup that found no photo is cached like one that did.
func (c Customer) PhotoStale(now time.Time, ttl time.Duration) bool {
	if c.PhotoFetchedAt == nil {
		return true
	}
	return now.Sub(*c.PhotoFetchedAt) > ttl
}

type Salesperson struct {
	SalespersonID uuid.UUID `db:"id" json:"salesperson_id"`
	Name          string    `db:"name" json:"name"`
	Role          string    `db:"role" json:"role"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type Conversation struct {
	ConversationID uuid.UUID          `db:"id" json:"conversation_id"`
	CustomerID     uuid.UUID          `db:"customer_id" json:"customer_id"`
	SalespersonID  *uuid.UUID         `db:"salesperson_id" json:"salesperson_id,omitempty"`
	Brand          string             `db:"brand" json:"brand"`
	Model          *string            `db:"model" json:"model,omitempty"`
	Year           *string            `db:"year" json:"year,omitempty"`
	Status         ConversationStatus `db:"status" json:"status"`
	Source         Provider           `db:"source" json:"source"`
	SourceInstance *string            `db:"source_instance" json:"source_instance,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

type Message struct {
	MessageID          uuid.UUID       `db:"id" json:"message_id"`
	ConversationID     uuid.UUID       `db:"conversation_id" json:"conversation_id"`
	SenderKind         SenderKind      `db:"sender_kind" json:"sender_kind"`
	SenderID           *uuid.UUID      `db:"sender_id" json:"sender_id,omitempty"`
	Content            string          `db:"content" json:"content"`
	AttachmentURL      *string         `db:"attachment_url" json:"attachment_url,omitempty"`
	AttachmentKind     *AttachmentKind `db:"attachment_kind" json:"attachment_kind,omitempty"`
	AttachmentFilename *string         `db:"attachment_filename" json:"attachment_filename,omitempty"`
	ProviderMessageID  *string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	DeliveredAt        *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt             *time.Time      `db:"read_at" json:"read_at,omitempty"`
	ReadByID           *uuid.UUID      `db:"read_by_id" json:"read_by_id,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// AckKind is a delivery acknowledgement applied to a stored message.
type AckKind string

const (
	AckDelivered AckKind = "delivered"
	AckRead      AckKind = "read"
)
