// Package inbound turns provider webhook payloads into provider-agnostic events.
package inbound

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrSkip marks an event that carries nothing to persist.
var ErrSkip = errors.New("skip")

const syntheticPrefix = "local:"

// Content placeholders stored when a message has no text of its own.
const (
	PlaceholderImage       = "[Imagem]"
	PlaceholderAudio       = "[Áudio]"
	PlaceholderDocument    = "[Documento]"
	PlaceholderUnsupported = "[Mensagem não suportada]"
)

// Skip reasons.
const (
	ReasonFromMe        = "from_me"
	ReasonGroup         = "group"
	ReasonBroadcast     = "broadcast"
	ReasonBadSender     = "unparseable_sender"
	ReasonEmpty         = "empty_message"
	ReasonProtocol      = "protocol_message"
	ReasonConnection    = "connection_event"
	ReasonUnknownEvent  = "unknown_event"
	ReasonStatus        = "untracked_status"
	ReasonInvalid       = "invalid"
	ReasonNoContent     = "no_content"
	ReasonInboundAck    = "inbound_receipt"
	ReasonPresenceState = "presence_state"
)

// Event is one normalized webhook occurrence: a *Message, *Ack, *Presence,
// *Profile or *Skip.
type Event interface {
	isEvent()
}

// Attachment describes media that still has to be stored. Data is set when
// the payload embedded the bytes; otherwise MediaID names what to fetch.
type Attachment struct {
	Kind     dbtypes.AttachmentKind
	Mimetype string
	Filename string
	Data     []byte
	MediaID  string
}

func (a *Attachment) Inline() bool {
	return a != nil && len(a.Data) > 0
}

type Message struct {
	Provider          dbtypes.Provider `validate:"required"`
	Instance          string
	Phone             string    `validate:"required,numeric,max=20"`
	ProviderMessageID string    `validate:"required"`
	Timestamp         time.Time `validate:"required"`
	DisplayName       string
	Content           string
	Attachment        *Attachment
}

// Synthetic reports whether the provider omitted the message id.
func (m *Message) Synthetic() bool {
	return IsSynthetic(m.ProviderMessageID)
}

type Ack struct {
	Provider          dbtypes.Provider `validate:"required"`
	Instance          string
	ProviderMessageID string          `validate:"required"`
	Kind              dbtypes.AckKind `validate:"oneof=delivered read"`
	At                time.Time       `validate:"required"`
}

// Presence is a direct "customer reachable" hint from the gateway.
type Presence struct {
	Provider dbtypes.Provider
	Instance string
	Phone    string `validate:"required,numeric"`
	State    string
	At       time.Time
}

// Profile carries customer name enrichment without a message.
type Profile struct {
	Provider    dbtypes.Provider
	Phone       string `validate:"required,numeric"`
	DisplayName string `validate:"required"`
}

type Skip struct {
	Provider dbtypes.Provider
	Reason   string
	Detail   string
}

func (*Message) isEvent()  {}
func (*Ack) isEvent()      {}
func (*Presence) isEvent() {}
func (*Profile) isEvent()  {}
func (*Skip) isEvent()     {}

// SyntheticID returns a locally unique message id for events without one.
func SyntheticID() string {
	return syntheticPrefix + uuid.NewString()
}

func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func skip(reason string) error {
	return errors.Wrap(ErrSkip, reason)
}

// finish validates ev and turns skip errors into *Skip values.
func finish(provider dbtypes.Provider, ev Event, err error) Event {
	if err == nil {
		if verr := validate.Struct(ev); verr != nil {
			return &Skip{Provider: provider, Reason: ReasonInvalid, Detail: verr.Error()}
		}
		return ev
	}
	reason := strings.TrimSuffix(err.Error(), ": "+ErrSkip.Error())
	return &Skip{Provider: provider, Reason: reason}
}

// unixTime parses provider timestamps given as seconds or milliseconds,
// numeric, quoted, or as a protobuf Long object {"low","high","unsigned"}.
func unixTime(raw string, now time.Time) time.Time {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return now
	}
	var sec int64
	if strings.HasPrefix(raw, "{") {
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal([]byte(raw), &long); err != nil {
			return now
		}
		sec = long.High<<32 | int64(uint32(long.Low))
	} else {
		var err error
		if sec, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return now
		}
	}
	if sec <= 0 {
		return now
	}
	if sec > 1e12 {
		return time.UnixMilli(sec).UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func mediaPlaceholder(kind dbtypes.AttachmentKind) string {
	switch kind {
	case dbtypes.AttachmentImage:
		return PlaceholderImage
	case dbtypes.AttachmentAudio:
		return PlaceholderAudio
	case dbtypes.AttachmentDocument:
		return PlaceholderDocument
	}
	return PlaceholderUnsupported
}

// mediaContent picks the stored text for a media message.
func mediaContent(kind dbtypes.AttachmentKind, caption, filename string) string {
	if c := strings.TrimSpace(caption); c != "" {
		return c
	}
	if kind == dbtypes.AttachmentDocument && strings.TrimSpace(filename) != "" {
		return strings.TrimSpace(filename)
	}
	return mediaPlaceholder(kind)
}
