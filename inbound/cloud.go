package inbound

import (
	"encoding/json"
	"strings"
	"time"

	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/pkg/errors"
)

// CloudEnvelope is the WhatsApp Business Cloud API webhook body.
type CloudEnvelope struct {
	Object string       `json:"object"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []cloudContact `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudReply struct {
	Title string `json:"title"`
}

type cloudMessage struct {
	From      string      `json:"from"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Text      *cloudText  `json:"text"`
	Image     *cloudMedia `json:"image"`
	Audio     *cloudMedia `json:"audio"`
	Document  *cloudMedia `json:"document"`
	Button    *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *cloudReply `json:"button_reply"`
		ListReply   *cloudReply `json:"list_reply"`
	} `json:"interactive"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

func DecodeCloud(body []byte) (CloudEnvelope, error) {
	var env CloudEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, errors.Wrap(err, "decode cloud payload")
	}
	return env, nil
}

// Events normalizes every message, status and bare contact profile in the
// envelope. Statuses are recognized by the statuses array, never by type.
func (e CloudEnvelope) Events(now time.Time) []Event {
	p := dbtypes.ProviderCloud
	var out []Event
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := map[string]string{}
			for _, c := range v.Contacts {
				if phone, ok := whats.DigitsOnly(c.WaID); ok {
					names[phone] = strings.TrimSpace(c.Profile.Name)
				}
			}

			for _, m := range v.Messages {
				ev, err := cloudMessageEvent(m, names, now)
				out = append(out, finish(p, ev, err))
			}
			for _, s := range v.Statuses {
				ev, err := cloudAckEvent(s, now)
				out = append(out, finish(p, ev, err))
			}
			if len(v.Messages) == 0 && len(v.Statuses) == 0 {
				for phone, name := range names {
					if name == "" {
						continue
					}
					out = append(out, finish(p, &Profile{Provider: p, Phone: phone, DisplayName: name}, nil))
				}
			}
		}
	}
	if len(out) == 0 {
		out = append(out, &Skip{Provider: p, Reason: ReasonEmpty})
	}
	return out
}

func cloudMessageEvent(m cloudMessage, names map[string]string, now time.Time) (Event, error) {
	phone, ok := whats.DigitsOnly(m.From)
	if !ok {
		return nil, skip(ReasonBadSender)
	}
	id := m.ID
	if id == "" {
		id = SyntheticID()
	}
	msg := &Message{
		Provider:          dbtypes.ProviderCloud,
		Phone:             phone,
		ProviderMessageID: id,
		Timestamp:         unixTime(m.Timestamp, now),
		DisplayName:       names[phone],
	}

	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return nil, skip(ReasonEmpty)
		}
		msg.Content = m.Text.Body
	case "image":
		msg.Content, msg.Attachment = cloudAttachment(dbtypes.AttachmentImage, m.Image)
	case "audio":
		msg.Content, msg.Attachment = cloudAttachment(dbtypes.AttachmentAudio, m.Audio)
	case "document":
		msg.Content, msg.Attachment = cloudAttachment(dbtypes.AttachmentDocument, m.Document)
	case "button":
		msg.Content = PlaceholderUnsupported
		if m.Button != nil {
			msg.Content = firstNonEmpty(m.Button.Text, m.Button.Payload, PlaceholderUnsupported)
		}
	case "interactive":
		msg.Content = PlaceholderUnsupported
		if in := m.Interactive; in != nil {
			switch {
			case in.ButtonReply != nil && in.ButtonReply.Title != "":
				msg.Content = in.ButtonReply.Title
			case in.ListReply != nil && in.ListReply.Title != "":
				msg.Content = in.ListReply.Title
			}
		}
	case "reaction", "system":
		return nil, skip(ReasonProtocol)
	default:
		msg.Content = PlaceholderUnsupported
	}
	return msg, nil
}

func cloudAttachment(kind dbtypes.AttachmentKind, media *cloudMedia) (string, *Attachment) {
	if media == nil {
		return mediaPlaceholder(kind), nil
	}
	content := mediaContent(kind, media.Caption, media.Filename)
	if media.ID == "" {
		return content, nil
	}
	return content, &Attachment{
		Kind:     kind,
		Mimetype: media.MimeType,
		Filename: media.Filename,
		MediaID:  media.ID,
	}
}

func cloudAckEvent(s cloudStatus, now time.Time) (Event, error) {
	var kind dbtypes.AckKind
	switch s.Status {
	case "delivered":
		kind = dbtypes.AckDelivered
	case "read":
		kind = dbtypes.AckRead
	default:
		return nil, skip(ReasonStatus)
	}
	return &Ack{
		Provider:          dbtypes.ProviderCloud,
		ProviderMessageID: s.ID,
		Kind:              kind,
		At:                unixTime(s.Timestamp, now),
	}, nil
}
