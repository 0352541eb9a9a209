package inbound

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// GatewayEnvelope is the Evolution webhook body.
type GatewayEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time"`
}

type gatewayKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      *bool  `json:"fromMe"`
	ID          string `json:"id"`
	SenderPn    string `json:"senderPn"`
	Participant string `json:"participant"`
}

type gatewayMessage struct {
	Key              gatewayKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          json.RawMessage `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
	Sender           string          `json:"sender"`
}

type gatewayUpdate struct {
	KeyID     string          `json:"keyId"`
	MessageID string          `json:"messageId"`
	RemoteJID string          `json:"remoteJid"`
	FromMe    *bool           `json:"fromMe"`
	Status    json.RawMessage `json:"status"`
	Key       gatewayKey      `json:"key"`
	Update    struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`
	DateTime json.RawMessage `json:"datetime"`
}

type gatewayPresence struct {
	ID        string `json:"id"`
	Presences map[string]struct {
		LastKnownPresence string `json:"lastKnownPresence"`
	} `json:"presences"`
}

func DecodeGateway(body []byte) (GatewayEnvelope, error) {
	var env GatewayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, errors.Wrap(err, "decode gateway payload")
	}
	return env, nil
}

// Name normalizes the event name: "MESSAGES_UPSERT" and "messages.upsert" match.
func (e GatewayEnvelope) Name() string {
	return strings.ToLower(strings.ReplaceAll(e.Event, "_", "."))
}

// sentAt is the envelope's date_time, used when an item carries no timestamp.
func (e GatewayEnvelope) sentAt(now time.Time) time.Time {
	if e.DateTime == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339Nano, e.DateTime)
	if err != nil {
		return now
	}
	return t.UTC()
}

// Events normalizes the envelope. Data may be one object or a list.
func (e GatewayEnvelope) Events(now time.Time) []Event {
	p := dbtypes.ProviderGateway
	now = e.sentAt(now)
	items := splitData(e.Data)
	if len(items) == 0 {
		return []Event{&Skip{Provider: p, Reason: ReasonEmpty, Detail: e.Event}}
	}

	var out []Event
	for _, item := range items {
		switch e.Name() {
		case "messages.upsert":
			ev, err := e.message(item, now)
			out = append(out, finish(p, ev, err))
		case "messages.update":
			ev, err := e.ack(item, now)
			out = append(out, finish(p, ev, err))
		case "presence.update":
			out = append(out, e.presence(item, now)...)
		case "connection.update":
			out = append(out, &Skip{Provider: p, Reason: ReasonConnection})
		default:
			out = append(out, &Skip{Provider: p, Reason: ReasonUnknownEvent, Detail: e.Event})
		}
	}
	return out
}

func splitData(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil
		}
		return list
	}
	return []json.RawMessage{raw}
}

func (e GatewayEnvelope) message(raw json.RawMessage, now time.Time) (Event, error) {
	var data gatewayMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, skip(ReasonInvalid)
	}
	if data.Key.FromMe != nil && *data.Key.FromMe {
		return nil, skip(ReasonFromMe)
	}

	jid, ok := whats.ParseRemoteJID(data.Key.RemoteJID)
	if ok && jid.IsGroup() {
		return nil, skip(ReasonGroup)
	}
	if ok && jid.IsBroadcast() {
		return nil, skip(ReasonBroadcast)
	}
	phone, ok := gatewayPhone(data, jid)
	if !ok {
		return nil, skip(ReasonBadSender)
	}

	body, err := decodeGatewayBody(data.Message)
	if err != nil {
		return nil, err
	}

	id := data.Key.ID
	if id == "" {
		id = SyntheticID()
	}
	msg := &Message{
		Provider:          dbtypes.ProviderGateway,
		Instance:          e.Instance,
		Phone:             phone,
		ProviderMessageID: id,
		Timestamp:         unixTime(string(data.MessageTimestamp), now),
		DisplayName:       strings.TrimSpace(data.PushName),
		Content:           body.content,
		Attachment:        body.attachment,
	}
	if msg.Attachment != nil && !msg.Attachment.Inline() && !msg.Synthetic() {
		msg.Attachment.MediaID = id
	}
	return msg, nil
}

// gatewayPhone prefers senderPn, then an all-digit sender, then the remote jid.
func gatewayPhone(data gatewayMessage, jid whats.RemoteJID) (string, bool) {
	if phone, ok := whats.PhoneFromJID(data.Key.SenderPn); ok {
		return phone, true
	}
	if phone, ok := whats.DigitsOnly(data.Sender); ok {
		return phone, true
	}
	if jid.IsEmpty() {
		return "", false
	}
	return jid.Phone()
}

type gatewayBody struct {
	content    string
	attachment *Attachment
}

func decodeGatewayBody(raw json.RawMessage) (gatewayBody, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return gatewayBody{}, skip(ReasonEmpty)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return gatewayBody{}, skip(ReasonInvalid)
	}

	msg := &waE2E.Message{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, msg); err != nil {
		msg = looseMessage(raw)
	}
	msg = unwrapMessage(msg)

	if msg.GetProtocolMessage() != nil || msg.GetReactionMessage() != nil {
		return gatewayBody{}, skip(ReasonProtocol)
	}

	inline := jsonString(fields["base64"])
	if img := msg.GetImageMessage(); img != nil {
		return mediaBody(dbtypes.AttachmentImage, img.GetCaption(), "", img.GetMimetype(), inline), nil
	}
	if audio := msg.GetAudioMessage(); audio != nil {
		return mediaBody(dbtypes.AttachmentAudio, "", "", audio.GetMimetype(), inline), nil
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		name := doc.GetFileName()
		if name == "" {
			name = doc.GetTitle()
		}
		return mediaBody(dbtypes.AttachmentDocument, doc.GetCaption(), name, doc.GetMimetype(), inline), nil
	}

	if text := messageText(msg); text != "" {
		return gatewayBody{content: text}, nil
	}
	if text := alternateText(fields); text != "" {
		return gatewayBody{content: text}, nil
	}
	for key := range fields {
		if !envelopeOnlyKeys[key] {
			return gatewayBody{content: PlaceholderUnsupported}, nil
		}
	}
	return gatewayBody{}, skip(ReasonNoContent)
}

// envelopeOnlyKeys never carry user content on their own.
var envelopeOnlyKeys = map[string]bool{
	"messageContextInfo":           true,
	"senderKeyDistributionMessage": true,
	"base64":                       true,
	"mediaUrl":                     true,
}

func mediaBody(kind dbtypes.AttachmentKind, caption, filename, mime, inline string) gatewayBody {
	att := &Attachment{Kind: kind, Mimetype: mime, Filename: filename}
	if inline != "" {
		// an undecodable payload falls back to fetching from the gateway
		if data, err := whats.DecodeBase64(inline); err == nil {
			att.Data = data
		}
	}
	return gatewayBody{content: mediaContent(kind, caption, filename), attachment: att}
}

func unwrapMessage(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 4; i++ {
		var inner *waE2E.Message
		switch {
		case msg.GetEphemeralMessage() != nil:
			inner = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage() != nil:
			inner = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			inner = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			inner = msg.GetDocumentWithCaptionMessage().GetMessage()
		case msg.GetEditedMessage() != nil:
			inner = msg.GetEditedMessage().GetMessage()
		}
		if inner == nil {
			return msg
		}
		msg = inner
	}
	return msg
}

func messageText(msg *waE2E.Message) string {
	for _, s := range []string{
		msg.GetConversation(),
		msg.GetExtendedTextMessage().GetText(),
		msg.GetButtonsResponseMessage().GetSelectedDisplayText(),
		msg.GetTemplateButtonReplyMessage().GetSelectedDisplayText(),
		msg.GetListResponseMessage().GetTitle(),
		msg.GetInteractiveResponseMessage().GetBody().GetText(),
	} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// alternateTextPaths are scanned, in order, when no known shape matched.
var alternateTextPaths = [][]string{
	{"text"},
	{"body"},
	{"caption"},
	{"selectedDisplayText"},
	{"buttonsResponseMessage", "selectedDisplayText"},
	{"listResponseMessage", "title"},
	{"listResponseMessage", "singleSelectReply", "selectedRowId"},
	{"templateButtonReplyMessage", "selectedDisplayText"},
	{"interactiveResponseMessage", "body", "text"},
	{"videoMessage", "caption"},
	{"contactMessage", "displayName"},
}

func alternateText(fields map[string]json.RawMessage) string {
	for _, path := range alternateTextPaths {
		if s := lookupString(fields, path); s != "" {
			return s
		}
	}
	return ""
}

func lookupString(fields map[string]json.RawMessage, path []string) string {
	cur := fields
	for i, key := range path {
		raw, ok := cur[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			return strings.TrimSpace(jsonString(raw))
		}
		cur = nil
		if err := json.Unmarshal(raw, &cur); err != nil {
			return ""
		}
	}
	return ""
}

func jsonString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// looseMessage reads the few fields we need when the body does not follow
// the protobuf JSON mapping (e.g. byte fields serialized as objects).
func looseMessage(raw json.RawMessage) *waE2E.Message {
	type media struct {
		Caption  string `json:"caption"`
		Mimetype string `json:"mimetype"`
		FileName string `json:"fileName"`
		Title    string `json:"title"`
	}
	var loose struct {
		Conversation string `json:"conversation"`
		ExtendedText *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		Image    *media `json:"imageMessage"`
		Audio    *media `json:"audioMessage"`
		Document *media `json:"documentMessage"`
	}
	msg := &waE2E.Message{}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return msg
	}
	if loose.Conversation != "" {
		msg.Conversation = proto.String(loose.Conversation)
	}
	if loose.ExtendedText != nil {
		msg.ExtendedTextMessage = &waE2E.ExtendedTextMessage{Text: proto.String(loose.ExtendedText.Text)}
	}
	if loose.Image != nil {
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:  proto.String(loose.Image.Caption),
			Mimetype: proto.String(loose.Image.Mimetype),
		}
	}
	if loose.Audio != nil {
		msg.AudioMessage = &waE2E.AudioMessage{Mimetype: proto.String(loose.Audio.Mimetype)}
	}
	if loose.Document != nil {
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:  proto.String(loose.Document.Caption),
			FileName: proto.String(loose.Document.FileName),
			Title:    proto.String(loose.Document.Title),
			Mimetype: proto.String(loose.Document.Mimetype),
		}
	}
	return msg
}

func (e GatewayEnvelope) ack(raw json.RawMessage, now time.Time) (Event, error) {
	var data gatewayUpdate
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, skip(ReasonInvalid)
	}
	fromMe := data.FromMe
	if fromMe == nil {
		fromMe = data.Key.FromMe
	}
	if fromMe != nil && !*fromMe {
		return nil, skip(ReasonInboundAck)
	}
	if jid, ok := whats.ParseRemoteJID(firstNonEmpty(data.RemoteJID, data.Key.RemoteJID)); ok && jid.IsGroup() {
		return nil, skip(ReasonGroup)
	}

	status := data.Status
	if len(status) == 0 {
		status = data.Update.Status
	}
	kind, ok := gatewayAckKind(status)
	if !ok {
		return nil, skip(ReasonStatus)
	}
	id := firstNonEmpty(data.KeyID, data.Key.ID, data.MessageID)
	if id == "" {
		return nil, skip(ReasonInvalid)
	}
	return &Ack{
		Provider:          dbtypes.ProviderGateway,
		Instance:          e.Instance,
		ProviderMessageID: id,
		Kind:              kind,
		At:                unixTime(string(data.DateTime), now),
	}, nil
}

// gatewayAckKind maps Baileys status names or their numeric codes.
func gatewayAckKind(raw json.RawMessage) (dbtypes.AckKind, bool) {
	status := strings.ToUpper(strings.Trim(strings.TrimSpace(string(raw)), `"`))
	switch status {
	case "DELIVERY_ACK", "3":
		return dbtypes.AckDelivered, true
	case "READ", "PLAYED", "4", "5":
		return dbtypes.AckRead, true
	}
	return "", false
}

func (e GatewayEnvelope) presence(raw json.RawMessage, now time.Time) []Event {
	p := dbtypes.ProviderGateway
	var data gatewayPresence
	if err := json.Unmarshal(raw, &data); err != nil {
		return []Event{&Skip{Provider: p, Reason: ReasonInvalid}}
	}
	if jid, ok := whats.ParseRemoteJID(data.ID); ok && jid.IsGroup() {
		return []Event{&Skip{Provider: p, Reason: ReasonGroup}}
	}

	var out []Event
	for who, state := range data.Presences {
		switch state.LastKnownPresence {
		case "available", "composing", "recording":
		default:
			out = append(out, &Skip{Provider: p, Reason: ReasonPresenceState, Detail: state.LastKnownPresence})
			continue
		}
		phone, ok := whats.PhoneFromJID(who)
		if !ok {
			out = append(out, &Skip{Provider: p, Reason: ReasonBadSender})
			continue
		}
		out = append(out, finish(p, &Presence{
			Provider: p,
			Instance: e.Instance,
			Phone:    phone,
			State:    state.LastKnownPresence,
			At:       now,
		}, nil))
	}
	if len(out) == 0 {
		out = append(out, &Skip{Provider: p, Reason: ReasonEmpty})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
