package whats

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// RemoteJID is a parsed WhatsApp chat/sender identifier.
type RemoteJID struct {
	types.JID
	raw string
}

func ParseRemoteJID(raw string) (RemoteJID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RemoteJID{}, false
	}
	if !strings.Contains(raw, "@") {
		// bare number, no server suffix
		return RemoteJID{JID: types.NewJID(raw, types.DefaultUserServer), raw: raw}, true
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return RemoteJID{}, false
	}
	return RemoteJID{JID: jid, raw: raw}, true
}

func (j RemoteJID) IsGroup() bool {
	return j.Server == types.GroupServer
}

func (j RemoteJID) IsBroadcast() bool {
	return j.Server == types.BroadcastServer
}

// Phone returns the digit-only user part for person-addressed ids
// (@s.whatsapp.net, @c.us, @lid). Anything else yields false.
func (j RemoteJID) Phone() (string, bool) {
	switch j.Server {
	case types.DefaultUserServer, types.LegacyUserServer, types.HiddenUserServer:
	default:
		return "", false
	}
	return DigitsOnly(j.User)
}

// PhoneFromJID strips the server suffix of a person id and checks the rest is numeric.
func PhoneFromJID(raw string) (string, bool) {
	jid, ok := ParseRemoteJID(raw)
	if !ok {
		return "", false
	}
	return jid.Phone()
}

// DigitsOnly returns s unchanged when it is a non-empty run of ASCII digits.
func DigitsOnly(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}
