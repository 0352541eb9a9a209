package whats

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// GatewayEvents are the webhook events the inbox subscribes to.
var GatewayEvents = []string{"MESSAGES_UPSERT", "MESSAGES_UPDATE", "PRESENCE_UPDATE", "CONNECTION_UPDATE"}

// GatewayClient talks to the Evolution (Baileys) gateway REST API.
type GatewayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewGatewayClient(baseURL, apiKey string, client *http.Client) *GatewayClient {
	return &GatewayClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: client}
}

func (c *GatewayClient) apikey(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
}

func (c *GatewayClient) endpoint(parts ...string) string {
	for i, p := range parts {
		if i > 0 {
			parts[i] = url.PathEscape(p)
		}
	}
	return c.baseURL + strings.Join(parts, "/")
}

type InstanceState struct {
	Instance string `json:"instanceName"`
	State    string `json:"state"`
}

func (s InstanceState) Connected() bool {
	return s.State == "open"
}

func (c *GatewayClient) InstanceStatus(ctx context.Context, instance string) (InstanceState, error) {
	var out struct {
		Instance InstanceState `json:"instance"`
	}
	err := doJSON(ctx, c.http, http.MethodGet, c.endpoint("/instance/connectionState", instance), c.apikey, nil, &out)
	if err != nil {
		return InstanceState{}, errors.Wrapf(err, "instance %s status", instance)
	}
	if out.Instance.Instance == "" {
		out.Instance.Instance = instance
	}
	return out.Instance, nil
}

type WebhookSettings struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"webhookByEvents"`
	Base64   bool     `json:"webhookBase64"`
	Events   []string `json:"events"`
}

// SetWebhook points the instance's webhook at url with inline base64 media.
func (c *GatewayClient) SetWebhook(ctx context.Context, instance, webhookURL string) (WebhookSettings, error) {
	settings := WebhookSettings{
		Enabled: true,
		URL:     webhookURL,
		Base64:  true,
		Events:  GatewayEvents,
	}
	in := map[string]any{"webhook": settings}
	err := doJSON(ctx, c.http, http.MethodPost, c.endpoint("/webhook/set", instance), c.apikey, in, nil)
	if err != nil {
		return settings, errors.Wrapf(err, "instance %s webhook", instance)
	}
	return settings, nil
}

// PairingCode is what the gateway returns when an instance needs a QR scan.
type PairingCode struct {
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
	Count       int    `json:"count"`
}

func (c *GatewayClient) Connect(ctx context.Context, instance string) (PairingCode, error) {
	var out PairingCode
	err := doJSON(ctx, c.http, http.MethodGet, c.endpoint("/instance/connect", instance), c.apikey, nil, &out)
	if err != nil {
		return out, errors.Wrapf(err, "instance %s connect", instance)
	}
	return out, nil
}

// MediaBase64 asks the gateway to decrypt and return a media message it
// delivered without inline bytes.
func (c *GatewayClient) MediaBase64(ctx context.Context, instance, messageID string) (Media, error) {
	in := map[string]any{
		"message":      map[string]any{"key": map[string]string{"id": messageID}},
		"convertToMp4": false,
	}
	var out struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
		FileName string `json:"fileName"`
	}
	err := doJSON(ctx, c.http, http.MethodPost, c.endpoint("/chat/getBase64FromMediaMessage", instance), c.apikey, in, &out)
	if err != nil {
		return Media{}, mediaErr("download", err)
	}
	data, err := DecodeBase64(out.Base64)
	if err != nil {
		return Media{}, mediaErr("decode", err)
	}
	return Media{Data: data, Mimetype: out.Mimetype, Filename: out.FileName}, nil
}

func (c *GatewayClient) ProfilePictureURL(ctx context.Context, instance, phone string) (string, error) {
	var out struct {
		URL string `json:"profilePictureUrl"`
	}
	err := doJSON(ctx, c.http, http.MethodPost, c.endpoint("/chat/fetchProfilePictureUrl", instance), c.apikey,
		map[string]string{"number": phone}, &out)
	if err != nil {
		return "", errors.Wrapf(err, "profile picture %s", phone)
	}
	return out.URL, nil
}

// DecodeBase64 accepts raw or data-URL base64, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("empty base64 payload")
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	return data, errors.Wrap(err, "decode base64")
}
