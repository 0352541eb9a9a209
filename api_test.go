package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/AlvaroZev/rimont-inbox/auth"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/AlvaroZev/rimont-inbox/inbound"
	"github.com/AlvaroZev/rimont-inbox/ingest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	provider dbtypes.Provider
	events   []inbound.Event
	calls    int
	panic    bool
}

func (p *recordingProcessor) Process(_ context.Context, provider dbtypes.Provider, events []inbound.Event, _ []byte) ingest.Result {
	if p.panic {
		panic("boom")
	}
	p.calls++
	p.provider = provider
	p.events = events
	return ingest.Result{}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func testRouter(p *recordingProcessor, secret string) http.Handler {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewRouter(p, pinger{}, WebhookOptions{
		VerifyToken:   "verify-me",
		GatewaySecret: []byte(secret),
		Log:           logrus.NewEntry(log),
		Now:           func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookVerification(t *testing.T) {
	h := testRouter(&recordingProcessor{}, "")

	rec := serve(h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = serve(h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, http.MethodGet, "/webhook?hub.challenge=1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookDispatch(t *testing.T) {
	p := &recordingProcessor{}
	h := testRouter(p, "")

	rec := serve(h, http.MethodPost, "/webhook", `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{
		"messages":[{"from":"5511999999999","id":"wamid.1","timestamp":"1717000000","type":"text","text":{"body":"Olá"}}]}}]}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, dbtypes.ProviderCloud, p.provider)
	require.Len(t, p.events, 1)
	assert.IsType(t, &inbound.Message{}, p.events[0])

	rec = serve(h, http.MethodPost, "/webhook?source=evolution", `{"event":"messages.upsert","instance":"sales-1",
		"data":{"key":{"remoteJid":"120363040114254371@g.us","id":"G"},"message":{"conversation":"x"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dbtypes.ProviderGateway, p.provider)
	assert.IsType(t, &inbound.Skip{}, p.events[0])

	rec = serve(h, http.MethodPost, "/webhook", `{"event":"connection.update","instance":"sales-1","data":{"state":"open"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dbtypes.ProviderGateway, p.provider)
}

func TestWebhookUnrecognizedPayloadIsNoop(t *testing.T) {
	p := &recordingProcessor{}
	rec := serve(testRouter(p, ""), http.MethodPost, "/webhook", `{"hello":"world"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Zero(t, p.calls)
}

func TestWebhookErrors(t *testing.T) {
	p := &recordingProcessor{}
	h := testRouter(p, "")

	rec := serve(h, http.MethodPut, "/webhook", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(h, http.MethodPost, "/webhook?source=cloud", `{"entry": [`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	p.panic = true
	rec = serve(h, http.MethodPost, "/webhook?source=cloud", `{"entry":[]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"boom"}`, rec.Body.String())
}

func TestGatewayWebhookToken(t *testing.T) {
	p := &recordingProcessor{}
	h := testRouter(p, "s3cret")
	body := `{"event":"messages.upsert","instance":"sales-1","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"A"},"message":{"conversation":"oi"}}}`

	rec := serve(h, http.MethodPost, "/webhook?source=evolution", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := jwt.CreateToken("sales-2", []byte("s3cret"))
	require.NoError(t, err)
	rec = serve(h, http.MethodPost, "/webhook?source=evolution&token="+other, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, p.calls)

	token, err := jwt.CreateToken("sales-1", []byte("s3cret"))
	require.NoError(t, err)
	rec = serve(h, http.MethodPost, "/webhook?source=evolution&token="+token, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.calls)
}

func TestHealth(t *testing.T) {
	rec := serve(testRouter(&recordingProcessor{}, ""), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HealthHandler(pinger{err: errors.New("db down")})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	rec := serve(testRouter(&recordingProcessor{}, ""), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
