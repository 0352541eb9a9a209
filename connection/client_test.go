package whats

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudFetchMedia(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/media-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "media-1", "url": srv.URL + "/blob/1", "mime_type": "image/jpeg",
			})
		case "/media-gone":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "media-gone", "url": srv.URL + "/blob/gone",
			})
		case "/blob/1":
			_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCloudClient(srv.URL, "", "tok", srv.Client())

	m, err := c.FetchMedia(testContext(t), "media-1")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", m.Mimetype)
	assert.Len(t, m.Data, 4)

	_, err = c.FetchMedia(testContext(t), "unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMediaUnavailable))
	var me *MediaError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "metadata", me.Stage)

	_, err = c.FetchMedia(testContext(t), "media-gone")
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "download", me.Stage)
	assert.True(t, errors.Is(err, ErrMediaUnavailable))
}

func TestCloudProfilePhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/5511999999999/picture", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"url":"https://cdn.example/p.jpg"}}`))
	}))
	defer srv.Close()

	c := NewCloudClient(srv.URL, srv.URL+"/{phone}/picture", "tok", srv.Client())
	u, err := c.ProfilePhoto(testContext(t), "5511999999999")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/p.jpg", u)

	_, err = NewCloudClient(srv.URL, "", "tok", srv.Client()).ProfilePhoto(testContext(t), "1")
	assert.Error(t, err)
}

func TestGatewayClient(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("OggS-audio"))
	var webhookBody map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/instance/connectionState/sales-1":
			_, _ = w.Write([]byte(`{"instance":{"instanceName":"sales-1","state":"open"}}`))
		case "/webhook/set/sales-1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&webhookBody))
			_, _ = w.Write([]byte(`{}`))
		case "/instance/connect/sales-1":
			_, _ = w.Write([]byte(`{"code":"2@abc","pairingCode":"WZYEH1YY","count":1}`))
		case "/chat/getBase64FromMediaMessage/sales-1":
			var in struct {
				Message struct {
					Key struct {
						ID string `json:"id"`
					} `json:"key"`
				} `json:"message"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			if in.Message.Key.ID != "ABC" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"base64":"` + payload + `","mimetype":"audio/ogg; codecs=opus"}`))
		case "/chat/fetchProfilePictureUrl/sales-1":
			_, _ = w.Write([]byte(`{"wuid":"5511@s.whatsapp.net","profilePictureUrl":"https://pps.example/x.jpg"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "secret", srv.Client())

	st, err := c.InstanceStatus(testContext(t), "sales-1")
	require.NoError(t, err)
	assert.True(t, st.Connected())

	_, err = c.SetWebhook(testContext(t), "sales-1", "https://inbox.example/webhook?source=evolution")
	require.NoError(t, err)
	assert.Equal(t, true, webhookBody["webhook"]["webhookBase64"])
	assert.Equal(t, "https://inbox.example/webhook?source=evolution", webhookBody["webhook"]["url"])

	code, err := c.Connect(testContext(t), "sales-1")
	require.NoError(t, err)
	assert.Equal(t, "2@abc", code.Code)

	m, err := c.MediaBase64(testContext(t), "sales-1", "ABC")
	require.NoError(t, err)
	assert.Equal(t, []byte("OggS-audio"), m.Data)

	_, err = c.MediaBase64(testContext(t), "sales-1", "other")
	assert.True(t, errors.Is(err, ErrMediaUnavailable))

	u, err := c.ProfilePictureURL(testContext(t), "sales-1", "5511")
	require.NoError(t, err)
	assert.Equal(t, "https://pps.example/x.jpg", u)

	_, err = NewGatewayClient(srv.URL, "wrong", srv.Client()).InstanceStatus(testContext(t), "sales-1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestDecodeBase64(t *testing.T) {
	want := []byte("hello")
	for _, in := range []string{
		"aGVsbG8=",
		"aGVsbG8",
		"data:text/plain;base64,aGVsbG8=",
	} {
		got, err := DecodeBase64(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := DecodeBase64("")
	assert.Error(t, err)
	_, err = DecodeBase64("!!!")
	assert.Error(t, err)
}
