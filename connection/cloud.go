package whats

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// CloudClient talks to the WhatsApp Business Cloud API (Graph API).
type CloudClient struct {
	graphURL        string
	profilePhotoURL string
	token           string
	http            *http.Client
}

func NewCloudClient(graphURL, profilePhotoURL, token string, client *http.Client) *CloudClient {
	return &CloudClient{
		graphURL:        strings.TrimRight(graphURL, "/"),
		profilePhotoURL: profilePhotoURL,
		token:           token,
		http:            client,
	}
}

func (c *CloudClient) bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// MediaInfo is the media-metadata response; URL lives for a few minutes only.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	Mimetype string
	Filename string
}

func (c *CloudClient) MediaInfo(ctx context.Context, mediaID string) (MediaInfo, error) {
	var info MediaInfo
	err := doJSON(ctx, c.http, http.MethodGet, c.graphURL+"/"+url.PathEscape(mediaID), c.bearer, nil, &info)
	if err != nil {
		return info, err
	}
	if info.URL == "" {
		return info, errors.Errorf("media %s has no url", mediaID)
	}
	return info, nil
}

// FetchMedia resolves the short-lived URL for mediaID and downloads it. Both
// steps fail independently with a *MediaError.
func (c *CloudClient) FetchMedia(ctx context.Context, mediaID string) (Media, error) {
	if mediaID == "" {
		return Media{}, mediaErr("metadata", errors.New("missing media id"))
	}
	info, err := c.MediaInfo(ctx, mediaID)
	if err != nil {
		return Media{}, mediaErr("metadata", err)
	}
	data, contentType, err := download(ctx, c.http, info.URL, c.bearer)
	if err != nil {
		return Media{}, mediaErr("download", err)
	}
	mime := info.MimeType
	if mime == "" {
		mime = contentType
	}
	return Media{Data: data, Mimetype: mime}, nil
}

// ProfilePhoto looks up the customer's current profile picture URL.
func (c *CloudClient) ProfilePhoto(ctx context.Context, phone string) (string, error) {
	if c.profilePhotoURL == "" {
		return "", errors.New("profile photo endpoint not configured")
	}
	endpoint := strings.ReplaceAll(c.profilePhotoURL, "{phone}", url.PathEscape(phone))
	var out struct {
		URL  string `json:"url"`
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := doJSON(ctx, c.http, http.MethodGet, endpoint, c.bearer, nil, &out); err != nil {
		return "", err
	}
	if out.Data.URL != "" {
		return out.Data.URL, nil
	}
	return out.URL, nil
}
