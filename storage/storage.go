// Package storage uploads chat attachments to the object store and hands back
// their public URL.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/AlvaroZev/rimont-inbox/dbtypes"
)

var ErrUploadFailed = errors.New("attachment upload failed")

type Config struct {
	BaseURL     string
	ServiceKey  string
	MediaBucket string
	AudioBucket string
	Timeout     time.Duration
}

// Upload describes one attachment to persist.
type Upload struct {
	ConversationID uuid.UUID
	Kind           dbtypes.AttachmentKind
	Filename       string
	Mimetype       string
	Data           []byte
	At             time.Time
}

// Stored is the result of a successful upload.
type Stored struct {
	URL      string
	Path     string
	Filename string
	Mimetype string
}

type ObjectStore struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) *ObjectStore {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ObjectStore{cfg: cfg, client: client}
}

func (s *ObjectStore) bucket(kind dbtypes.AttachmentKind) string {
	if kind == dbtypes.AttachmentAudio {
		return s.cfg.AudioBucket
	}
	return s.cfg.MediaBucket
}

// Put uploads the payload under {conversationId}/{timestamp}-{digest}-{filename},
// where digest is a short content hash. Identical bytes map to the same object.
func (s *ObjectStore) Put(ctx context.Context, up Upload) (Stored, error) {
	if len(up.Data) == 0 {
		return Stored{}, errors.Wrap(ErrUploadFailed, "empty payload")
	}
	if s.cfg.BaseURL == "" {
		return Stored{}, errors.Wrap(ErrUploadFailed, "object store not configured")
	}

	mime := up.Mimetype
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(up.Data).String()
	}
	// strip codec parameters, e.g. "audio/ogg; codecs=opus"
	contentType := strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])

	filename := ObjectName(up.Kind, up.Filename, contentType)
	at := up.At
	if at.IsZero() {
		at = time.Now()
	}
	objectPath := fmt.Sprintf("%s/%d-%s-%s", up.ConversationID, at.UnixMilli(), contentDigest(up.Data), filename)
	bucket := s.bucket(up.Kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/storage/v1/object/%s/%s", s.cfg.BaseURL, bucket, escapePath(objectPath)),
		bytes.NewReader(up.Data))
	if err != nil {
		return Stored{}, errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.ServiceKey)
	req.Header.Set("apikey", s.cfg.ServiceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return Stored{}, errors.Wrap(ErrUploadFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Stored{}, errors.Wrapf(ErrUploadFailed, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return Stored{
		URL:      s.PublicURL(bucket, objectPath),
		Path:     objectPath,
		Filename: filename,
		Mimetype: contentType,
	}, nil
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

func (s *ObjectStore) PublicURL(bucket, objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.cfg.BaseURL, bucket, escapePath(objectPath))
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectName derives a storage-safe file name, falling back to the kind and an
// extension guessed from the mimetype.
func ObjectName(kind dbtypes.AttachmentKind, filename, mime string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(path.Base(filename), "_"), "_.")
	if filename == "" || name == "" {
		name = string(kind)
		if name == "" {
			name = "file"
		}
	}
	if path.Ext(name) == "" {
		if m := mimetype.Lookup(mime); m != nil {
			name += m.Extension()
		}
	}
	return name
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
