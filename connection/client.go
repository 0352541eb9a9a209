package whats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrMediaUnavailable marks any failure to obtain attachment bytes upstream.
var ErrMediaUnavailable = errors.New("media unavailable")

// maxMediaBytes bounds a single attachment download.
const maxMediaBytes = 64 << 20

// MediaError tells at which step a media fetch failed.
type MediaError struct {
	Stage string
	Err   error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media %s: %v", e.Stage, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

func (e *MediaError) Is(target error) bool { return target == ErrMediaUnavailable }

func mediaErr(stage string, err error) error {
	return &MediaError{Stage: stage, Err: err}
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type authFunc func(*http.Request)

func doJSON(ctx context.Context, client *http.Client, method, url string, auth authFunc, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.WithStack(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	auth(req)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func download(ctx context.Context, client *http.Client, url string, auth authFunc) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	auth(req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read body")
	}
	if len(data) > maxMediaBytes {
		return nil, "", errors.Errorf("media larger than %d bytes", maxMediaBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty media body")
	}
	return data, resp.Header.Get("Content-Type"), nil
}
