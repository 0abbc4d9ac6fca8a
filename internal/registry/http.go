package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/validate"
)

// Index is the JSON document served by an HTTP registry.
type Index struct {
	Executors map[config.Kind][]Descriptor `json:"executors"`
}

// HTTP resolves against a JSON index fetched on every call.
type HTTP struct {
	URL     string
	Headers map[string]string
	Client  *retryablehttp.Client
}

// NewHTTP returns a registry reading the index at url with client. A nil
// client gets a default retrying one.
func NewHTTP(url string, client *retryablehttp.Client) *HTTP {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &HTTP{URL: url, Client: client}
}

func (h *HTTP) Resolve(ctx context.Context, kind config.Kind, binaryVersion string) (Descriptor, error) {
	idx, err := h.fetch(ctx)
	if err != nil {
		return Descriptor{}, &Error{Kind: kind, BinaryVersion: binaryVersion, Err: err}
	}
	for _, d := range idx.Executors[kind] {
		if d.Version == binaryVersion {
			return d, nil
		}
	}
	return Descriptor{}, &Error{Kind: kind, BinaryVersion: binaryVersion, Err: ErrNotFound}
}

func (h *HTTP) fetch(ctx context.Context) (*Index, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry http error: %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("registry index: %w", err)
	}
	if err := validate.ValidateIndex(generic); err != nil {
		return nil, fmt.Errorf("registry index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("registry index: %w", err)
	}
	return &idx, nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
