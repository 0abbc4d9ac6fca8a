package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/execd/internal/metrics"
)

// Transfer is the state of a download. Total is -1 when the server did not
// announce a length.
type Transfer struct {
	Received int64
	Total    int64
}

// Fraction returns Received/Total, and false when Total is unknown.
func (t Transfer) Fraction() (float64, bool) {
	if t.Total <= 0 {
		return 0, false
	}
	return float64(t.Received) / float64(t.Total), true
}

// TransferError reports a failed download, fetch or extraction.
type TransferError struct {
	Op  string // download | fetch | extract
	Src string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Src, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// HTTPOptions allows callers to attach headers to every request.
type HTTPOptions struct {
	Headers   map[string]string
	UserAgent string
}

// Fetcher performs HTTP transfers with retries. Nothing is cached: every call
// goes to the network.
type Fetcher struct {
	client *retryablehttp.Client
	opts   HTTPOptions
	log    zerolog.Logger
}

// NewFetcher returns a Fetcher using a retrying client.
func NewFetcher(opts HTTPOptions) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	return &Fetcher{client: client, opts: opts, log: log.Logger}
}

// WithLogger returns a copy of f logging to l.
func (f *Fetcher) WithLogger(l zerolog.Logger) *Fetcher {
	cp := *f
	cp.log = l
	return &cp
}

// Client exposes the underlying HTTP client for callers that share the
// retry policy, such as the registry.
func (f *Fetcher) Client() *retryablehttp.Client { return f.client }

func (f *Fetcher) get(ctx context.Context, uri string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	attachRequestHeaders(req.Request, f.opts)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}
	return resp, nil
}

// attachRequestHeaders adds headers from HTTPOptions only.
func attachRequestHeaders(r *http.Request, opts HTTPOptions) {
	ua := opts.UserAgent
	if ua == "" {
		ua = "execd"
	}
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", ua)
	}
	for k, v := range opts.Headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		r.Header.Set(k, v)
	}
}

// Fetch returns the body of a small document such as a manifest.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	resp, err := f.get(ctx, uri)
	if err != nil {
		return nil, &TransferError{Op: "fetch", Src: uri, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &TransferError{Op: "fetch", Src: uri, Err: err}
	}
	return b, nil
}

// Download streams uri to dest, reporting progress after every chunk. A
// failed or cancelled download removes the partial file: the next attempt
// always starts from scratch.
func (f *Fetcher) Download(ctx context.Context, uri, dest string, onProgress func(Transfer)) (err error) {
	resp, err := f.get(ctx, uri)
	if err != nil {
		return &TransferError{Op: "download", Src: uri, Err: err}
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &TransferError{Op: "download", Src: uri, Err: err}
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = &TransferError{Op: "download", Src: uri, Err: cerr}
		}
		if err != nil {
			if rerr := os.Remove(dest); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				f.log.Warn().Err(rerr).Str("path", dest).Msg("failed to discard partial download")
			}
		}
	}()

	t := Transfer{Total: resp.ContentLength}
	if onProgress != nil {
		onProgress(t)
	}
	buf := make([]byte, 256*1024)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return &TransferError{Op: "download", Src: uri, Err: cerr}
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return &TransferError{Op: "download", Src: uri, Err: werr}
			}
			t.Received += int64(n)
			metrics.AddDownloadedBytes(n)
			if onProgress != nil {
				onProgress(t)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return &TransferError{Op: "download", Src: uri, Err: rerr}
		}
	}
	if t.Total > 0 && t.Received != t.Total {
		return &TransferError{Op: "download", Src: uri, Err: fmt.Errorf("short body: got %d of %d bytes", t.Received, t.Total)}
	}
	f.log.Debug().Str("url", uri).Str("path", dest).Int64("bytes", t.Received).Msg("download complete")
	return nil
}

// FileName derives the local archive name from a download URL.
func FileName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "artifact.bin"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "artifact.bin"
	}
	return base
}
