package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/progress"
	"github.com/carlosprados/execd/internal/registry"
)

const (
	kind          config.Kind = "relay"
	binaryVersion             = "2.4.1"
	archiveURL                = "http://registry.test/relay-2.4.1.zip"
	manifestURL               = "http://registry.test/relay-2.4.1.sums"
)

// fakeFetcher serves one archive and one manifest from memory.
type fakeFetcher struct {
	archive   []byte
	manifest  []byte
	extra     map[string][]byte
	downloads atomic.Int32
	fetches   atomic.Int32
	// started is closed when the first download begins; the download then
	// blocks until ctx is done when block is set.
	started   chan struct{}
	startOnce sync.Once
	block     bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.fetches.Add(1)
	if b, ok := f.extra[uri]; ok {
		return b, nil
	}
	if uri != manifestURL || f.manifest == nil {
		return nil, &artifact.TransferError{Op: "fetch", Src: uri, Err: errors.New("404 Not Found")}
	}
	return f.manifest, nil
}

func (f *fakeFetcher) Download(ctx context.Context, uri, dest string, onProgress func(artifact.Transfer)) error {
	f.downloads.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block {
		<-ctx.Done()
		return &artifact.TransferError{Op: "download", Src: uri, Err: ctx.Err()}
	}
	n := int64(len(f.archive))
	onProgress(artifact.Transfer{Received: n / 2, Total: n})
	if err := os.WriteFile(dest, f.archive, 0o644); err != nil {
		return err
	}
	onProgress(artifact.Transfer{Received: n, Total: n})
	return nil
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		h := &zip.FileHeader{Name: name, Method: zip.Deflate}
		h.SetMode(0o755)
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func manifestOf(files map[string]string) []byte {
	var buf bytes.Buffer
	for name, body := range files {
		fmt.Fprintf(&buf, "%x  %s\n", sha256.Sum256([]byte(body)), name)
	}
	return buf.Bytes()
}

// signer is a self-signed certificate trusted as its own root.
type signer struct {
	key     *ecdsa.PrivateKey
	certPEM []byte
	roots   *x509.CertPool
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay releases"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return signer{key: key, certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), roots: roots}
}

func (s signer) sign(t *testing.T, data []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	require.NoError(t, err)
	return sig
}

// signed points d at a signature and certificate served by f.
func (s signer) signed(t *testing.T, d registry.Descriptor, f *fakeFetcher) registry.Descriptor {
	t.Helper()
	d.SignatureURL = manifestURL + ".sig"
	d.CertificateURL = "http://registry.test/signer.pem"
	f.extra = map[string][]byte{
		d.SignatureURL:   s.sign(t, f.manifest),
		d.CertificateURL: s.certPEM,
	}
	return d
}

type emptyTable struct{}

func (emptyTable) FindByExecutablePath(context.Context, string) ([]int32, error) { return nil, nil }
func (emptyTable) KillAndWait(context.Context, int32) error                     { return nil }

// deniedTable reports one stale instance that cannot be killed.
type deniedTable struct{ attempts atomic.Int32 }

func (d *deniedTable) FindByExecutablePath(context.Context, string) ([]int32, error) {
	return []int32{1}, nil
}

func (d *deniedTable) KillAndWait(context.Context, int32) error {
	d.attempts.Add(1)
	return os.ErrPermission
}

func baseConfig(dir string) config.Configuration {
	return config.Configuration{
		Version:          "1.0",
		BinaryVersion:    binaryVersion,
		Type:             kind,
		InstallDirectory: dir,
		Executable:       "run.sh",
		Environment:      map[string]string{"RELAY_MODE": "test"},
	}
}

func staticRegistry(d registry.Descriptor) *registry.Static {
	r := registry.NewStatic()
	r.Put(kind, d)
	return r
}

func descriptor(withManifest bool) registry.Descriptor {
	d := registry.Descriptor{Version: binaryVersion, DownloadURL: archiveURL, CompatibleVersions: []string{"1.0"}}
	if withManifest {
		d.ManifestURL = manifestURL
	}
	return d
}

func newController(t *testing.T, cfg config.Configuration, reg registry.Resolver, f Fetcher, opts ...Option) *Controller {
	t.Helper()
	all := append([]Option{
		WithRegistry(reg),
		WithFetcher(f),
		WithProcessTable(emptyTable{}, emptyTable{}),
		WithLogger(zerolog.Nop()),
	}, opts...)
	c, err := New(cfg, all...)
	require.NoError(t, err)
	return c
}

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) sink(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recorder) labels() map[string]bool {
	out := map[string]bool{}
	for _, ev := range r.snapshot() {
		out[ev.Label] = true
	}
	return out
}
