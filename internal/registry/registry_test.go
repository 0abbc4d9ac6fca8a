package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/execd/internal/config"
)

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("2.0", []string{"1.0", "2.0"}))
	assert.True(t, Compatible("1.4.2", []string{"~1.4"}))
	assert.True(t, Compatible("1.9.0", []string{">= 1.2, < 2"}))
	assert.True(t, Compatible("nightly", []string{"nightly"}))
	assert.False(t, Compatible("3.0", []string{"1.0", "2.0"}))
	assert.False(t, Compatible("nightly", []string{">= 1.0"}))
	assert.False(t, Compatible("1.0", nil))
}

func TestCheck(t *testing.T) {
	d := Descriptor{Version: "2.4.1", CompatibleVersions: []string{"1.0"}}
	assert.NoError(t, Check(d, config.KindGalactus, "2.4.1", "1.0"))

	err := Check(d, config.KindGalactus, "2.4.1", "3.0")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrIncompatible)
	assert.Equal(t, config.KindGalactus, re.Kind)

	assert.ErrorIs(t, Check(d, config.KindGalactus, "2.5.0", "1.0"), ErrMismatch)
}

func TestStaticResolve(t *testing.T) {
	s := NewStatic()
	s.Put(config.KindRedis, Descriptor{Version: "7.2", DownloadURL: "http://a", CompatibleVersions: []string{"1.0"}})

	d, err := s.Resolve(context.Background(), config.KindRedis, "7.2")
	require.NoError(t, err)
	assert.Equal(t, "http://a", d.DownloadURL)

	_, err = s.Resolve(context.Background(), config.KindRedis, "7.4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Resolve(context.Background(), config.KindGalactus, "7.2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Replacing an entry is visible to the next call.
	s.Put(config.KindRedis, Descriptor{Version: "7.2", DownloadURL: "http://b"})
	d, err = s.Resolve(context.Background(), config.KindRedis, "7.2")
	require.NoError(t, err)
	assert.Equal(t, "http://b", d.DownloadURL)
}

func TestFromArtifacts(t *testing.T) {
	s := FromArtifacts([]config.StaticArtifact{{
		Type: config.KindPostgreSQL, Version: "16", DownloadURL: "http://pg", CompatibleVersions: []string{"1.0"},
	}})
	d, err := s.Resolve(context.Background(), config.KindPostgreSQL, "16")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0"}, d.CompatibleVersions)
}

const index = `{"executors":{"galactus":[
  {"version":"2.4.1","download_url":"http://files/galactus.zip","manifest_url":"http://files/galactus.sums","compatible_versions":["1.0"]}
]}}`

func TestHTTPResolveFetchesEveryCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(index))
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, nil)
	h.Headers = map[string]string{"X-Token": "secret"}

	d, err := h.Resolve(context.Background(), config.KindGalactus, "2.4.1")
	require.NoError(t, err)
	assert.Equal(t, "http://files/galactus.sums", d.ManifestURL)

	_, err = h.Resolve(context.Background(), config.KindGalactus, "9.9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPResolveRejectsBadIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"executors":{"redis":[{"download_url":"x"}]}}`))
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, nil).Resolve(context.Background(), config.KindRedis, "7.2")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestChainFallsThroughOnNotFound(t *testing.T) {
	a := NewStatic()
	b := NewStatic()
	b.Put(config.KindRedis, Descriptor{Version: "7.2", DownloadURL: "http://b"})

	d, err := Chain{a, b}.Resolve(context.Background(), config.KindRedis, "7.2")
	require.NoError(t, err)
	assert.Equal(t, "http://b", d.DownloadURL)

	_, err = Chain{a, b}.Resolve(context.Background(), config.KindRedis, "1")
	assert.ErrorIs(t, err, ErrNotFound)
}
