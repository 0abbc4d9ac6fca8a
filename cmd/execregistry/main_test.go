package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/execd/internal/integrity"
)

func TestManifestCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redis-server"), []byte("binary"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"manifest", dir, "--algorithm", "blake3", "--exclude", "*.md"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	m, err := integrity.Parse(strings.NewReader(out.String()))
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "redis-server", m[0].Path)
	invalid, err := integrity.Verify(context.Background(), dir, m, integrity.BLAKE3, nil)
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestHandlerServesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"executors":{}}`), 0o644))
	h, root, err := newHandler(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(root))

	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/index.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"executors":{}}`, string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = newHandler(filepath.Join(dir, "index.json"), zerolog.Nop())
	assert.Error(t, err)
}
