package integrity

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func hashOf(t *testing.T, alg Algorithm, content string) string {
	t.Helper()
	p := writeFile(t, t.TempDir(), "x", content)
	sum, err := HashFile(alg, p)
	require.NoError(t, err)
	return sum
}

func TestVerifyMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{{Path: "a.txt", Hash: hashOf(t, SHA256, "hello")}}

	invalid, err := Verify(context.Background(), dir, m, SHA256, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, invalid)
}

func TestVerifyMatchingFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	m := Manifest{{Path: "a.txt", Hash: hashOf(t, SHA256, "hello")}}

	invalid, err := Verify(context.Background(), dir, m, SHA256, nil)
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestVerifyIgnoresUntrackedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "not in the manifest")
	m := Manifest{{Path: "a.txt", Hash: hashOf(t, SHA256, "hello")}}

	invalid, err := Verify(context.Background(), dir, m, SHA256, nil)
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestVerifyDifferingHashAndOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bin/server", "v2")
	writeFile(t, dir, "conf/app.toml", "ok")
	m := Manifest{
		{Path: "bin/server", Hash: hashOf(t, BLAKE3, "v1")},
		{Path: "conf/app.toml", Hash: hashOf(t, BLAKE3, "ok")},
		{Path: "lib/missing.so", Hash: hashOf(t, BLAKE3, "x")},
	}

	var calls []int
	invalid, err := Verify(context.Background(), dir, m, BLAKE3, func(done, total int) {
		assert.Equal(t, 3, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bin/server", "lib/missing.so"}, invalid)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestVerifyStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	var m Manifest
	for _, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, dir, name, name)
		m = append(m, Entry{Path: name, Hash: hashOf(t, SHA256, name)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	checked := 0
	_, err := Verify(ctx, dir, m, SHA256, func(done, total int) {
		checked = done
		if done == 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, checked)
}

func TestParseForms(t *testing.T) {
	sum := strings.Repeat("ab", 32)
	src := "# generated\n\n" +
		sum + " galactus\n" +
		strings.ToUpper(sum) + "  assets/logo.png\n" +
		sum + " *win\\galactus.exe\n"
	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, Manifest{
		{Path: "galactus", Hash: sum},
		{Path: "assets/logo.png", Hash: sum},
		{Path: "win/galactus.exe", Hash: sum},
	}, m)
}

func TestParseRejects(t *testing.T) {
	sum := strings.Repeat("0f", 32)
	cases := map[string]string{
		"no path":   sum + "\n",
		"not hex":   "zz11 file\n",
		"absolute":  sum + " /etc/passwd\n",
		"escape":    sum + " ../../etc/passwd\n",
		"duplicate": sum + " a\n" + sum + " ./a\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src))
			var ie *Error
			require.ErrorAs(t, err, &ie)
		})
	}
}

func TestGenerateRoundTripsThroughVerify(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "redis-server", "binary")
	writeFile(t, dir, "conf/redis.conf", "port 6379")
	writeFile(t, dir, "manifest.txt", "skip me")

	m, err := Generate(context.Background(), dir, SHA256, func(rel string) bool { return rel == "manifest.txt" })
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, "conf/redis.conf", m[0].Path)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	parsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)

	invalid, err := Verify(context.Background(), dir, parsed, SHA256, nil)
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)
	a, err = ParseAlgorithm("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, a)
	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}
