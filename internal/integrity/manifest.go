// Package integrity checks an install directory against a manifest of
// expected file hashes.
package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names the hash used by both the manifest producer and the
// verifier. It is fixed per deployment.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm maps a configuration value to an Algorithm. Empty means
// SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", s)
}

func (a Algorithm) new() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// HashFile returns the lowercase hex digest of the file at p.
func HashFile(a Algorithm, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := a.new()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entry is one expected file. Path is slash separated and relative to the
// install directory.
type Entry struct {
	Path string
	Hash string
}

// Manifest is an ordered list of entries with unique paths.
type Manifest []Entry

// Error reports a manifest that could not be fetched, parsed or
// authenticated.
type Error struct {
	Line int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("integrity manifest")
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Parse reads newline separated "<hash> <relative-path>" records. The
// sha256sum forms "<hash>  <path>" and "<hash> *<path>" are accepted; blank
// lines and lines starting with '#' are skipped.
func Parse(r io.Reader) (Manifest, error) {
	var m Manifest
	seen := map[string]struct{}{}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		i := strings.IndexAny(text, " \t")
		if i <= 0 {
			return nil, &Error{Line: line, Msg: "expected \"<hash> <path>\""}
		}
		sum := strings.ToLower(text[:i])
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, &Error{Line: line, Msg: "hash is not hex", Err: err}
		}
		rel := strings.TrimLeft(text[i:], " \t")
		rel = strings.TrimPrefix(rel, "*")
		clean, err := cleanRel(rel)
		if err != nil {
			return nil, &Error{Line: line, Msg: err.Error()}
		}
		if _, dup := seen[clean]; dup {
			return nil, &Error{Line: line, Msg: fmt.Sprintf("duplicate path %q", clean)}
		}
		seen[clean] = struct{}{}
		m = append(m, Entry{Path: clean, Hash: sum})
	}
	if err := s.Err(); err != nil {
		return nil, &Error{Err: err}
	}
	return m, nil
}

// cleanRel normalizes a manifest path and rejects anything that would
// resolve outside the install directory.
func cleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, `\`, "/")
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("absolute path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the install directory", rel)
	}
	return clean, nil
}

// WriteTo writes the manifest in the format Parse reads.
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range m {
		n, err := fmt.Fprintf(w, "%s %s\n", e.Hash, e.Path)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
