package integrity

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Verify compares dir against m and returns the manifest paths that are
// missing or whose hash differs, in manifest order. Files present in dir but
// absent from m are ignored. The only error is the context's: cancellation
// is checked between files.
//
// onProgress, if set, is called after each entry with the number of
// entries checked so far and the total.
func Verify(ctx context.Context, dir string, m Manifest, alg Algorithm, onProgress func(done, total int)) ([]string, error) {
	invalid := []string{}
	for i, e := range m {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := HashFile(alg, filepath.Join(dir, filepath.FromSlash(e.Path)))
		if err != nil || got != e.Hash {
			invalid = append(invalid, e.Path)
		}
		if onProgress != nil {
			onProgress(i+1, len(m))
		}
	}
	return invalid, nil
}

// Generate walks dir and returns a manifest of every regular file, sorted by
// path. skip, if set, excludes paths (slash separated, relative to dir).
func Generate(ctx context.Context, dir string, alg Algorithm, skip func(rel string) bool) (Manifest, error) {
	var m Manifest
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			return nil
		}
		sum, err := HashFile(alg, p)
		if err != nil {
			return err
		}
		m = append(m, Entry{Path: rel, Hash: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(m, func(i, j int) bool { return m[i].Path < m[j].Path })
	return m, nil
}

// WriteFile writes m to p atomically.
func WriteFile(p string, m Manifest) error {
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
