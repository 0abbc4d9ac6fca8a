package registry

import (
	"context"
	"sync"

	"github.com/carlosprados/execd/internal/config"
)

// Static is an in-memory registry. It is safe for concurrent use and its
// entries may be replaced at any time; Resolve always sees the latest.
type Static struct {
	mu      sync.RWMutex
	entries map[config.Kind][]Descriptor
}

// NewStatic returns an empty registry.
func NewStatic() *Static {
	return &Static{entries: map[config.Kind][]Descriptor{}}
}

// FromArtifacts builds a registry from config file entries.
func FromArtifacts(arts []config.StaticArtifact) *Static {
	s := NewStatic()
	for _, a := range arts {
		s.Put(a.Type, Descriptor{
			Version:            a.Version,
			DownloadURL:        a.DownloadURL,
			ManifestURL:        a.ManifestURL,
			CompatibleVersions: a.CompatibleVersions,
			SignatureURL:       a.SignatureURL,
			CertificateURL:     a.CertificateURL,
		})
	}
	return s
}

// Put adds or replaces the descriptor for kind and d.Version.
func (s *Static) Put(kind config.Kind, d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[kind]
	for i := range list {
		if list[i].Version == d.Version {
			list[i] = d
			return
		}
	}
	s.entries[kind] = append(list, d)
}

func (s *Static) Resolve(ctx context.Context, kind config.Kind, binaryVersion string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.entries[kind] {
		if d.Version == binaryVersion {
			d.CompatibleVersions = append([]string(nil), d.CompatibleVersions...)
			return d, nil
		}
	}
	return Descriptor{}, &Error{Kind: kind, BinaryVersion: binaryVersion, Err: ErrNotFound}
}

// Chain resolves from each resolver in order, moving on only when the
// previous one reports ErrNotFound.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, kind config.Kind, binaryVersion string) (Descriptor, error) {
	last := error(&Error{Kind: kind, BinaryVersion: binaryVersion, Err: ErrNotFound})
	for _, r := range c {
		d, err := r.Resolve(ctx, kind, binaryVersion)
		if err == nil {
			return d, nil
		}
		if !isNotFound(err) {
			return Descriptor{}, err
		}
		last = err
	}
	return Descriptor{}, last
}
