// Package registry resolves an executor's binary version to where it can be
// downloaded, how it can be verified and which controller versions may run
// it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/carlosprados/execd/internal/config"
)

// Descriptor is what the registry knows about one build.
type Descriptor struct {
	Version            string   `json:"version"`
	DownloadURL        string   `json:"download_url"`
	ManifestURL        string   `json:"manifest_url,omitempty"`
	CompatibleVersions []string `json:"compatible_versions"`
	// SignatureURL and CertificateURL locate a detached signature of the
	// manifest and the certificate of its signer.
	SignatureURL   string `json:"signature_url,omitempty"`
	CertificateURL string `json:"certificate_url,omitempty"`
}

// Resolver looks up descriptors. Implementations must not cache: callers
// rely on every call observing the registry's current content.
type Resolver interface {
	Resolve(ctx context.Context, kind config.Kind, binaryVersion string) (Descriptor, error)
}

var (
	ErrNotFound     = errors.New("not found in the registry")
	ErrIncompatible = errors.New("not compatible with this controller version")
	ErrMismatch     = errors.New("registry returned a different version")
	ErrNoDownload   = errors.New("registry entry has no download url")
)

// Error is the registry failure reported to controller callers.
type Error struct {
	Kind          config.Kind
	BinaryVersion string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.BinaryVersion, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Compatible reports whether controllerVersion is allowed by any entry of
// the compatibility set. An entry matches when it is the same string, or
// when it parses as a semver constraint ("2.0", "~1.4", ">= 1.2, < 2") that
// the version satisfies.
func Compatible(controllerVersion string, compatible []string) bool {
	want := strings.TrimSpace(controllerVersion)
	v, verr := semver.NewVersion(want)
	for _, c := range compatible {
		c = strings.TrimSpace(c)
		if c == want {
			return true
		}
		if verr != nil {
			continue
		}
		if cons, err := semver.NewConstraint(c); err == nil && cons.Check(v) {
			return true
		}
	}
	return false
}

// Check validates d for a controller: the version must be the one asked for
// and the controller must be in the compatibility set.
func Check(d Descriptor, kind config.Kind, binaryVersion, controllerVersion string) error {
	if d.Version != binaryVersion {
		return &Error{Kind: kind, BinaryVersion: binaryVersion, Err: fmt.Errorf("%w: %s", ErrMismatch, d.Version)}
	}
	if !Compatible(controllerVersion, d.CompatibleVersions) {
		return &Error{Kind: kind, BinaryVersion: binaryVersion, Err: fmt.Errorf("%w %s", ErrIncompatible, controllerVersion)}
	}
	return nil
}
