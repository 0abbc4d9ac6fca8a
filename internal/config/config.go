// Package config holds the validated description of one managed executor and
// the factory that derives it from generic settings.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/carlosprados/execd/internal/validate"
)

// Kind names an executor role in the stack.
type Kind string

const (
	KindAutomuteus Kind = "automuteus"
	KindGalactus   Kind = "galactus"
	KindRedis      Kind = "redis"
	KindPostgreSQL Kind = "postgresql"
)

// executables maps a kind to its binary, relative to the install directory.
var executables = map[Kind]string{
	KindAutomuteus: "automuteus",
	KindGalactus:   "galactus",
	KindRedis:      "redis-server",
	KindPostgreSQL: "bin/postgres",
}

// Configuration describes one managed executor. It is validated once, at
// construction, and treated as immutable afterwards.
type Configuration struct {
	// Version is the controller version, checked against the registry's
	// compatibility set.
	Version          string            `json:"version" toml:"version"`
	BinaryVersion    string            `json:"binaryVersion" toml:"binary_version"`
	Type             Kind              `json:"type" toml:"type"`
	InstallDirectory string            `json:"installDirectory" toml:"install_directory"`
	Environment      map[string]string `json:"environment" toml:"environment"`

	// Executable overrides the binary name derived from Type.
	Executable string   `json:"executable,omitempty" toml:"executable"`
	Args       []string `json:"args,omitempty" toml:"args"`
}

// ValidationError reports a missing or invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid executor configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid executor configuration: %s %s", e.Field, e.Reason)
}

// Validate checks that every required field is set. The Go checks name the
// offending field; the JSON schema is applied afterwards as a backstop.
func (c Configuration) Validate() error {
	required := []struct{ field, value string }{
		{"version", c.Version},
		{"binaryVersion", c.BinaryVersion},
		{"type", string(c.Type)},
		{"installDirectory", c.InstallDirectory},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "cannot be empty"}
		}
	}
	if len(c.Environment) == 0 {
		return &ValidationError{Field: "environment", Reason: "cannot be empty"}
	}
	for k := range c.Environment {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "=\x00") {
			return &ValidationError{Field: "environment", Reason: fmt.Sprintf("has invalid key %q", k)}
		}
	}
	if c.Executable == "" {
		if _, ok := executables[c.Type]; !ok {
			return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is unknown and no executable is set", c.Type)}
		}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if err := validate.ValidateConfigurationMap(generic); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a controller's view.
func (c Configuration) Clone() Configuration {
	cp := c
	cp.Environment = make(map[string]string, len(c.Environment))
	for k, v := range c.Environment {
		cp.Environment[k] = v
	}
	cp.Args = append([]string(nil), c.Args...)
	return cp
}

// ExecutablePath returns the absolute path of the binary to run.
func (c Configuration) ExecutablePath() string {
	name := c.Executable
	if name == "" {
		name = executables[c.Type]
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
	}
	p := filepath.Join(c.InstallDirectory, filepath.FromSlash(name))
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// EnvList renders Environment as sorted KEY=VALUE pairs.
func (c Configuration) EnvList() []string {
	keys := make([]string, 0, len(c.Environment))
	for k := range c.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Environment[k])
	}
	return out
}
