package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/carlosprados/execd/internal/validate"
)

// File is the daemon configuration, usually execd.toml.
type File struct {
	Settings  Settings   `toml:"settings"`
	Registry  Registry   `toml:"registry"`
	Integrity Integrity  `toml:"integrity"`
	Events    Events     `toml:"events"`
	Stop      Stop       `toml:"stop"`
	Executors []Executor `toml:"executors"`
}

// Registry selects where descriptors come from: an HTTP index, inline
// artifacts, or both (inline entries win).
type Registry struct {
	URL       string            `toml:"url"`
	Headers   map[string]string `toml:"headers"`
	Artifacts []StaticArtifact  `toml:"artifacts"`
}

// StaticArtifact is a registry entry declared in the config file.
type StaticArtifact struct {
	Type               Kind     `toml:"type"`
	Version            string   `toml:"version"`
	DownloadURL        string   `toml:"download_url"`
	ManifestURL        string   `toml:"manifest_url"`
	CompatibleVersions []string `toml:"compatible_versions"`
	SignatureURL       string   `toml:"signature_url"`
	CertificateURL     string   `toml:"certificate_url"`
}

type Integrity struct {
	Algorithm string `toml:"algorithm"`
	// TrustBundle is a PEM file of roots. When set, every manifest must
	// carry a signature from a certificate chaining to them.
	TrustBundle string `toml:"trust_bundle"`
}

// Events configures where lifecycle events are published.
type Events struct {
	NATSURL      string `toml:"nats_url"`
	NATSSubject  string `toml:"nats_subject"`
	MQTTBroker   string `toml:"mqtt_broker"`
	MQTTTopic    string `toml:"mqtt_topic"`
	MQTTClientID string `toml:"mqtt_client_id"`
}

type Stop struct {
	// GracePeriod bounds a graceful stop before the daemon escalates to a
	// forceful one on shutdown.
	GracePeriod string `toml:"grace_period"`
}

// Executor is one [[executors]] table.
type Executor struct {
	Name             string            `toml:"name"`
	Type             Kind              `toml:"type"`
	Version          string            `toml:"version"`
	BinaryVersion    string            `toml:"binary_version"`
	InstallDirectory string            `toml:"install_directory"`
	Executable       string            `toml:"executable"`
	Args             []string          `toml:"args"`
	Environment      map[string]string `toml:"environment"`
	DependsOn        []string          `toml:"depends_on"`
	// Restart is never, on-failure or always.
	Restart string `toml:"restart"`
	Health  Health `toml:"health"`
}

// Health describes a liveness probe: an http(s) URL, tcp://host:port, or
// cmd:<shell command> run in the install directory.
type Health struct {
	Check            string `toml:"check"`
	Interval         string `toml:"interval"`
	Timeout          string `toml:"timeout"`
	FailureThreshold int    `toml:"failure_threshold"`
}

// Named pairs a built configuration with its stack name and dependencies.
type Named struct {
	Name      string
	DependsOn []string
	Restart   string
	Health    Health
	Config    Configuration
}

// LoadFile reads and validates a TOML daemon configuration. Relative install
// directories and env files resolve against the file's directory.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validate.ValidateFileMap(generic); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	root := filepath.Dir(path)
	if f.Settings.EnvFile != "" && !filepath.IsAbs(f.Settings.EnvFile) {
		f.Settings.EnvFile = filepath.Join(root, f.Settings.EnvFile)
	}
	if f.Integrity.TrustBundle != "" && !filepath.IsAbs(f.Integrity.TrustBundle) {
		f.Integrity.TrustBundle = filepath.Join(root, f.Integrity.TrustBundle)
	}
	for i := range f.Executors {
		e := &f.Executors[i]
		if e.Name == "" {
			e.Name = string(e.Type)
		}
		if e.InstallDirectory != "" && !filepath.IsAbs(e.InstallDirectory) {
			e.InstallDirectory = filepath.Join(root, e.InstallDirectory)
		}
	}
	return &f, nil
}

// GracePeriod parses Stop.GracePeriod, defaulting to 10s.
func (f *File) GracePeriod() time.Duration {
	if d, err := time.ParseDuration(f.Stop.GracePeriod); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// Configurations builds every executor through its kind's factory.
// Environment precedence, lowest first: factory, env file, executor table.
func (f *File) Configurations() ([]Named, error) {
	var shared map[string]string
	if f.Settings.EnvFile != "" {
		vars, err := ReadDotEnv(f.Settings.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
		shared = vars
	}
	seen := map[string]struct{}{}
	out := make([]Named, 0, len(f.Executors))
	for _, e := range f.Executors {
		if _, dup := seen[e.Name]; dup {
			return nil, &ValidationError{Field: "executors.name", Reason: fmt.Sprintf("%q is declared twice", e.Name)}
		}
		seen[e.Name] = struct{}{}
		env := map[string]string{}
		for k, v := range shared {
			env[k] = v
		}
		for k, v := range e.Environment {
			env[k] = v
		}
		cfg, err := Build(e.Type, Base{
			Version:          e.Version,
			BinaryVersion:    e.BinaryVersion,
			InstallDirectory: e.InstallDirectory,
			Executable:       e.Executable,
			Args:             e.Args,
			Environment:      env,
		}, f.Settings)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", e.Name, err)
		}
		out = append(out, Named{Name: e.Name, DependsOn: e.DependsOn, Restart: e.Restart, Health: e.Health, Config: cfg})
	}
	return out, nil
}
