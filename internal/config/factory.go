package config

import (
	"fmt"
	"sort"
	"strconv"
)

// Ports are the local ports the stack's services listen on.
type Ports struct {
	Automuteus int `toml:"automuteus"`
	Galactus   int `toml:"galactus"`
	Broker     int `toml:"broker"`
	Redis      int `toml:"redis"`
	PostgreSQL int `toml:"postgresql"`
}

// PostgreSQLSettings holds database credentials shared by the bot and the
// database executor.
type PostgreSQLSettings struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// Settings is the generic, user-facing settings object every factory reads
// from. Each factory picks the fields its executor needs.
type Settings struct {
	DiscordToken string             `toml:"discord_token"`
	Ports        Ports              `toml:"ports"`
	PostgreSQL   PostgreSQLSettings `toml:"postgresql"`
	// EnvFile is a .env file whose variables are injected into every
	// executor, below per-executor environment.
	EnvFile string `toml:"env_file"`
}

// Base carries the fields every executor needs regardless of kind.
type Base struct {
	Version          string
	BinaryVersion    string
	InstallDirectory string
	Executable       string
	Args             []string
	// Environment entries override whatever the factory derives.
	Environment map[string]string
}

// Factory derives the kind-specific environment and arguments.
type Factory func(s Settings) (env map[string]string, args []string, err error)

var factories = map[Kind]Factory{
	KindGalactus:   galactusFactory,
	KindAutomuteus: automuteusFactory,
	KindRedis:      redisFactory,
	KindPostgreSQL: postgresFactory,
}

// Kinds lists the kinds with a registered factory.
func Kinds() []Kind {
	out := make([]Kind, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build produces a validated Configuration for kind. Validation happens once,
// here; a returned error is always a *ValidationError.
func Build(kind Kind, base Base, s Settings) (Configuration, error) {
	f, ok := factories[kind]
	if !ok {
		return Configuration{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q has no factory", kind)}
	}
	env, args, err := f(s)
	if err != nil {
		return Configuration{}, err
	}
	for k, v := range base.Environment {
		env[k] = v
	}
	if len(base.Args) > 0 {
		args = base.Args
	}
	cfg := Configuration{
		Version:          base.Version,
		BinaryVersion:    base.BinaryVersion,
		Type:             kind,
		InstallDirectory: base.InstallDirectory,
		Environment:      env,
		Executable:       base.Executable,
		Args:             append([]string(nil), args...),
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func requirePort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return &ValidationError{Field: "ports." + field, Reason: fmt.Sprintf("must be in 1..65535, got %d", port)}
	}
	return nil
}

func galactusFactory(s Settings) (map[string]string, []string, error) {
	if s.DiscordToken == "" {
		return nil, nil, &ValidationError{Field: "discord_token", Reason: "cannot be empty"}
	}
	for _, p := range []struct {
		field string
		port  int
	}{{"galactus", s.Ports.Galactus}, {"broker", s.Ports.Broker}, {"redis", s.Ports.Redis}} {
		if err := requirePort(p.field, p.port); err != nil {
			return nil, nil, err
		}
	}
	return map[string]string{
		"DISCORD_BOT_TOKEN": s.DiscordToken,
		"REDIS_ADDR":        "localhost:" + strconv.Itoa(s.Ports.Redis),
		"GALACTUS_PORT":     strconv.Itoa(s.Ports.Galactus),
		"BROKER_PORT":       strconv.Itoa(s.Ports.Broker),
		"REDIS_USER":        "",
		"REDIS_PASS":        "",
	}, nil, nil
}

func automuteusFactory(s Settings) (map[string]string, []string, error) {
	if s.DiscordToken == "" {
		return nil, nil, &ValidationError{Field: "discord_token", Reason: "cannot be empty"}
	}
	for _, p := range []struct {
		field string
		port  int
	}{{"galactus", s.Ports.Galactus}, {"redis", s.Ports.Redis}, {"postgresql", s.Ports.PostgreSQL}} {
		if err := requirePort(p.field, p.port); err != nil {
			return nil, nil, err
		}
	}
	return map[string]string{
		"DISCORD_BOT_TOKEN": s.DiscordToken,
		"GALACTUS_HOST":     "http://localhost:" + strconv.Itoa(s.Ports.Galactus),
		"REDIS_ADDR":        "localhost:" + strconv.Itoa(s.Ports.Redis),
		"POSTGRES_ADDR":     "localhost:" + strconv.Itoa(s.Ports.PostgreSQL),
		"POSTGRES_USER":     s.PostgreSQL.User,
		"POSTGRES_PASS":     s.PostgreSQL.Password,
	}, nil, nil
}

func redisFactory(s Settings) (map[string]string, []string, error) {
	if err := requirePort("redis", s.Ports.Redis); err != nil {
		return nil, nil, err
	}
	port := strconv.Itoa(s.Ports.Redis)
	return map[string]string{"REDIS_PORT": port}, []string{"--port", port}, nil
}

func postgresFactory(s Settings) (map[string]string, []string, error) {
	if err := requirePort("postgresql", s.Ports.PostgreSQL); err != nil {
		return nil, nil, err
	}
	if s.PostgreSQL.User == "" {
		return nil, nil, &ValidationError{Field: "postgresql.user", Reason: "cannot be empty"}
	}
	port := strconv.Itoa(s.Ports.PostgreSQL)
	db := s.PostgreSQL.Database
	if db == "" {
		db = "postgres"
	}
	return map[string]string{
		"PGPORT":     port,
		"PGDATA":     "data",
		"PGUSER":     s.PostgreSQL.User,
		"PGDATABASE": db,
	}, []string{"-D", "data", "-p", port}, nil
}
