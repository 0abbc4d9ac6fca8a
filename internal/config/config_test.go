package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Configuration {
	return Configuration{
		Version:          "1.0.0",
		BinaryVersion:    "2.4.1",
		Type:             KindGalactus,
		InstallDirectory: "/opt/stack/galactus",
		Environment:      map[string]string{"GALACTUS_PORT": "5858"},
	}
}

func TestValidateRequiredFields(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Configuration){
		"version":          func(c *Configuration) { c.Version = "" },
		"binaryVersion":    func(c *Configuration) { c.BinaryVersion = " " },
		"type":             func(c *Configuration) { c.Type = "" },
		"installDirectory": func(c *Configuration) { c.InstallDirectory = "" },
		"environment":      func(c *Configuration) { c.Environment = nil },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			var ve *ValidationError
			require.ErrorAs(t, cfg.Validate(), &ve)
			assert.Equal(t, field, ve.Field)
		})
	}
}

func TestValidateEnvironmentKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = map[string]string{"": "x"}
	var ve *ValidationError
	require.ErrorAs(t, cfg.Validate(), &ve)
	assert.Equal(t, "environment", ve.Field)

	cfg.Environment = map[string]string{"A=B": "x"}
	require.ErrorAs(t, cfg.Validate(), &ve)
}

func TestValidateUnknownKindNeedsExecutable(t *testing.T) {
	cfg := validConfig()
	cfg.Type = "broker"
	var ve *ValidationError
	require.ErrorAs(t, cfg.Validate(), &ve)
	assert.Equal(t, "type", ve.Field)

	cfg.Executable = "broker"
	assert.NoError(t, cfg.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	cfg.Args = []string{"--verbose"}
	cp := cfg.Clone()
	cp.Environment["GALACTUS_PORT"] = "1"
	cp.Args[0] = "--quiet"
	assert.Equal(t, "5858", cfg.Environment["GALACTUS_PORT"])
	assert.Equal(t, "--verbose", cfg.Args[0])
}

func TestExecutablePath(t *testing.T) {
	cfg := validConfig()
	cfg.Executable = "bin/galactus-linux"
	assert.Equal(t, filepath.Join("/opt/stack/galactus", "bin", "galactus-linux"), cfg.ExecutablePath())
}

func TestEnvListSorted(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = map[string]string{"B": "2", "A": "1", "EMPTY": ""}
	assert.Equal(t, []string{"A=1", "B=2", "EMPTY="}, cfg.EnvList())
}

func settings() Settings {
	return Settings{
		DiscordToken: "token",
		Ports:        Ports{Automuteus: 5000, Galactus: 5858, Broker: 8123, Redis: 6379, PostgreSQL: 5432},
		PostgreSQL:   PostgreSQLSettings{User: "amu", Password: "pw"},
	}
}

func TestBuildGalactus(t *testing.T) {
	cfg, err := Build(KindGalactus, Base{
		Version:          "1.0.0",
		BinaryVersion:    "2.4.1",
		InstallDirectory: "/opt/galactus",
		Environment:      map[string]string{"REDIS_PASS": "secret"},
	}, settings())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DISCORD_BOT_TOKEN": "token",
		"REDIS_ADDR":        "localhost:6379",
		"GALACTUS_PORT":     "5858",
		"BROKER_PORT":       "8123",
		"REDIS_USER":        "",
		"REDIS_PASS":        "secret",
	}, cfg.Environment)
}

func TestBuildRedisArgs(t *testing.T) {
	cfg, err := Build(KindRedis, Base{Version: "1.0.0", BinaryVersion: "7.2", InstallDirectory: "/opt/redis"}, settings())
	require.NoError(t, err)
	assert.Equal(t, []string{"--port", "6379"}, cfg.Args)
}

func TestBuildFailsAtFactoryBoundary(t *testing.T) {
	s := settings()
	s.DiscordToken = ""
	_, err := Build(KindGalactus, Base{Version: "1", BinaryVersion: "2", InstallDirectory: "/x"}, s)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "discord_token", ve.Field)

	s = settings()
	s.Ports.Redis = 0
	_, err = Build(KindRedis, Base{Version: "1", BinaryVersion: "2", InstallDirectory: "/x"}, s)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "ports.redis", ve.Field)

	_, err = Build("unknown", Base{}, settings())
	require.ErrorAs(t, err, &ve)

	_, err = Build(KindRedis, Base{BinaryVersion: "2", InstallDirectory: "/x"}, settings())
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "version", ve.Field)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, []Kind{KindAutomuteus, KindGalactus, KindPostgreSQL, KindRedis}, Kinds())
}

func TestReadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("# comment\nexport A=1\nB = \"two words\"\nC='x'\nbroken\n"), 0o644))
	vars, err := ReadDotEnv(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two words", "C": "x"}, vars)
}

func TestReadDotEnvExpandsAndStripsComments(t *testing.T) {
	t.Setenv("EXECD_TEST_HOST", "db.local")
	p := filepath.Join(t.TempDir(), ".env")
	body := "PORT=5432 # default\nDSN=\"postgres://${EXECD_TEST_HOST}:$PORT\"\nRAW='${PORT}'\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	vars, err := ReadDotEnv(p)
	require.NoError(t, err)
	assert.Equal(t, "5432", vars["PORT"])
	assert.Equal(t, "postgres://db.local:5432", vars["DSN"])
	assert.Equal(t, "${PORT}", vars["RAW"])
}

const sampleFile = `
[settings]
discord_token = "token"
env_file = "stack.env"

[settings.ports]
galactus = 5858
broker = 8123
redis = 6379

[registry]
url = "http://127.0.0.1:9000/index.json"

[[registry.artifacts]]
type = "redis"
version = "7.2"
download_url = "http://127.0.0.1:9000/redis-7.2.zip"
compatible_versions = ["1.0.0"]

[integrity]
algorithm = "blake3"

[stop]
grace_period = "3s"

[[executors]]
type = "redis"
version = "1.0.0"
binary_version = "7.2"
install_directory = "redis"

[[executors]]
name = "relay"
type = "galactus"
version = "1.0.0"
binary_version = "2.4.1"
install_directory = "galactus"
depends_on = ["redis"]
[executors.environment]
LOG_LEVEL = "debug"
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "execd.toml")
	require.NoError(t, os.WriteFile(p, []byte(sampleFile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stack.env"), []byte("LOG_LEVEL=info\nTZ=UTC\n"), 0o644))

	f, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "blake3", f.Integrity.Algorithm)
	assert.Equal(t, "3s", f.Stop.GracePeriod)
	require.Len(t, f.Registry.Artifacts, 1)
	assert.Equal(t, []string{"1.0.0"}, f.Registry.Artifacts[0].CompatibleVersions)

	named, err := f.Configurations()
	require.NoError(t, err)
	require.Len(t, named, 2)
	assert.Equal(t, "redis", named[0].Name)
	assert.Equal(t, filepath.Join(dir, "redis"), named[0].Config.InstallDirectory)
	assert.Equal(t, "UTC", named[0].Config.Environment["TZ"])

	relay := named[1]
	assert.Equal(t, "relay", relay.Name)
	assert.Equal(t, []string{"redis"}, relay.DependsOn)
	assert.Equal(t, "debug", relay.Config.Environment["LOG_LEVEL"])
	assert.Equal(t, "5858", relay.Config.Environment["GALACTUS_PORT"])
}

func TestLoadFileRejectsSchemaViolation(t *testing.T) {
	p := filepath.Join(t.TempDir(), "execd.toml")
	require.NoError(t, os.WriteFile(p, []byte("[[executors]]\ntype = \"redis\"\n"), 0o644))
	_, err := LoadFile(p)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(p, []byte("[integrity]\nalgorithm = \"md5\"\n"), 0o644))
	_, err = LoadFile(p)
	assert.Error(t, err)
}
