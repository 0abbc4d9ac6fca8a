// Command execd installs, verifies and supervises the executors declared in
// a TOML configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/carlosprados/execd/internal/config"
)

const (
	configKey    = "config"
	logLevelKey  = "log-level"
	logFormatKey = "log-format"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execd",
		Short:         "Install and supervise executor binaries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr())
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "execd.toml", "daemon configuration file (TOML)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "log output format (console or json)")

	viper.SetEnvPrefix("EXECD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	mustBindFlag(configKey, "EXECD_CONFIG", flags.Lookup("config"))
	mustBindFlag(logLevelKey, "EXECD_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(logFormatKey, "EXECD_LOG_FORMAT", flags.Lookup("log-format"))

	cmd.AddCommand(
		newDaemonCommand(),
		newInstallCommand(),
		newRunCommand(),
		newVerifyCommand(),
		newVersionCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// setupLogging configures the global zerolog logger from flags.
func setupLogging(w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(viper.GetString(logLevelKey)))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch format := viper.GetString(logFormatKey); format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}

// loadFile reads the configuration named by --config and loads the
// process-wide .env defaults.
func loadFile() (*config.File, error) {
	config.LoadDotEnvDefault()
	path := strings.TrimSpace(viper.GetString(configKey))
	if path == "" {
		return nil, errors.New("no configuration file given")
	}
	return config.LoadFile(path)
}
