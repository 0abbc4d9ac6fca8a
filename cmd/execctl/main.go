// Command execctl talks to the local API of a running execd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	addrKey    = "addr"
	timeoutKey = "timeout"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execctl",
		Short:         "Control a running execd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("addr", "http://127.0.0.1:8080", "execd base URL")
	flags.Duration("timeout", 0, "server-side bound on an action (0 uses the daemon default)")
	viper.SetEnvPrefix("EXECD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	mustBindFlag(addrKey, "EXECD_ADDR", flags.Lookup("addr"))
	mustBindFlag(timeoutKey, "EXECD_CTL_TIMEOUT", flags.Lookup("timeout"))

	cmd.AddCommand(newStatusCommand(), newGetCommand(), newLogsCommand())
	for _, action := range []struct{ name, short string }{
		{"install", "Download and extract an executor"},
		{"run", "Verify, repair and launch an executor"},
		{"stop", "Stop an executor gracefully, killing it after the grace period"},
		{"kill", "Kill an executor"},
		{"restart", "Restart an executor and its dependents"},
	} {
		cmd.AddCommand(newActionCommand(action.name, action.short))
	}
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
