package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carlosprados/execd/internal/agent"
	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/controller"
	"github.com/carlosprados/execd/internal/integrity"
	"github.com/carlosprados/execd/internal/supervisor"
	"github.com/carlosprados/execd/internal/version"
)

// lookup builds the executors of the configuration file and returns the
// one called name.
func lookup(name string) (*controller.Controller, *config.File, error) {
	f, err := loadFile()
	if err != nil {
		return nil, nil, err
	}
	logger := log.Logger
	members, err := agent.FromFile(f, agent.BuildOptions{Logger: &logger})
	if err != nil {
		return nil, nil, err
	}
	for _, m := range members {
		if c, ok := m.Executor.(*controller.Controller); ok && c.Name() == name {
			return c, f, nil
		}
	}
	return nil, nil, fmt.Errorf("no executor named %q", name)
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <executor>",
		Short: "Download and extract one executor into its install directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := lookup(args[0])
			if err != nil {
				return err
			}
			return c.Install(cmd.Context(), newProgressPrinter(cmd.ErrOrStderr()).Sink())
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <executor>",
		Short: "Verify, repair and run one executor in the foreground",
		Long: "Runs one executor until it exits or execd is interrupted. An interrupt stops it\n" +
			"gracefully, escalating to a kill after the configured grace period.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, f, err := lookup(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := c.Run(ctx, newProgressPrinter(cmd.ErrOrStderr()).Sink()); err != nil {
				return err
			}
			if err := c.Wait(ctx); ctx.Err() == nil {
				return err
			}
			return supervisor.StopUnit(context.Background(), c, f.GracePeriod(), log.Logger)
		},
	}
}

func newVerifyCommand() *cobra.Command {
	var (
		manifest  string
		algorithm string
	)
	cmd := &cobra.Command{
		Use:   "verify <dir>",
		Short: "Check a directory against a manifest without repairing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := integrity.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			raw, err := readManifest(cmd.Context(), manifest)
			if err != nil {
				return err
			}
			m, err := integrity.Parse(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			dir := args[0]
			invalid, err := integrity.Verify(cmd.Context(), dir, m, alg, nil)
			if err != nil {
				return err
			}
			var size int64
			for _, e := range m {
				if st, err := os.Stat(filepath.Join(dir, filepath.FromSlash(e.Path))); err == nil {
					size += st.Size()
				}
			}
			out := cmd.OutOrStdout()
			for _, p := range invalid {
				fmt.Fprintf(out, "INVALID %s\n", p)
			}
			fmt.Fprintf(out, "%d files (%s) checked, %d invalid\n", len(m), humanize.Bytes(uint64(size)), len(invalid))
			if len(invalid) > 0 {
				return errors.New("verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "manifest file path or http(s) URL")
	cmd.Flags().StringVar(&algorithm, "algorithm", "sha256", "hash algorithm (sha256 or blake3)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func readManifest(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return artifact.NewFetcher(artifact.HTTPOptions{UserAgent: version.UserAgent()}).
			WithLogger(log.Logger).Fetch(ctx, src)
	}
	return os.ReadFile(src)
}
