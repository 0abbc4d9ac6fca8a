// Command execregistry serves executor archives, manifests and the registry
// index from a directory, and produces manifests for release directories.
//
//	execregistry serve --root ./dist --addr :9000
//	execregistry manifest ./build/redis-7.2.4 > dist/redis-7.2.4.sums
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/carlosprados/execd/internal/integrity"
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
		Use:           "execregistry",
		Short:         "Serve and prepare executor artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	viper.SetEnvPrefix("EXECREGISTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cmd.AddCommand(newServeCommand(), newManifestCommand())
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

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory of archives, manifests and index.json over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
				With().Timestamp().Str("app", "execregistry").Logger()
			h, root, err := newHandler(viper.GetString("root"), logger)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: viper.GetString("addr"), Handler: h, ReadHeaderTimeout: 10 * time.Second}
			errc := make(chan error, 1)
			go func() {
				logger.Info().Str("root", root).Str("addr", srv.Addr).Msg("serving")
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		},
	}
	flags := cmd.Flags()
	flags.String("root", ".", "directory to serve")
	flags.String("addr", ":9000", "listen address (host:port)")
	mustBindFlag("root", "EXECREGISTRY_ROOT", flags.Lookup("root"))
	mustBindFlag("addr", "EXECREGISTRY_ADDR", flags.Lookup("addr"))
	return cmd
}

// newHandler serves root statically with a health probe and request logs.
func newHandler(root string, logger zerolog.Logger) (http.Handler, string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, "", fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(absRoot)
	if err != nil {
		return nil, "", err
	}
	if !st.IsDir() {
		return nil, "", fmt.Errorf("%s is not a directory", absRoot)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","time_utc":"%s"}`, time.Now().UTC().Format(time.RFC3339))
	})
	mux.Handle("/", http.FileServer(http.Dir(absRoot)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mux.ServeHTTP(w, r)
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	}), absRoot, nil
}

func newManifestCommand() *cobra.Command {
	var (
		algorithm string
		out       string
		exclude   []string
	)
	cmd := &cobra.Command{
		Use:   "manifest <dir>",
		Short: "Print the manifest of every regular file under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := integrity.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			skip := func(rel string) bool {
				for _, pattern := range exclude {
					if ok, _ := filepath.Match(pattern, rel); ok {
						return true
					}
				}
				return false
			}
			m, err := integrity.Generate(cmd.Context(), args[0], alg, skip)
			if err != nil {
				return err
			}
			if out != "" {
				if err := integrity.WriteFile(out, m); err != nil {
					return err
				}
				log.Info().Str("path", out).Int("files", len(m)).Msg("manifest written")
				return nil
			}
			_, err = m.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "sha256", "hash algorithm (sha256 or blake3)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the manifest to this file instead of stdout")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "slash-separated glob of paths to leave out (repeatable)")
	return cmd
}
