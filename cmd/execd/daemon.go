package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carlosprados/execd/internal/agent"
	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/version"
)

const (
	listenKey       = "listen"
	startTimeoutKey = "start-timeout"
	samplingKey     = "sampling"
	noFileKey       = "nofile"
	maxRetriesKey   = "max-retries"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run every configured executor and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address for the local API, health and metrics")
	flags.Duration("start-timeout", 5*time.Minute, "bound on each executor's install and launch at startup")
	flags.Duration("sampling", 15*time.Second, "CPU/RSS sampling interval for running executors (0 disables)")
	flags.Uint64("nofile", 0, "RLIMIT_NOFILE applied to launched executors (linux, 0 keeps the inherited limit)")
	flags.Int("max-retries", 5, "consecutive re-runs of an executor with a restart policy before giving up (0 retries forever)")
	mustBindFlag(listenKey, "EXECD_LISTEN", flags.Lookup("listen"))
	mustBindFlag(startTimeoutKey, "EXECD_START_TIMEOUT", flags.Lookup("start-timeout"))
	mustBindFlag(samplingKey, "EXECD_SAMPLING", flags.Lookup("sampling"))
	mustBindFlag(noFileKey, "EXECD_NOFILE", flags.Lookup("nofile"))
	mustBindFlag(maxRetriesKey, "EXECD_MAX_RETRIES", flags.Lookup("max-retries"))
	return cmd
}

func runDaemon(ctx context.Context) error {
	f, err := loadFile()
	if err != nil {
		return err
	}
	logger := log.Logger
	bus := events.NewBus()
	members, err := agent.FromFile(f, agent.BuildOptions{
		Bus:        bus,
		Logger:     &logger,
		NoFile:     viper.GetUint64(noFileKey),
		Sampling:   viper.GetDuration(samplingKey),
		MaxRetries: viper.GetInt(maxRetriesKey),
	})
	if err != nil {
		return err
	}
	a, err := agent.New(agent.Options{
		HTTPAddr:     viper.GetString(listenKey),
		Bus:          bus,
		GracePeriod:  f.GracePeriod(),
		StartTimeout: viper.GetDuration(startTimeoutKey),
		Publishers:   dialPublishers(ctx, f.Events),
		Logger:       &logger,
	}, members...)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: a.HTTPAddr(), Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version.Version).Msg("execd starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		if err := a.Start(ctx, nil); err != nil {
			logger.Error().Err(err).Msg("stack start failed")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining...")
	case err = <-serveErr:
		logger.Error().Err(err).Msg("http server error")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
	// Each executor gets the grace period, then a bounded kill.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*f.GracePeriod()+30*time.Second)
	defer stopCancel()
	if err := a.Shutdown(stopCtx); err != nil {
		logger.Error().Err(err).Msg("stack shutdown error")
	}
	if err := a.Close(); err != nil {
		logger.Warn().Err(err).Msg("agent close error")
	}
	logger.Info().Msg("bye")
	return err
}

// dialPublishers connects the configured brokers. An unreachable broker is
// logged and skipped.
func dialPublishers(ctx context.Context, ev config.Events) []events.Publisher {
	var pubs []events.Publisher
	if ev.NATSURL != "" {
		p, err := events.DialNATS(ev.NATSURL, ev.NATSSubject, log.Logger)
		if err != nil {
			log.Warn().Err(err).Str("url", ev.NATSURL).Msg("nats unavailable, events not published there")
		} else {
			pubs = append(pubs, p)
		}
	}
	if ev.MQTTBroker != "" {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := events.DialMQTT(dctx, ev.MQTTBroker, ev.MQTTClientID, ev.MQTTTopic, log.Logger)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("broker", ev.MQTTBroker).Msg("mqtt unavailable, events not published there")
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}
