// Package runner keeps executors alive after launch: it re-runs them when
// they exit unexpectedly and restarts them when health probes keep failing.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/progress"
)

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartAlways also restarts a running executor whose health check
	// failed FailureThreshold times in a row.
	RestartAlways RestartPolicy = "always"
)

// ParsePolicy maps a configuration value to a policy. Empty means never.
func ParsePolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(s); p {
	case "":
		return RestartNever, nil
	case RestartNever, RestartOnFailure, RestartAlways:
		return p, nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

// Target is what a Keeper watches; *controller.Controller implements it.
type Target interface {
	Name() string
	Run(ctx context.Context, sink progress.Sink) error
	Restart(ctx context.Context, sink progress.Sink) error
	Events(buf int) (<-chan events.Event, func())
}

// Keeper applies a restart policy and a health check to one target.
type Keeper struct {
	target Target
	policy RestartPolicy
	health HealthConfig
	dir    string

	// MaxRetries bounds consecutive failed re-runs; zero means unbounded.
	MaxRetries int
	// Backoff doubles from BackoffMin up to BackoffMax between re-runs.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// StableAfter resets the retry count once a run lasted this long.
	StableAfter time.Duration
	// OnHealth is called when the probed health changes.
	OnHealth func(healthy bool)
	// OnGiveUp is called once MaxRetries re-runs failed.
	OnGiveUp func(err error)

	logger zerolog.Logger
}

// NewKeeper returns a keeper; dir is the working directory of cmd: probes.
func NewKeeper(t Target, policy RestartPolicy, hc HealthConfig, dir string) *Keeper {
	if policy == "" {
		policy = RestartNever
	}
	return &Keeper{
		target:      t,
		policy:      policy,
		health:      hc,
		dir:         dir,
		BackoffMin:  time.Second,
		BackoffMax:  30 * time.Second,
		StableAfter: time.Minute,
		logger:      log.Logger.With().Str("executor", t.Name()).Logger(),
	}
}

func (k *Keeper) WithLogger(l zerolog.Logger) *Keeper {
	k.logger = l.With().Str("executor", k.target.Name()).Logger()
	return k
}

func (k *Keeper) backoff(attempt int) time.Duration {
	d := k.BackoffMin
	for i := 1; i < attempt && d < k.BackoffMax; i++ {
		d *= 2
	}
	if d > k.BackoffMax {
		d = k.BackoffMax
	}
	return d
}

// Watch blocks until ctx is done.
func (k *Keeper) Watch(ctx context.Context) {
	evs, cancel := k.target.Events(64)
	defer cancel()

	var (
		tick    <-chan time.Time
		running bool
		started time.Time
		retries int
		fails   int
		healthy = true
	)
	hc := k.health.withDefaults()
	if k.health.Check != "" {
		t := time.NewTicker(hc.Interval)
		defer t.Stop()
		tick = t.C
	}
	setHealth := func(ok bool) {
		if ok != healthy {
			healthy = ok
			k.logger.Info().Bool("healthy", ok).Msg("health changed")
			if k.OnHealth != nil {
				k.OnHealth(ok)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			// The bus may be shared by several executors.
			if ev.Executor != k.target.Name() {
				continue
			}
			switch ev.Type {
			case events.Started:
				running, started, fails = true, time.Now(), 0
			case events.Stopped:
				running = false
				if !ev.Unexpected || k.policy == RestartNever {
					retries = 0
					continue
				}
				if time.Since(started) >= k.StableAfter {
					retries = 0
				}
				if !k.rerun(ctx, &retries) {
					return
				}
			}
		case <-tick:
			if !running {
				continue
			}
			if Probe(ctx, hc, k.dir) {
				fails = 0
				setHealth(true)
				continue
			}
			fails++
			if fails < hc.FailureThreshold {
				continue
			}
			setHealth(false)
			if k.policy != RestartAlways {
				continue
			}
			k.logger.Warn().Int("failures", fails).Msg("health check failing, restarting")
			fails = 0
			if err := k.target.Restart(ctx, nil); err != nil && ctx.Err() == nil {
				k.logger.Error().Err(err).Msg("restart after failed health check")
			}
		}
	}
}

// rerun runs the target again with backoff until it launches, ctx ends or
// the retry budget is spent. It reports whether watching should go on.
func (k *Keeper) rerun(ctx context.Context, retries *int) bool {
	for {
		*retries++
		if k.MaxRetries > 0 && *retries > k.MaxRetries {
			err := fmt.Errorf("%s: start failed after %d retries", k.target.Name(), k.MaxRetries)
			k.logger.Error().Err(err).Msg("giving up")
			if k.OnGiveUp != nil {
				k.OnGiveUp(err)
			}
			return false
		}
		wait := k.backoff(*retries)
		k.logger.Warn().Int("attempt", *retries).Dur("backoff", wait).Msg("unexpected exit, re-running")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		err := k.target.Run(ctx, nil)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		k.logger.Error().Err(err).Int("attempt", *retries).Msg("re-run failed")
	}
}
