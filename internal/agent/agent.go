// Package agent hosts the executors of one machine behind a small local
// HTTP API.
package agent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/controller"
	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/integrity"
	"github.com/carlosprados/execd/internal/progress"
	"github.com/carlosprados/execd/internal/registry"
	"github.com/carlosprados/execd/internal/runner"
	"github.com/carlosprados/execd/internal/store"
	"github.com/carlosprados/execd/internal/supervisor"
	"github.com/carlosprados/execd/internal/version"
)

// Executor is what the agent needs from a managed executor;
// *controller.Controller implements it.
type Executor interface {
	supervisor.Unit
	Install(ctx context.Context, sink progress.Sink) error
	State() controller.State
	PID() int
	RunID() string
	Config() config.Configuration
	Stdout(buf int) (<-chan string, func())
	Stderr(buf int) (<-chan string, func())
}

// Member places an executor in the agent's stack. A policy other than
// never, or a health check, puts the executor under a runner.Keeper once
// the agent is built; the executor must then implement runner.Target.
type Member struct {
	Executor  Executor
	DependsOn []string
	Policy    runner.RestartPolicy
	Health    runner.HealthConfig
	// MaxRetries bounds consecutive re-runs under the policy; zero is
	// unbounded.
	MaxRetries int
}

// Options defines basic runtime configuration for the agent.
type Options struct {
	HTTPAddr string
	// Bus carries the lifecycle events of every member; a new one is
	// created when nil.
	Bus *events.Bus
	// GracePeriod bounds graceful stops before escalating to a kill.
	GracePeriod time.Duration
	// StartTimeout bounds each executor's Run during Start.
	StartTimeout time.Duration
	// Publishers receive every lifecycle event. The agent closes them.
	Publishers []events.Publisher
	Logger     *zerolog.Logger
}

// Agent is the top-level runtime handle for execd.
type Agent struct {
	opts   Options
	closed atomic.Bool
	start  time.Time
	logger zerolog.Logger
	bus    *events.Bus
	stack  *supervisor.Stack
	execs  map[string]Executor
	comps  *store.MemoryStore

	cancel      context.CancelFunc
	stopKeepers context.CancelFunc
	wg          sync.WaitGroup
}

// New builds the dependency stack of members and starts tracking their
// events. Nothing is run until Start.
func New(opts Options, members ...Member) (*Agent, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	units := make([]supervisor.Member, 0, len(members))
	execs := make(map[string]Executor, len(members))
	comps := store.NewMemoryStore()
	for _, m := range members {
		units = append(units, supervisor.Member{Unit: m.Executor, DependsOn: m.DependsOn})
		execs[m.Executor.Name()] = m.Executor
		cfg := m.Executor.Config()
		comps.Upsert(store.ExecutorInfo{
			Name:          m.Executor.Name(),
			Type:          string(cfg.Type),
			BinaryVersion: cfg.BinaryVersion,
			State:         string(m.Executor.State()),
		})
	}
	stack, err := supervisor.NewStack(units,
		supervisor.WithGracePeriod(opts.GracePeriod),
		supervisor.WithStartTimeout(opts.StartTimeout),
		supervisor.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		opts:   opts,
		start:  time.Now(),
		logger: logger,
		bus:    opts.Bus,
		stack:  stack,
		execs:  execs,
		comps:  comps,
		cancel: cancel,
	}
	track, _ := a.bus.Subscribe(256)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.track(track)
	}()
	keepCtx, stopKeepers := context.WithCancel(ctx)
	a.stopKeepers = stopKeepers
	for _, m := range members {
		if err := a.keep(keepCtx, m); err != nil {
			cancel()
			a.bus.Close()
			a.wg.Wait()
			return nil, err
		}
	}
	if len(opts.Publishers) > 0 {
		fwd, _ := a.bus.Subscribe(256)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			events.Forward(ctx, fwd, opts.Publishers, logger)
		}()
	}
	return a, nil
}

// track folds lifecycle events into the status store.
func (a *Agent) track(ch <-chan events.Event) {
	for ev := range ch {
		a.comps.Update(ev.Executor, func(ei *store.ExecutorInfo) {
			switch ev.Type {
			case events.StateChanged:
				ei.State = ev.State
			case events.Started:
				ei.Launches++
				ei.PID = ev.PID
				ei.RunID = ev.RunID
				ei.LastExit = ""
			case events.Stopped:
				ei.PID = 0
				ei.RunID = ""
				if ev.Unexpected {
					ei.UnexpectedExits++
				}
				switch {
				case ev.Err != nil:
					ei.LastExit = ev.Err.Error()
				case ev.Error != "":
					ei.LastExit = ev.Error
				default:
					ei.LastExit = "stopped"
				}
			}
		})
	}
}

// keep starts a keeper for m when it asks for one.
func (a *Agent) keep(ctx context.Context, m Member) error {
	if (m.Policy == "" || m.Policy == runner.RestartNever) && m.Health.Check == "" {
		return nil
	}
	name := m.Executor.Name()
	t, ok := m.Executor.(runner.Target)
	if !ok {
		return fmt.Errorf("executor %s: restart policy needs a restartable executor", name)
	}
	k := runner.NewKeeper(t, m.Policy, m.Health, m.Executor.Config().InstallDirectory).WithLogger(a.logger)
	k.MaxRetries = m.MaxRetries
	k.OnHealth = func(ok bool) {
		a.comps.Update(name, func(ei *store.ExecutorInfo) {
			ei.Health = "unhealthy"
			if ok {
				ei.Health = "healthy"
			}
		})
	}
	k.OnGiveUp = func(err error) {
		a.comps.Update(name, func(ei *store.ExecutorInfo) { ei.LastExit = err.Error() })
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		k.Watch(ctx)
	}()
	return nil
}

// Layers returns the start order of the stack.
func (a *Agent) Layers() [][]string { return a.stack.Layers() }

// Start runs every executor in dependency order.
func (a *Agent) Start(ctx context.Context, sink progress.Sink) error {
	return a.stack.Start(ctx, sink)
}

// Shutdown stops every executor in reverse dependency order. Restart
// policies no longer apply afterwards.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stopKeepers()
	return a.stack.Stop(ctx)
}

// Close stops event tracking and closes the publishers. It does not stop
// executors; call Shutdown first.
func (a *Agent) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.bus.Close()
	a.wg.Wait()
	var errs []error
	for _, p := range a.opts.Publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info().Msg("agent closed")
	return errors.Join(errs...)
}

func (a *Agent) executor(name string) (Executor, bool) {
	e, ok := a.execs[name]
	return e, ok
}

// Describe returns the live status of name merged with tracked counters.
func (a *Agent) Describe(name string) (store.ExecutorInfo, bool) {
	e, ok := a.executor(name)
	if !ok {
		return store.ExecutorInfo{}, false
	}
	ei, _ := a.comps.Get(name)
	ei.Name = name
	ei.State = string(e.State())
	ei.PID = e.PID()
	ei.RunID = e.RunID()
	return ei, true
}

// Executors lists the live status of every executor, sorted by name.
func (a *Agent) Executors() []store.ExecutorInfo {
	list := a.comps.List()
	out := list[:0]
	for _, ei := range list {
		if live, ok := a.Describe(ei.Name); ok {
			out = append(out, live)
		}
	}
	return out
}

// BuildOptions tunes the controllers built by FromFile.
type BuildOptions struct {
	Bus      *events.Bus
	Logger   *zerolog.Logger
	NoFile   uint64
	Sampling time.Duration
	// MaxRetries bounds re-runs of executors with a restart policy.
	MaxRetries int
}

func healthConfig(h config.Health) (runner.HealthConfig, error) {
	hc := runner.HealthConfig{Check: h.Check, FailureThreshold: h.FailureThreshold}
	for _, d := range []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"health.interval", h.Interval, &hc.Interval},
		{"health.timeout", h.Timeout, &hc.Timeout},
	} {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return hc, &config.ValidationError{Field: d.field, Reason: err.Error()}
		}
		*d.dst = v
	}
	return hc, nil
}

// FromFile builds one controller per [[executors]] table. Inline registry
// artifacts take precedence over the HTTP index.
func FromFile(f *config.File, opts BuildOptions) ([]Member, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	alg, err := integrity.ParseAlgorithm(f.Integrity.Algorithm)
	if err != nil {
		return nil, err
	}
	var roots *x509.CertPool
	if f.Integrity.TrustBundle != "" {
		if roots, err = integrity.LoadTrustBundle(f.Integrity.TrustBundle); err != nil {
			return nil, err
		}
	}
	fetcher := artifact.NewFetcher(artifact.HTTPOptions{
		Headers:   f.Registry.Headers,
		UserAgent: version.UserAgent(),
	}).WithLogger(logger)

	var chain registry.Chain
	if len(f.Registry.Artifacts) > 0 {
		chain = append(chain, registry.FromArtifacts(f.Registry.Artifacts))
	}
	if f.Registry.URL != "" {
		h := registry.NewHTTP(f.Registry.URL, fetcher.Client())
		h.Headers = f.Registry.Headers
		chain = append(chain, h)
	}
	if len(chain) == 0 {
		return nil, &config.ValidationError{Field: "registry", Reason: "needs a url or inline artifacts"}
	}

	named, err := f.Configurations()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(named))
	for _, n := range named {
		copts := []controller.Option{
			controller.WithName(n.Name),
			controller.WithRegistry(chain),
			controller.WithFetcher(fetcher),
			controller.WithAlgorithm(alg),
			controller.WithLogger(logger),
			controller.WithNoFile(opts.NoFile),
			controller.WithProcessSampling(opts.Sampling),
		}
		if opts.Bus != nil {
			copts = append(copts, controller.WithEvents(opts.Bus))
		}
		if roots != nil {
			copts = append(copts, controller.WithTrustRoots(roots))
		}
		c, err := controller.New(n.Config, copts...)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", n.Name, err)
		}
		m := Member{Executor: c, DependsOn: n.DependsOn, MaxRetries: opts.MaxRetries}
		if m.Policy, err = runner.ParsePolicy(n.Restart); err != nil {
			return nil, fmt.Errorf("executor %s: %w", n.Name, err)
		}
		if m.Health, err = healthConfig(n.Health); err != nil {
			return nil, fmt.Errorf("executor %s: %w", n.Name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// HTTPAddr is the listen address the agent was configured with.
func (a *Agent) HTTPAddr() string { return a.opts.HTTPAddr }
