// Package controller drives the install/run/stop lifecycle of one executor
// binary: it resolves the build to run, repairs the install directory when
// files do not match the published manifest, kills stale instances, then
// launches and supervises the binary.
package controller

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/config"
	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/integrity"
	"github.com/carlosprados/execd/internal/metrics"
	"github.com/carlosprados/execd/internal/process"
	"github.com/carlosprados/execd/internal/registry"
)

type State string

const (
	Idle               State = "idle"
	Installing         State = "installing"
	Launching          State = "launching"
	Running            State = "running"
	GracefullyStopping State = "gracefully-stopping"
	ForciblyStopping   State = "forcibly-stopping"
)

var (
	// ErrCanceled marks an operation ended by its context or by a stop
	// request rather than by a failure. The context cause is wrapped too.
	ErrCanceled = errors.New("operation canceled")
	// ErrBusy is returned when an operation is started while another one
	// is in flight.
	ErrBusy = errors.New("controller is busy")

	errStopRequested = fmt.Errorf("%w: stop requested", context.Canceled)
)

// Fetcher is the network side of the acquisition pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Download(ctx context.Context, uri, dest string, onProgress func(artifact.Transfer)) error
}

// ExtractFunc expands an archive into a directory.
type ExtractFunc func(ctx context.Context, archive, dir string, onProgress func(float64)) error

// Controller manages one executor. Stop calls are safe from any goroutine;
// Install, Run and Restart must not be called concurrently on one instance.
type Controller struct {
	cfg      config.Configuration
	name     string
	reg      registry.Resolver
	fetcher  Fetcher
	extract  ExtractFunc
	finder   process.Finder
	killer   process.Killer
	alg      integrity.Algorithm
	roots    *x509.CertPool
	noFile   uint64
	sampling time.Duration
	bus      *events.Bus
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
	pipe  *pipeline
	proc  *process.Process
	cycle *cycle
}

// pipeline is an in-flight Install or Run before any process exists.
type pipeline struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// cycle is one launched process, from start to the single stop notification.
type cycle struct {
	stopped       chan struct{}
	stopRequested bool
	err           error
	stopSampling  context.CancelFunc
}

type Option func(*Controller)

// WithName sets the name used in logs, metrics and events; defaults to the
// executor kind.
func WithName(name string) Option { return func(c *Controller) { c.name = name } }

func WithRegistry(r registry.Resolver) Option { return func(c *Controller) { c.reg = r } }

func WithFetcher(f Fetcher) Option { return func(c *Controller) { c.fetcher = f } }

func WithExtractor(fn ExtractFunc) Option { return func(c *Controller) { c.extract = fn } }

// WithProcessTable replaces the host process table used to reap stale
// instances.
func WithProcessTable(f process.Finder, k process.Killer) Option {
	return func(c *Controller) { c.finder, c.killer = f, k }
}

func WithAlgorithm(a integrity.Algorithm) Option { return func(c *Controller) { c.alg = a } }

// WithTrustRoots requires every manifest to be signed by a certificate
// chaining to roots.
func WithTrustRoots(roots *x509.CertPool) Option { return func(c *Controller) { c.roots = roots } }

func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithEvents publishes lifecycle events on a shared bus.
func WithEvents(b *events.Bus) Option { return func(c *Controller) { c.bus = b } }

// WithNoFile sets RLIMIT_NOFILE on launched processes (linux).
func WithNoFile(n uint64) Option { return func(c *Controller) { c.noFile = n } }

// WithProcessSampling exports CPU and RSS of the running process every
// interval. Zero disables sampling.
func WithProcessSampling(interval time.Duration) Option {
	return func(c *Controller) { c.sampling = interval }
}

// New validates cfg and returns an idle controller holding a private copy
// of it.
func New(cfg config.Configuration, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg.Clone(),
		name:   string(cfg.Type),
		finder: process.SystemTable{},
		killer: process.SystemTable{},
		alg:    integrity.SHA256,
		logger: log.Logger,
		state:  Idle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.reg == nil {
		return nil, errors.New("controller: a registry is required")
	}
	if c.fetcher == nil {
		c.fetcher = artifact.NewFetcher(artifact.HTTPOptions{}).WithLogger(c.logger)
	}
	if c.extract == nil {
		c.extract = artifact.Extract
	}
	if c.bus == nil {
		c.bus = events.NewBus()
	}
	c.logger = c.logger.With().Str("executor", c.name).Logger()
	metrics.ObserveExecutorState(c.name, string(Idle))
	return c, nil
}

func (c *Controller) Name() string { return c.name }

// Config returns a copy of the configuration.
func (c *Controller) Config() config.Configuration { return c.cfg.Clone() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether a launched process exists and has not exited.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.proc.Running()
}

// PID returns the running process id, or 0.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

// RunID identifies the current run cycle, or is empty.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return ""
	}
	return c.proc.RunID()
}

// Stdout subscribes to the standard output of the running process. The
// channel closes when the process exits; it is closed at once when nothing
// runs.
func (c *Controller) Stdout(buf int) (<-chan string, func()) {
	return c.subscribe(buf, (*process.Process).Stdout)
}

// Stderr is Stdout for standard error.
func (c *Controller) Stderr(buf int) (<-chan string, func()) {
	return c.subscribe(buf, (*process.Process).Stderr)
}

func (c *Controller) subscribe(buf int, stream func(*process.Process) *process.Stream) (<-chan string, func()) {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}
	return stream(p).Subscribe(buf)
}

// Events subscribes to lifecycle events. Earlier events are not replayed.
func (c *Controller) Events(buf int) (<-chan events.Event, func()) {
	return c.bus.Subscribe(buf)
}

// Wait blocks until the current run cycle ends and returns its error:
// nil after a requested stop, process.ErrUnexpectedExit otherwise. It
// returns nil at once when nothing runs.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	cyc := c.cycle
	c.mu.Unlock()
	if cyc == nil {
		return nil
	}
	select {
	case <-cyc.stopped:
		return cyc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Info().Str("state", string(s)).Str("from", string(c.state)).Msg("state change")
	c.state = s
	metrics.ObserveExecutorState(c.name, string(s))
	c.bus.Publish(events.Event{Type: events.StateChanged, Executor: c.name, State: string(s)})
}

// begin moves an idle controller into a pipeline state.
func (c *Controller) begin(ctx context.Context, s State) (context.Context, *pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle || c.pipe != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	pctx, cancel := context.WithCancelCause(ctx)
	p := &pipeline{cancel: cancel, done: make(chan struct{})}
	c.pipe = p
	c.setStateLocked(s)
	return pctx, p, nil
}

// end closes the pipeline. A pipeline that did not launch anything
// returns the controller to idle.
func (c *Controller) end(p *pipeline) {
	c.mu.Lock()
	if c.pipe == p {
		c.pipe = nil
	}
	if c.proc == nil && (c.state == Installing || c.state == Launching) {
		c.setStateLocked(Idle)
	}
	c.mu.Unlock()
	p.cancel(nil)
	close(p.done)
}

// canceled reports a step interrupted by ctx.
func canceled(ctx context.Context, step string) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", step, ErrCanceled, context.Cause(ctx))
}

// stepErr labels err with the step, preferring cancellation when ctx is done.
func stepErr(ctx context.Context, step string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := canceled(ctx, step); cerr != nil {
		return cerr
	}
	return fmt.Errorf("%s: %w", step, err)
}
