package controller

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/integrity"
	"github.com/carlosprados/execd/internal/metrics"
	"github.com/carlosprados/execd/internal/process"
	"github.com/carlosprados/execd/internal/progress"
	"github.com/carlosprados/execd/internal/registry"
)

// Progress task names.
const (
	TaskResolving   = "Resolving"
	TaskIntegrity   = "File integrity check"
	TaskChecking    = "Checking file integrity"
	TaskDownloading = "Downloading"
	TaskExtracting  = "Extracting"
	TaskReaping     = "Killing currently running server"
	TaskStarting    = "Starting server"
	TaskStopping    = "Stopping"
	TaskStartingRun = "Starting"
)

// Install downloads and extracts the configured build into the install
// directory. Registry failures abort before any transfer.
func (c *Controller) Install(ctx context.Context, sink progress.Sink) error {
	pctx, p, err := c.begin(ctx, Installing)
	if err != nil {
		return err
	}
	defer c.end(p)

	tree := progress.NewIfSubscribed(sink, progress.Leaf(TaskDownloading), progress.Leaf(TaskExtracting))
	d, err := c.resolve(pctx)
	if err != nil {
		return stepErr(pctx, "resolve", err)
	}
	if err := canceled(pctx, "install"); err != nil {
		return err
	}
	if err := c.acquire(pctx, d, tree); err != nil {
		return err
	}
	c.logger.Info().Str("version", d.Version).Str("dir", c.cfg.InstallDirectory).Msg("installed")
	return nil
}

// Run makes sure the configured build is present and intact, kills stale
// instances of its executable and launches it. It is a no-op when the
// executor already runs.
func (c *Controller) Run(ctx context.Context, sink progress.Sink) error {
	if c.IsRunning() {
		return nil
	}
	pctx, p, err := c.begin(ctx, Launching)
	if err != nil {
		if c.IsRunning() {
			return nil
		}
		return err
	}
	defer c.end(p)

	tree := progress.NewIfSubscribed(sink,
		progress.Leaf(TaskResolving),
		progress.Group(TaskIntegrity,
			progress.Leaf(TaskChecking),
			progress.Leaf(TaskDownloading),
			progress.Leaf(TaskExtracting),
		),
		progress.Leaf(TaskReaping),
		progress.Leaf(TaskStarting),
	)

	// (1) resolve
	if err := canceled(pctx, "resolve"); err != nil {
		return err
	}
	tree.Indeterminate(TaskResolving)
	d, err := c.resolve(pctx)
	if err != nil {
		return stepErr(pctx, "resolve", err)
	}
	tree.NextTask()

	// (2) verify, repair when needed
	if err := canceled(pctx, "integrity"); err != nil {
		return err
	}
	if err := c.ensureIntact(pctx, d, tree); err != nil {
		return err
	}

	// (3) reap stale instances
	if err := canceled(pctx, "reap"); err != nil {
		return err
	}
	tree.Indeterminate(TaskReaping)
	res, err := process.Reap(pctx, c.finder, c.killer, c.cfg.ExecutablePath(), c.logger)
	for range res.Failed {
		metrics.IncReapFailures(c.name)
	}
	if err != nil {
		return stepErr(pctx, "reap", err)
	}
	tree.NextTask()

	// (4) launch
	tree.Indeterminate(TaskStarting)
	if err := c.launch(pctx); err != nil {
		return err
	}
	tree.NextTask()
	return nil
}

func (c *Controller) resolve(ctx context.Context) (registry.Descriptor, error) {
	d, err := c.reg.Resolve(ctx, c.cfg.Type, c.cfg.BinaryVersion)
	if err != nil {
		return registry.Descriptor{}, err
	}
	if err := registry.Check(d, c.cfg.Type, c.cfg.BinaryVersion, c.cfg.Version); err != nil {
		return registry.Descriptor{}, err
	}
	return d, nil
}

// ensureIntact consumes the three leaves of the integrity subtree.
func (c *Controller) ensureIntact(ctx context.Context, d registry.Descriptor, tree *progress.Tree) error {
	if d.ManifestURL == "" {
		c.logger.Warn().Str("version", d.Version).Msg("registry has no manifest for this build, skipping integrity check")
		tree.Advance(3)
		return nil
	}
	tree.Indeterminate(TaskChecking)
	raw, err := c.fetcher.Fetch(ctx, d.ManifestURL)
	if err != nil {
		if cerr := canceled(ctx, "integrity"); cerr != nil {
			return cerr
		}
		return &integrity.Error{Msg: "fetch manifest " + d.ManifestURL, Err: err}
	}
	if c.roots != nil {
		if err := c.checkSignature(ctx, d, raw); err != nil {
			return err
		}
	}
	m, err := integrity.Parse(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	invalid, err := integrity.Verify(ctx, c.cfg.InstallDirectory, m, c.alg, func(done, total int) {
		if total > 0 {
			tree.Report(float64(done) / float64(total))
		}
	})
	if err != nil {
		return stepErr(ctx, "integrity", err)
	}
	metrics.SetInvalidFiles(c.name, len(invalid))
	tree.NextTask()
	if len(invalid) == 0 {
		c.logger.Debug().Int("files", len(m)).Msg("install directory is intact")
		tree.Advance(2)
		return nil
	}
	c.logger.Info().Int("invalid", len(invalid)).Strs("files", head(invalid, 10)).Msg("repairing install directory")
	return c.acquire(ctx, d, tree)
}

// checkSignature verifies the detached signature of a fetched manifest.
func (c *Controller) checkSignature(ctx context.Context, d registry.Descriptor, manifest []byte) error {
	if d.SignatureURL == "" || d.CertificateURL == "" {
		return &integrity.Error{Msg: "manifest " + d.ManifestURL + " is not signed"}
	}
	sig, err := c.fetcher.Fetch(ctx, d.SignatureURL)
	if err != nil {
		if cerr := canceled(ctx, "integrity"); cerr != nil {
			return cerr
		}
		return &integrity.Error{Msg: "fetch signature " + d.SignatureURL, Err: err}
	}
	cert, err := c.fetcher.Fetch(ctx, d.CertificateURL)
	if err != nil {
		if cerr := canceled(ctx, "integrity"); cerr != nil {
			return cerr
		}
		return &integrity.Error{Msg: "fetch certificate " + d.CertificateURL, Err: err}
	}
	if err := integrity.VerifySignature(manifest, sig, cert, c.roots); err != nil {
		return &integrity.Error{Msg: "manifest signature", Err: err}
	}
	return nil
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// acquire downloads the archive and extracts it, consuming two leaves.
func (c *Controller) acquire(ctx context.Context, d registry.Descriptor, tree *progress.Tree) error {
	if d.DownloadURL == "" {
		return &registry.Error{Kind: c.cfg.Type, BinaryVersion: c.cfg.BinaryVersion, Err: registry.ErrNoDownload}
	}
	if err := os.MkdirAll(c.cfg.InstallDirectory, 0o755); err != nil {
		return &artifact.TransferError{Op: "mkdir", Src: c.cfg.InstallDirectory, Err: err}
	}
	tmp, err := os.MkdirTemp("", "execd-"+c.name+"-")
	if err != nil {
		return &artifact.TransferError{Op: "mkdir", Src: os.TempDir(), Err: err}
	}
	defer os.RemoveAll(tmp)
	archive := filepath.Join(tmp, artifact.FileName(d.DownloadURL))

	label := fmt.Sprintf("Downloading files needed to run %s", c.name)
	tree.SetLabel(label)
	err = c.fetcher.Download(ctx, d.DownloadURL, archive, func(t artifact.Transfer) {
		if f, ok := t.Fraction(); ok {
			tree.Report(f)
		} else {
			tree.Indeterminate(label)
		}
	})
	if err != nil {
		return stepErr(ctx, "download", err)
	}
	tree.NextTask()

	if err := canceled(ctx, "extract"); err != nil {
		return err
	}
	if err := c.extract(ctx, archive, c.cfg.InstallDirectory, tree.Report); err != nil {
		return stepErr(ctx, "extract", err)
	}
	tree.NextTask()
	return nil
}

// launch starts the process unless the pipeline was aborted. The check and
// the start happen under the lock so a concurrent stop either prevents the
// launch or sees the process.
func (c *Controller) launch(ctx context.Context) error {
	c.mu.Lock()
	if err := canceled(ctx, "launch"); err != nil {
		c.mu.Unlock()
		return err
	}
	cyc := &cycle{stopped: make(chan struct{}), stopSampling: func() {}}
	p, err := process.Start(process.Options{
		Name:   c.name,
		Path:   c.cfg.ExecutablePath(),
		Args:   c.cfg.Args,
		Dir:    c.cfg.InstallDirectory,
		Env:    c.cfg.EnvList(),
		NoFile: c.noFile,
		Logger: &c.logger,
		OnExit: func(p *process.Process, err error) { c.exited(cyc, p, err) },
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.proc = p
	c.cycle = cyc
	if c.sampling > 0 {
		sctx, cancel := context.WithCancel(context.Background())
		cyc.stopSampling = cancel
		go metrics.SampleProcessMetrics(sctx, c.name, p.PID(), c.sampling)
	}
	c.setStateLocked(Running)
	// Published under the lock so it always precedes the Stopped event.
	c.bus.Publish(events.Event{Type: events.Started, Executor: c.name, PID: p.PID(), RunID: p.RunID()})
	c.mu.Unlock()

	metrics.IncLaunches(c.name)
	c.logger.Info().Int("pid", p.PID()).Str("run_id", p.RunID()).Str("path", c.cfg.ExecutablePath()).Msg("started")
	return nil
}

// exited is the single stop notification of a cycle. The Stopped event is
// published under the lock and before waiters wake, so it precedes the
// Started event of any later cycle.
func (c *Controller) exited(cyc *cycle, p *process.Process, exitErr error) {
	ev := events.Event{Type: events.Stopped, Executor: c.name, PID: p.PID(), RunID: p.RunID(), Err: exitErr}
	c.mu.Lock()
	requested := cyc.stopRequested
	if !requested {
		if exitErr != nil {
			cyc.err = fmt.Errorf("%w: %w", process.ErrUnexpectedExit, exitErr)
		} else {
			cyc.err = process.ErrUnexpectedExit
		}
		ev.Unexpected = true
		ev.Err = cyc.err
	}
	if c.proc == p {
		c.proc = nil
		c.cycle = nil
		c.setStateLocked(Idle)
	}
	c.bus.Publish(ev)
	c.mu.Unlock()
	cyc.stopSampling()

	l := c.logger.Info()
	if !requested {
		metrics.IncUnexpectedExits(c.name)
		l = c.logger.Warn()
	}
	l.Err(exitErr).Int("pid", p.PID()).Str("run_id", p.RunID()).Bool("requested", requested).Msg("stopped")
	close(cyc.stopped)
}

// GracefullyStop interrupts the running process and waits until it exits
// or ctx is done; the interrupt stays asserted either way. Before launch it
// aborts the pipeline instead. It is a no-op when nothing runs.
func (c *Controller) GracefullyStop(ctx context.Context, sink progress.Sink) error {
	return c.stop(ctx, sink, GracefullyStopping, (*process.Process).Interrupt)
}

// ForciblyStop kills the running process and waits until it is gone.
func (c *Controller) ForciblyStop(ctx context.Context, sink progress.Sink) error {
	return c.stop(ctx, sink, ForciblyStopping, (*process.Process).Kill)
}

func (c *Controller) stop(ctx context.Context, sink progress.Sink, mode State, signal func(*process.Process) error) error {
	op := "graceful stop"
	if mode == ForciblyStopping {
		op = "forced stop"
	}
	tree := progress.NewIfSubscribed(sink, progress.Leaf(TaskStopping))

	c.mu.Lock()
	for c.proc == nil {
		pipe := c.pipe
		if pipe == nil {
			c.mu.Unlock()
			tree.NextTask()
			return nil
		}
		// Canceled under the lock: launch checks under it, so it either
		// sees the stop or has already set c.proc.
		pipe.cancel(errStopRequested)
		c.mu.Unlock()
		tree.Indeterminate(TaskStopping)
		select {
		case <-pipe.done:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, ErrCanceled, context.Cause(ctx))
		}
		c.mu.Lock()
	}
	p, cyc := c.proc, c.cycle
	cyc.stopRequested = true
	// Forced wins over graceful; never downgrade.
	if c.state == Running || mode == ForciblyStopping {
		c.setStateLocked(mode)
	}
	c.mu.Unlock()

	tree.Indeterminate(TaskStopping)
	if err := signal(p); err != nil {
		c.logger.Warn().Err(err).Int("pid", p.PID()).Str("mode", string(mode)).Msg("signal failed")
	}
	select {
	case <-cyc.stopped:
		tree.NextTask()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", op, ErrCanceled, context.Cause(ctx))
	}
}

// Restart gracefully stops the executor, waits for it to be gone, then
// runs it again.
func (c *Controller) Restart(ctx context.Context, sink progress.Sink) error {
	tree := progress.NewIfSubscribed(sink, progress.Leaf(TaskStopping), progress.Leaf(TaskStartingRun))
	if err := c.GracefullyStop(ctx, tree.Sink()); err != nil {
		return err
	}
	tree.NextTask()
	if err := c.Run(ctx, tree.Sink()); err != nil {
		return err
	}
	tree.NextTask()
	return nil
}

// Update is the migration hook run after the configured build changed.
// The default controller has nothing to migrate.
func (c *Controller) Update(ctx context.Context, previousVersion string, sink progress.Sink) error {
	if err := canceled(ctx, "update"); err != nil {
		return err
	}
	c.logger.Debug().Str("from", previousVersion).Str("to", c.cfg.BinaryVersion).Msg("no migration needed")
	progress.NewIfSubscribed(sink, progress.Leaf("Updating")).NextTask()
	return nil
}
