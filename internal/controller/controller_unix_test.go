//go:build !windows

package controller

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/execd/internal/events"
	"github.com/carlosprados/execd/internal/process"
)

const (
	// loops until interrupted
	serverScript = "#!/bin/sh\necho \"ready $RELAY_MODE\"\nwhile true; do sleep 0.05; done\n"
	// ignores interrupts; only a kill stops it
	stubbornScript = "#!/bin/sh\ntrap '' INT\necho ready\nwhile true; do sleep 0.05; done\n"
	// waits for $GO_FILE then fails
	crashScript = "#!/bin/sh\nwhile [ ! -f \"$GO_FILE\" ]; do sleep 0.02; done\necho boom >&2\nexit 1\n"
)

// installed returns a controller whose Run repairs the install directory
// from the archive on first use.
func installed(t *testing.T, script string, opts ...Option) (*Controller, *fakeFetcher) {
	t.Helper()
	files := map[string]string{"run.sh": script}
	f := &fakeFetcher{archive: zipOf(t, files), manifest: manifestOf(files)}
	cfg := baseConfig(filepath.Join(t.TempDir(), "relay"))
	cfg.Environment["GO_FILE"] = filepath.Join(t.TempDir(), "go")
	c := newController(t, cfg, staticRegistry(descriptor(true)), f, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.ForciblyStop(ctx, nil)
	})
	return c, f
}

func countStopped(ch <-chan events.Event, mu *sync.Mutex, n *int) {
	for ev := range ch {
		if ev.Type == events.Stopped {
			mu.Lock()
			*n++
			mu.Unlock()
		}
	}
}

func TestRunRepairsThenLaunchesOnce(t *testing.T) {
	c, f := installed(t, serverScript)
	rec := &recorder{}
	require.NoError(t, c.Run(context.Background(), rec.sink))
	require.True(t, c.IsRunning())
	assert.Equal(t, Running, c.State())
	assert.Equal(t, int32(1), f.downloads.Load())

	pid, runID := c.PID(), c.RunID()
	require.NotZero(t, pid)

	// Second Run is a no-op.
	require.NoError(t, c.Run(context.Background(), nil))
	assert.Equal(t, pid, c.PID())
	assert.Equal(t, runID, c.RunID())
	assert.Equal(t, int32(1), f.downloads.Load())
	assert.Equal(t, int32(1), f.fetches.Load())

	last := 0.0
	for _, ev := range rec.snapshot() {
		assert.GreaterOrEqual(t, ev.Fraction, last)
		last = ev.Fraction
	}
	assert.InDelta(t, 1.0, last, 1e-9)
	labels := rec.labels()
	for _, l := range []string{TaskResolving, TaskChecking, TaskReaping, TaskStarting} {
		assert.True(t, labels[l], l)
	}
}

func TestRunSkipsRepairWhenIntact(t *testing.T) {
	c, f := installed(t, serverScript)
	require.NoError(t, c.Run(context.Background(), nil))
	require.NoError(t, c.GracefullyStop(context.Background(), nil))
	require.False(t, c.IsRunning())

	require.NoError(t, c.Run(context.Background(), nil))
	assert.True(t, c.IsRunning())
	assert.Equal(t, int32(1), f.downloads.Load())
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestRunWithoutManifestSkipsVerification(t *testing.T) {
	files := map[string]string{"run.sh": serverScript}
	f := &fakeFetcher{archive: zipOf(t, files)}
	c := newController(t, baseConfig(t.TempDir()), staticRegistry(descriptor(false)), f)
	require.NoError(t, c.Install(context.Background(), nil))

	rec := &recorder{}
	require.NoError(t, c.Run(context.Background(), rec.sink))
	defer c.ForciblyStop(context.Background(), nil)
	assert.True(t, c.IsRunning())
	assert.Zero(t, f.fetches.Load())
	assert.False(t, rec.labels()[TaskChecking])
}

func TestRunStreamsOutputWithInjectedEnvironment(t *testing.T) {
	script := "#!/bin/sh\nwhile [ ! -f \"$GO_FILE\" ]; do sleep 0.02; done\necho \"mode=$RELAY_MODE\"\necho warn >&2\n"
	c, _ := installed(t, script)
	require.NoError(t, c.Run(context.Background(), nil))

	out, cancelOut := c.Stdout(8)
	defer cancelOut()
	errs, cancelErr := c.Stderr(8)
	defer cancelErr()
	require.NoError(t, os.WriteFile(c.Config().Environment["GO_FILE"], nil, 0o644))

	var lines []string
	for l := range out {
		lines = append(lines, l)
	}
	assert.Equal(t, []string{"mode=test"}, lines)
	lines = nil
	for l := range errs {
		lines = append(lines, l)
	}
	assert.Equal(t, []string{"warn"}, lines)
}

func TestUnexpectedExitIsReported(t *testing.T) {
	c, _ := installed(t, crashScript)
	evs, cancel := c.Events(16)
	defer cancel()
	require.NoError(t, c.Run(context.Background(), nil))
	require.NoError(t, os.WriteFile(c.Config().Environment["GO_FILE"], nil, 0o644))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-evs:
			if ev.Type != events.Stopped {
				continue
			}
			assert.True(t, ev.Unexpected)
			assert.ErrorIs(t, ev.Err, process.ErrUnexpectedExit)
			assert.False(t, c.IsRunning())
			assert.Equal(t, Idle, c.State())
			return
		case <-timeout:
			t.Fatal("no stopped event")
		}
	}
}

func TestWaitReportsUnexpectedExit(t *testing.T) {
	c, _ := installed(t, crashScript)
	require.NoError(t, c.Run(context.Background(), nil))
	// Wait is entered before the gate opens, so it sees this cycle.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(c.Config().Environment["GO_FILE"], nil, 0o644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), process.ErrUnexpectedExit)
}

func TestGracefulStopIsNotUnexpected(t *testing.T) {
	c, _ := installed(t, serverScript)
	require.NoError(t, c.Run(context.Background(), nil))
	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait(context.Background()) }()

	rec := &recorder{}
	require.NoError(t, c.GracefullyStop(context.Background(), rec.sink))
	assert.NoError(t, <-waitErr)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.IsRunning())
	assert.True(t, rec.labels()[TaskStopping])

	// Idempotent.
	assert.NoError(t, c.GracefullyStop(context.Background(), nil))
	assert.NoError(t, c.ForciblyStop(context.Background(), nil))
}

func TestGracefulStopTimeoutLeavesSignalAsserted(t *testing.T) {
	c, _ := installed(t, stubbornScript)
	require.NoError(t, c.Run(context.Background(), nil))
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.GracefullyStop(ctx, nil)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.IsRunning())
	assert.Equal(t, GracefullyStopping, c.State())

	require.NoError(t, c.ForciblyStop(context.Background(), nil))
	assert.Equal(t, Idle, c.State())
}

func TestForciblyStopWhileGracefulStopPending(t *testing.T) {
	c, _ := installed(t, stubbornScript)
	evs, cancel := c.Events(16)
	var mu sync.Mutex
	stopped := 0
	counted := make(chan struct{})
	go func() {
		countStopped(evs, &mu, &stopped)
		close(counted)
	}()

	require.NoError(t, c.Run(context.Background(), nil))
	time.Sleep(100 * time.Millisecond)

	graceful := make(chan error, 1)
	go func() { graceful <- c.GracefullyStop(context.Background(), nil) }()
	require.Eventually(t, func() bool { return c.State() == GracefullyStopping }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.ForciblyStop(context.Background(), nil))
	select {
	case err := <-graceful:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("graceful stop still pending")
	}
	assert.Equal(t, Idle, c.State())

	// Let the bus deliver, then close the subscription and count.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-counted
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, stopped)
}

func TestReapFailureDoesNotAbortRun(t *testing.T) {
	denied := &deniedTable{}
	c, _ := installed(t, serverScript, WithProcessTable(denied, denied))
	require.NoError(t, c.Run(context.Background(), nil))
	assert.True(t, c.IsRunning())
	assert.Equal(t, int32(1), denied.attempts.Load())
}

func TestStopBeforeLaunchAbortsPipeline(t *testing.T) {
	files := map[string]string{"run.sh": serverScript}
	f := &fakeFetcher{archive: zipOf(t, files), manifest: manifestOf(files), block: true, started: make(chan struct{})}
	c := newController(t, baseConfig(t.TempDir()), staticRegistry(descriptor(true)), f)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background(), nil) }()
	<-f.started
	assert.Equal(t, Launching, c.State())

	require.NoError(t, c.GracefullyStop(context.Background(), nil))
	err := <-runErr
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.IsRunning())
	assert.Equal(t, Idle, c.State())
}

func TestRestartStopsThenRuns(t *testing.T) {
	c, _ := installed(t, serverScript)
	require.NoError(t, c.Run(context.Background(), nil))
	before := c.RunID()

	rec := &recorder{}
	require.NoError(t, c.Restart(context.Background(), rec.sink))
	assert.True(t, c.IsRunning())
	assert.NotEqual(t, before, c.RunID())

	evs := rec.snapshot()
	require.NotEmpty(t, evs)
	assert.InDelta(t, 1.0, evs[len(evs)-1].Fraction, 1e-9)

	// Restart from idle just runs.
	require.NoError(t, c.ForciblyStop(context.Background(), nil))
	require.NoError(t, c.Restart(context.Background(), nil))
	assert.True(t, c.IsRunning())
}

func TestLaunchErrorLeavesIdle(t *testing.T) {
	// Archive without the executable: verification passes, launch fails.
	files := map[string]string{"README": "nothing to run\n"}
	f := &fakeFetcher{archive: zipOf(t, files), manifest: manifestOf(files)}
	c := newController(t, baseConfig(t.TempDir()), staticRegistry(descriptor(true)), f)
	var le *process.LaunchError
	require.ErrorAs(t, c.Run(context.Background(), nil), &le)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.IsRunning())
}

func TestRunWithSignedManifest(t *testing.T) {
	s := newSigner(t)
	files := map[string]string{"run.sh": serverScript}
	f := &fakeFetcher{archive: zipOf(t, files), manifest: manifestOf(files)}
	d := s.signed(t, descriptor(true), f)
	c := newController(t, baseConfig(t.TempDir()), staticRegistry(d), f, WithTrustRoots(s.roots))
	require.NoError(t, c.Run(context.Background(), nil))
	defer c.ForciblyStop(context.Background(), nil)
	assert.True(t, c.IsRunning())
	assert.Equal(t, int32(3), f.fetches.Load())
}

func TestForciblyStopRacingLaunchLeavesNothingRunning(t *testing.T) {
	c, _ := installed(t, serverScript)
	// Repair once so later runs go straight to launch.
	require.NoError(t, c.Run(context.Background(), nil))
	require.NoError(t, c.ForciblyStop(context.Background(), nil))

	for i := 0; i < 200; i++ {
		runErr := make(chan error, 1)
		go func() { runErr <- c.Run(context.Background(), nil) }()
		require.Eventually(t, func() bool { return c.State() != Idle }, 5*time.Second, 50*time.Microsecond)
		time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, c.ForciblyStop(ctx, nil))
		cancel()
		if err := <-runErr; err != nil {
			require.ErrorIs(t, err, ErrCanceled, "iteration %d", i)
		}
		require.False(t, c.IsRunning(), "iteration %d", i)
		require.Equal(t, Idle, c.State(), "iteration %d", i)
	}
}

func TestStoppedPrecedesNextStarted(t *testing.T) {
	c, _ := installed(t, serverScript)
	evs, cancel := c.Events(256)
	defer cancel()
	require.NoError(t, c.Run(context.Background(), nil))
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Restart(context.Background(), nil))
	}
	require.NoError(t, c.ForciblyStop(context.Background(), nil))
	time.Sleep(100 * time.Millisecond)
	cancel()

	running := false
	for ev := range evs {
		switch ev.Type {
		case events.Started:
			require.False(t, running, "started before the previous cycle stopped")
			running = true
		case events.Stopped:
			require.True(t, running)
			running = false
		}
	}
	assert.False(t, running)
}
