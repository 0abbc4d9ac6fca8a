package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Finder lists processes whose executable is a given file.
type Finder interface {
	FindByExecutablePath(ctx context.Context, path string) ([]int32, error)
}

// Killer terminates a process and waits until it is gone.
type Killer interface {
	KillAndWait(ctx context.Context, pid int32) error
}

// SystemTable implements Finder and Killer on the host process table.
type SystemTable struct {
	// PollInterval paces the exit check after a kill; zero means 50ms.
	PollInterval time.Duration
}

func (t SystemTable) FindByExecutablePath(ctx context.Context, path string) ([]int32, error) {
	want := canonical(path)
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			// Other users' processes are not readable; they cannot be ours.
			continue
		}
		if samePath(canonical(exe), want) {
			out = append(out, p.Pid)
		}
	}
	return out, nil
}

func (t SystemTable) KillAndWait(ctx context.Context, pid int32) error {
	p, err := gproc.NewProcessWithContext(ctx, pid)
	if errors.Is(err, gproc.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return nil
		}
		return err
	}
	interval := t.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		if gone(ctx, p) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func gone(ctx context.Context, p *gproc.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return true
	}
	// A killed orphan may linger as a zombie until init reaps it.
	st, err := p.StatusWithContext(ctx)
	return err == nil && slices.Contains(st, gproc.Zombie)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	return filepath.Clean(p)
}

// ReapResult lists what Reap did.
type ReapResult struct {
	Killed []int32
	Failed []int32
}

// Reap kills every process running exe except the current one. Failures
// are logged and skipped; only cancellation is returned.
func Reap(ctx context.Context, f Finder, k Killer, exe string, logger zerolog.Logger) (ReapResult, error) {
	var res ReapResult
	pids, err := f.FindByExecutablePath(ctx, exe)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger.Warn().Err(err).Str("path", exe).Msg("could not list running instances")
		return res, nil
	}
	self := int32(os.Getpid())
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if pid == self {
			continue
		}
		if err := k.KillAndWait(ctx, pid); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn().Err(err).Int32("pid", pid).Msg("could not kill stale instance")
			res.Failed = append(res.Failed, pid)
			continue
		}
		logger.Info().Int32("pid", pid).Msg("killed stale instance")
		res.Killed = append(res.Killed, pid)
	}
	return res, nil
}
