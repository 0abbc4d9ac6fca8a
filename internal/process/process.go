// Package process launches one executor binary, streams its output and
// delivers signals to it. It also finds and kills stale instances of an
// executable left behind by earlier runs.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	sysrt "github.com/carlosprados/execd/internal/runtime"
)

// ErrUnexpectedExit marks an exit nobody asked for.
var ErrUnexpectedExit = errors.New("process exited unexpectedly")

// LaunchError is returned when the binary could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch %s: %v", e.Path, e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

// Options specifies how to start the process.
type Options struct {
	Name string
	Path string
	Args []string
	Dir  string
	// Env is overlaid on the inherited environment; later entries win.
	Env    []string
	NoFile uint64 // RLIMIT_NOFILE, linux only
	Logger *zerolog.Logger
	// OnExit runs once, on the exit watcher goroutine, after both output
	// streams have ended and the exit status is known.
	OnExit func(p *Process, err error)
	// DrainTimeout bounds how long output is still read after the process
	// exited; descendants holding the pipes open are cut off then.
	// Defaults to 2s.
	DrainTimeout time.Duration
}

// Process is a started executor binary.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	runID     string
	startedAt time.Time
	stdout    *Stream
	stderr    *Stream
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
}

const maxLine = 1 << 20

// Start launches the binary. The process is not tied to any context: it
// lives until it exits or is signalled.
func Start(opts Options) (*Process, error) {
	if opts.Path == "" {
		return nil, &LaunchError{Path: opts.Path, Err: errors.New("empty command")}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = sysProcAttr()
	// Plain pipes rather than StdoutPipe: cmd.Wait must return when the
	// binary exits even if a descendant keeps the write ends open.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: opts.Path, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, &LaunchError{Path: opts.Path, Err: err}
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	err = cmd.Start()
	closeAll(outW, errW)
	if err != nil {
		closeAll(outR, errR)
		return nil, &LaunchError{Path: opts.Path, Err: err}
	}
	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		runID:     uuid.NewString(),
		startedAt: time.Now(),
		stdout:    newStream(),
		stderr:    newStream(),
		done:      make(chan struct{}),
	}
	logger = logger.With().Str("executor", opts.Name).Int("pid", p.pid).Str("run_id", p.runID).Logger()
	if err := sysrt.LimitOpenFiles(p.pid, opts.NoFile); err != nil {
		logger.Warn().Err(err).Msg("could not apply open file limit")
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 2 * time.Second
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(&readers, outR, p.stdout, logger.With().Str("stream", "stdout").Logger())
	go pump(&readers, errR, p.stderr, logger.With().Str("stream", "stderr").Logger())
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	go func() {
		err := cmd.Wait()
		select {
		case <-drained:
		case <-time.After(drain):
			logger.Warn().Dur("drain", drain).Msg("output still open after exit, closing it")
		}
		closeAll(outR, errR)
		<-drained
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.stdout.close()
		p.stderr.close()
		close(p.done)
		if opts.OnExit != nil {
			opts.OnExit(p, err)
		}
	}()
	return p, nil
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}

func pump(wg *sync.WaitGroup, r io.Reader, s *Stream, logger zerolog.Logger) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Text()
		logger.Info().Msg(line)
		s.publish(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn().Err(err).Msg("output reader stopped, discarding the rest")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) RunID() string        { return p.runID }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Stdout() *Stream      { return p.stdout }
func (p *Process) Stderr() *Stream      { return p.stderr }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr is the result of the underlying wait, valid after Done.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt asks the process group to shut down cooperatively.
func (p *Process) Interrupt() error {
	if !p.Running() {
		return nil
	}
	return p.interrupt()
}

// Kill terminates the process group immediately.
func (p *Process) Kill() error {
	if !p.Running() {
		return nil
	}
	return p.kill()
}
