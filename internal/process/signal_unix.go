//go:build !windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Own process group so signals reach the binary's children too.
func sysProcAttr() *syscall.SysProcAttr { return &syscall.SysProcAttr{Setpgid: true} }

func (p *Process) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) interrupt() error { return p.signalGroup(unix.SIGINT) }

func (p *Process) kill() error { return p.signalGroup(unix.SIGKILL) }
