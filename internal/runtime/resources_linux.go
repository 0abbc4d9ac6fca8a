//go:build linux

package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LimitOpenFiles sets RLIMIT_NOFILE on a running process. A zero limit
// leaves the inherited one untouched.
func LimitOpenFiles(pid int, noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	lim := &unix.Rlimit{Cur: noFile, Max: noFile}
	if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, lim, nil); err != nil {
		return fmt.Errorf("prlimit NOFILE for pid %d: %w", pid, err)
	}
	return nil
}

// OpenFilesLimit returns the soft RLIMIT_NOFILE of pid.
func OpenFilesLimit(pid int) (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, nil, &lim); err != nil {
		return 0, fmt.Errorf("prlimit NOFILE for pid %d: %w", pid, err)
	}
	return lim.Cur, nil
}
