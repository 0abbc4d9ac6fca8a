//go:build !linux

package runtime

import "errors"

// LimitOpenFiles is only supported on linux; elsewhere a non-zero limit is
// reported as unsupported and the inherited limit stays.
func LimitOpenFiles(pid int, noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	return errors.New("open file limit is only supported on linux")
}

func OpenFilesLimit(pid int) (uint64, error) {
	return 0, errors.New("open file limit is only supported on linux")
}
