//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// forceKill sends SIGKILL to the process group led by pid, falling back to the
// pid alone when no such group exists. A process that is already gone yields
// errProcessGone.
func forceKill(pid int) error {
	if pid <= 0 {
		return errProcessGone
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ESRCH) {
		return err
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return errProcessGone
		}
		return err
	}
	return nil
}

// pidAlive reports whether a signal can be delivered to pid.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
