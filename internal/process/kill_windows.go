//go:build windows

package process

import (
	"errors"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// forceKill terminates pid with TerminateProcess, the equivalent of
// taskkill /F. A pid that cannot be opened because it no longer exists
// yields errProcessGone.
func forceKill(pid int) error {
	if pid <= 0 {
		return errProcessGone
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return errProcessGone
		}
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.TerminateProcess(h, 1); err != nil {
		var code uint32
		if windows.GetExitCodeProcess(h, &code) == nil && code != stillActive {
			return errProcessGone
		}
		return err
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
