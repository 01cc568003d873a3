//go:build windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// lockRange is the byte span covered by the lock. Mutual exclusion only
// needs one byte; the file's contents are never read.
const lockRange = 1

func lockFile(f *os.File) error {
	if f == nil {
		return errors.New("nil lock file")
	}

	// Non-blocking exclusive lock, the LockFileEx equivalent of
	// flock(LOCK_EX | LOCK_NB) on the unix side.
	var ol windows.Overlapped
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, lockRange, 0, &ol)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return ErrAlreadyLocked
		}
		return err
	}
	return nil
}

func unlockFile(f *os.File) error {
	if f == nil {
		return nil
	}
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRange, 0, &ol)
}
