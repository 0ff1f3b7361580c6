//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package localfs

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File, lock LockType) error {
	how := unix.LOCK_SH
	if lock == WriteLock {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
