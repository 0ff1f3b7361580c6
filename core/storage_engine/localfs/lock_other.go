//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package localfs

import "os"

// Platforms without flock(2) get no advisory locking; in-process state
// latches still serialize access.
func lockFile(f *os.File, lock LockType) error { return nil }

func unlockFile(f *os.File) error { return nil }
