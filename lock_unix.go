//go:build !windows

package envmlflow

import (
	"os"
	"syscall"
)

// tryLock takes an exclusive flock() without blocking.
func tryLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
