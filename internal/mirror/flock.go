package mirror

import (
	"os"
	"syscall"
)

// Flock is a simple advisory file lock over an open file.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock, blocking until it is available.
func (f Flock) Lock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
