//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transcript

import (
	"os"
	"sync"
)

// Without flock the lock only excludes writers inside this process.
var heldLocks sync.Map

func tryLockFile(f *os.File) error {
	if _, loaded := heldLocks.LoadOrStore(f.Name(), struct{}{}); loaded {
		return ErrBusy
	}
	return nil
}

func unlockFile(f *os.File) error {
	heldLocks.Delete(f.Name())
	return nil
}
