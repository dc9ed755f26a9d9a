// Package lock provides the per-repository exclusive lock that keeps two
// prloomd instances from driving the same plan set concurrently (spec.md
// §6: "exactly one dispatcher process per repository root"). Grounded on
// internal/health/flock.go's AcquireFlock/ReleaseFlock.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// Repo is an acquired exclusive lock over one repository's prloom state
// directory. Keep it open for the dispatcher process's lifetime; closing
// it (via Release) makes the repository available to another instance.
type Repo struct {
	file *os.File
}

// Acquire takes an exclusive, non-blocking flock on path, creating it if
// necessary and stamping it with the holding PID. It returns an error if
// another live process already holds the lock.
func Acquire(path string) (*Repo, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another prloomd instance already holds %s", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Repo{file: f}, nil
}

// Release unlocks and removes the lock file. Safe to call on a nil Repo.
func (r *Repo) Release() {
	if r == nil || r.file == nil {
		return
	}
	syscall.Flock(int(r.file.Fd()), syscall.LOCK_UN)
	name := r.file.Name()
	r.file.Close()
	os.Remove(name)
}
