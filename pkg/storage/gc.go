package storage

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// GarbageCollector coordinates request execution against an external
// garbage collector through a readers/writer lock on a file in the
// storage root. Every request holds the shared side for its entire
// duration; a collector process takes the exclusive side. Shared
// acquisition failing without blocking signals that collection is in
// progress.
type GarbageCollector struct {
	lockPath string
}

// NewGarbageCollector creates the lock coordinator for a storage root.
func NewGarbageCollector(root string) *GarbageCollector {
	return &GarbageCollector{lockPath: filepath.Join(root, "gc.lock")}
}

// SharedLock is a held shared side of the GC lock. Paths returned by
// the local CAS remain readable until Release.
type SharedLock struct {
	file *os.File
}

// SharedLock acquires the shared side without blocking.
func (gc *GarbageCollector) SharedLock() (*SharedLock, error) {
	f, err := os.OpenFile(gc.lockPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &SharedLock{file: f}, nil
}

// ExclusiveLock acquires the exclusive side without blocking. It is
// what a collector process calls before deleting objects.
func (gc *GarbageCollector) ExclusiveLock() (*SharedLock, error) {
	f, err := os.OpenFile(gc.lockPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &SharedLock{file: f}, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *SharedLock) Release() {
	if l.file != nil {
		unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
}
