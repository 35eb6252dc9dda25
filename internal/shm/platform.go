// Package shm contains platform-specific helpers for named shared memory objects,
// shared-memory atomics and futex-based cross-process synchronization.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

var (
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shared memory operations not supported on this platform")
	// ErrTimeout is returned when a timed wait elapses.
	ErrTimeout = errors.New("wait timed out")
	// ErrNotSized is returned when opening an object whose creator has not
	// set its size yet.
	ErrNotSized = errors.New("shared memory object not sized yet")
)

// MappedRegion represents a memory-mapped named shared object.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	// Created reports whether this mapping created the OS object.
	Created bool
	fd      int
}

// Size returns the mapped length in bytes.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	// Size is required when creating. When opening, zero means "use the object size".
	Size int
	// Create allows creating the object when it does not exist.
	Create bool
	// Exclusive makes creation fail with os.ErrExist if the object exists.
	Exclusive bool
}

const devShm = "/dev/shm"

// ObjectPath returns the filesystem path backing a named object.
func ObjectPath(name string) string {
	if info, err := os.Stat(devShm); err == nil && info.IsDir() {
		return filepath.Join(devShm, name)
	}
	return filepath.Join(os.TempDir(), name)
}

// ObjectExists reports whether the named object exists.
func ObjectExists(name string) bool {
	_, err := os.Stat(ObjectPath(name))
	return err == nil
}

// RemoveObject unlinks a named object. Removing a missing object returns an
// error satisfying errors.Is(err, os.ErrNotExist).
func RemoveObject(name string) error {
	return os.Remove(ObjectPath(name))
}
