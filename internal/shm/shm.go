package shm

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Error definitions for shared memory operations
var (
	ErrExist       = errors.New("shm: segment already exists")
	ErrNotExist    = errors.New("shm: segment does not exist")
	ErrInvalidName = errors.New("shm: invalid segment name")
	ErrInvalidSize = errors.New("shm: invalid segment size")
	ErrDetached    = errors.New("shm: segment is detached")
	ErrBusy        = errors.New("shm: segment is in use")
)

// SharedMemory represents a named shared memory segment for inter-process communication
// The segment is a file inside a shared memory directory, mapped into the address
// space of every process that creates or attaches to it.
//
// All processes that know the segment's name and directory can attach to it.
// Access to the mapped bytes must be serialized with Lock and Unlock.
//
// Every handle also holds a shared lock on a liveness file next to the
// segment for as long as it is attached. The kernel drops that lock when a
// process dies, so a segment nobody holds is known to be abandoned.
type SharedMemory struct {
	name  string   // Name/identifier of the shared memory segment
	path  string   // Full path of the backing file
	size  int      // Size of the mapped region in bytes
	file  *os.File // Open backing file, carries the lock
	live  *os.File // Open liveness file, held shared while attached
	data  []byte   // Mapped region
	owner bool     // True if this handle created the segment
}

// Name returns the name/identifier of the shared memory segment
// This name is used to identify the shared memory segment across processes
func (s *SharedMemory) Name() string {
	return s.name
}

// Path returns the location of the backing file
func (s *SharedMemory) Path() string {
	return s.path
}

// Size returns the size of the shared memory segment in bytes
func (s *SharedMemory) Size() int {
	return s.size
}

// Owner reports whether this handle created the segment
// Detaching an owning handle also removes the segment's name.
func (s *SharedMemory) Owner() bool {
	return s.owner
}

// FD returns the file descriptor of the backing file
// The descriptor is also the one the segment lock is taken on.
func (s *SharedMemory) FD() uintptr {
	if s.file == nil {
		return ^uintptr(0)
	}
	return s.file.Fd()
}

// Bytes returns the mapped region
// The slice is only valid until Detach and must only be touched under Lock.
func (s *SharedMemory) Bytes() []byte {
	return s.data
}

// DefaultDir returns the directory segments live in when none is configured
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
			return "/dev/shm"
		}
	}
	return os.TempDir()
}

// livenessPath returns the liveness file of the segment at path
// The file is never removed: it outlives every generation of the segment.
func livenessPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "."+name+".lock")
}

// segmentPath validates name and joins it to dir
func segmentPath(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, name), nil
}
