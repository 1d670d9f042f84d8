//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Create creates a new shared memory segment of exactly size bytes
// The segment is built in a private temporary file, initialized by init and
// only then published under its name with link(2). Publishing is atomic: when
// several processes race, exactly one succeeds and the others get ErrExist.
// Attachers therefore never observe an uninitialized segment.
func Create(dir, name string, size int, init func(data []byte) error) (*SharedMemory, error) {
	path, err := segmentPath(dir, name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	// Mark the segment alive before it can be seen
	live, err := holdLiveness(path, name)
	if err != nil {
		return nil, err
	}

	// Build the region under a temporary name next to the final one
	tmp, err := os.CreateTemp(dirOf(dir), "."+name+".*")
	if err != nil {
		live.Close()
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err = tmp.Truncate(int64(size)); err != nil {
		tmp.Close()
		live.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(int(tmp.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		tmp.Close()
		live.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	if init != nil {
		if err = init(data); err != nil {
			unix.Munmap(data)
			tmp.Close()
			live.Close()
			return nil, err
		}
	}

	// Publish; only one creator can win the link
	if err = os.Link(tmpName, path); err != nil {
		unix.Munmap(data)
		tmp.Close()
		live.Close()
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrExist
		}
		return nil, fmt.Errorf("shm: publish %s: %w", name, err)
	}

	return &SharedMemory{
		name:  name,
		path:  path,
		size:  size,
		file:  tmp,
		live:  live,
		data:  data,
		owner: true,
	}, nil
}

// Attach attaches to an existing shared memory segment
// The whole backing file is mapped; callers validate the size they expect.
func Attach(dir, name string) (*SharedMemory, error) {
	path, err := segmentPath(dir, name)
	if err != nil {
		return nil, err
	}

	// Waits out a concurrent Remove
	live, err := holdLiveness(path, name)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		live.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}

	var st unix.Stat_t
	if err = unix.Fstat(int(file.Fd()), &st); err != nil {
		file.Close()
		live.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	if st.Size <= 0 {
		file.Close()
		live.Close()
		return nil, ErrInvalidSize
	}

	size := int(st.Size)
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		live.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		size: size,
		file: file,
		live: live,
		data: data,
	}, nil
}

// Lock takes the segment's inter-process lock, blocking until it is free
// The lock is an exclusive flock(2) on this handle's open file description,
// so two handles conflict even inside one process. It is not reentrant.
func (s *SharedMemory) Lock() error {
	if s.file == nil {
		return ErrDetached
	}
	return flock(s.file, unix.LOCK_EX)
}

// Unlock releases the segment's inter-process lock
func (s *SharedMemory) Unlock() error {
	if s.file == nil {
		return ErrDetached
	}
	return unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
}

// Detach releases this process's binding to the segment
// Other attached processes keep their mappings. An owning handle also removes
// the name, unless the name has since been bound to a different segment.
// The last handle of a segment whose owner is gone removes the name too.
func (s *SharedMemory) Detach() error {
	if s.file == nil {
		return nil
	}

	var errs []error
	if s.owner && s.stillNamed() || !s.owner && s.lastHolder() {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("shm: remove %s: %w", s.name, err))
		}
	}
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("shm: munmap %s: %w", s.name, err))
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.live.Close(); err != nil {
		errs = append(errs, err)
	}

	s.data = nil
	s.file = nil
	s.live = nil
	return errors.Join(errs...)
}

// stillNamed reports whether the segment's path still refers to our file
func (s *SharedMemory) stillNamed() bool {
	var mine, named unix.Stat_t
	if err := unix.Fstat(int(s.file.Fd()), &mine); err != nil {
		return false
	}
	if err := unix.Stat(s.path, &named); err != nil {
		return false
	}
	return mine.Dev == named.Dev && mine.Ino == named.Ino
}

// lastHolder reports whether no other handle holds the liveness lock
// On success the lock is kept exclusive until the handle is closed, so
// nobody can attach to the name while it is being removed.
func (s *SharedMemory) lastHolder() bool {
	return unix.Flock(int(s.live.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil
}

// Remove unbinds a segment's name if no process is attached to it
// This frees a name left behind by a crashed creator. It returns ErrBusy
// while any handle, live or owning, is attached and ErrNotExist when there is
// no segment to remove.
func Remove(dir, name string) error {
	path, err := segmentPath(dir, name)
	if err != nil {
		return err
	}
	if _, err = os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return ErrNotExist
	}

	live, err := openLiveness(path, name)
	if err != nil {
		return err
	}
	defer live.Close()

	if err = unix.Flock(int(live.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrBusy
		}
		return fmt.Errorf("shm: lock %s: %w", name, err)
	}

	if err = os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("shm: remove %s: %w", name, err)
	}
	return nil
}

// openLiveness opens the liveness file of the segment at path, creating it if needed
func openLiveness(path, name string) (*os.File, error) {
	live, err := os.OpenFile(livenessPath(path), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open liveness %s: %w", name, err)
	}
	return live, nil
}

// holdLiveness opens the liveness file and takes it shared
func holdLiveness(path, name string) (*os.File, error) {
	live, err := openLiveness(path, name)
	if err != nil {
		return nil, err
	}
	if err = flock(live, unix.LOCK_SH); err != nil {
		live.Close()
		return nil, fmt.Errorf("shm: lock liveness %s: %w", name, err)
	}
	return live, nil
}

// flock applies a blocking flock(2), retrying on EINTR
func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func dirOf(dir string) string {
	if dir == "" {
		return DefaultDir()
	}
	return dir
}
