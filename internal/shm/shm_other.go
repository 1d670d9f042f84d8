//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package shm

import "errors"

// Create is not supported on this platform
func Create(dir, name string, size int, init func(data []byte) error) (*SharedMemory, error) {
	return nil, errors.ErrUnsupported
}

// Attach is not supported on this platform
func Attach(dir, name string) (*SharedMemory, error) {
	return nil, errors.ErrUnsupported
}

// Remove is not supported on this platform
func Remove(dir, name string) error {
	return errors.ErrUnsupported
}

func (s *SharedMemory) Lock() error   { return errors.ErrUnsupported }
func (s *SharedMemory) Unlock() error { return errors.ErrUnsupported }
func (s *SharedMemory) Detach() error { return nil }
