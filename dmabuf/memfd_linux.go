// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build linux

package dmabuf

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MemfdAllocator allocates buffers backed by sealed memfd files.
//
// memfd buffers are CPU-mappable and can be passed to importers that accept
// any shareable fd; hardware allocators (DRM dumb buffers, dma-heaps) satisfy
// the same Allocator interface.
type MemfdAllocator struct {
	// Name labels the memfd in /proc/<pid>/fd. Defaults to "overlay-buffer".
	Name string
}

// Allocate creates a buffer of desc.Size bytes. The size is sealed so the
// shape cannot change after creation.
func (a *MemfdAllocator) Allocate(desc Descriptor) (*Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	name := a.Name
	if name == "" {
		name = "overlay-buffer"
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(desc.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("dmabuf: ftruncate %d: %w", desc.Size, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("dmabuf: seal: %w", err)
	}
	return newBuffer(desc, fd, releaseFD), nil
}

// Wrap takes ownership of an fd exported by another subsystem (a V4L2
// EXPBUF handle, a DRM PRIME export) and returns it as a Buffer with one
// reference.
func Wrap(desc Descriptor, fd int) (*Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if fd < 0 {
		return nil, fmt.Errorf("%w: fd %d", ErrInvalidDescriptor, fd)
	}
	return newBuffer(desc, fd, releaseFD), nil
}

// Map returns a shared read-write CPU mapping of the whole buffer.
// The mapping is created once and unmapped on release.
func (b *Buffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil, ErrReleased
	}
	if b.mapping != nil {
		return b.mapping, nil
	}
	m, err := unix.Mmap(b.fd, 0, b.desc.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: mmap: %w", err)
	}
	b.mapping = m
	return m, nil
}

// DupFD returns a new close-on-exec descriptor for the buffer. The caller
// owns the returned descriptor.
func (b *Buffer) DupFD() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return -1, ErrReleased
	}
	fd, err := unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dmabuf: dup: %w", err)
	}
	return fd, nil
}

func releaseFD(fd int, mapping []byte) error {
	var errs []error
	if mapping != nil {
		if err := unix.Munmap(mapping); err != nil {
			errs = append(errs, fmt.Errorf("dmabuf: munmap: %w", err))
		}
	}
	if err := unix.Close(fd); err != nil {
		errs = append(errs, fmt.Errorf("dmabuf: close: %w", err))
	}
	return errors.Join(errs...)
}
