// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package dmabuf

// MemfdAllocator is only available on Linux.
type MemfdAllocator struct {
	Name string
}

// Allocate always fails with ErrUnsupported.
func (a *MemfdAllocator) Allocate(Descriptor) (*Buffer, error) {
	return nil, ErrUnsupported
}

// Wrap always fails with ErrUnsupported.
func Wrap(Descriptor, int) (*Buffer, error) {
	return nil, ErrUnsupported
}

// Map always fails with ErrUnsupported.
func (b *Buffer) Map() ([]byte, error) {
	return nil, ErrUnsupported
}

// DupFD always fails with ErrUnsupported.
func (b *Buffer) DupFD() (int, error) {
	return -1, ErrUnsupported
}
