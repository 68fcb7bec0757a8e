// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build linux

package dmabuf

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMemfdAllocate(t *testing.T) {
	a := &MemfdAllocator{Name: "test"}
	b, err := a.Allocate(NewDescriptor(16, 8, FormatARGB8888))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	fd := b.FD()
	if fd < 0 {
		t.Fatalf("FD() = %d, want valid descriptor", fd)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("Fstat() error = %v", err)
	}
	if st.Size != 16*8*4 {
		t.Errorf("file size = %d, want %d", st.Size, 16*8*4)
	}

	// Size is sealed.
	if err := unix.Ftruncate(fd, 1); err == nil {
		t.Error("Ftruncate on sealed buffer succeeded")
	}

	m, err := b.Map()
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if len(m) != 16*8*4 {
		t.Errorf("len(Map()) = %d, want %d", len(m), 16*8*4)
	}
	m[0] = 0xAB

	dup, err := b.DupFD()
	if err != nil {
		t.Fatalf("DupFD() error = %v", err)
	}
	defer unix.Close(dup)
	got := make([]byte, 1)
	if _, err := unix.Pread(dup, got, 0); err != nil {
		t.Fatalf("Pread() error = %v", err)
	}
	if got[0] != 0xAB {
		t.Errorf("shared byte = %#x, want 0xab", got[0])
	}

	if err := b.Unref(); err != nil {
		t.Fatalf("Unref() error = %v", err)
	}
	if _, err := b.Map(); !errors.Is(err, ErrReleased) {
		t.Errorf("Map() after release error = %v, want %v", err, ErrReleased)
	}
	if err := unix.Fstat(fd, &st); err == nil {
		t.Error("fd still open after last Unref")
	}
}

func TestMemfdAllocateInvalid(t *testing.T) {
	a := &MemfdAllocator{}
	if _, err := a.Allocate(Descriptor{Width: 1, Height: 1, Format: FormatARGB8888}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("Allocate() error = %v, want %v", err, ErrInvalidDescriptor)
	}
}

func TestWrap(t *testing.T) {
	fd, err := unix.MemfdCreate("wrap", unix.MFD_CLOEXEC)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}
	if err := unix.Ftruncate(fd, 64); err != nil {
		t.Fatalf("Ftruncate() error = %v", err)
	}
	b, err := Wrap(NewDescriptor(4, 4, FormatXBGR8888), fd)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if b.FD() != fd {
		t.Errorf("FD() = %d, want %d", b.FD(), fd)
	}
	if err := b.Unref(); err != nil {
		t.Errorf("Unref() error = %v", err)
	}
	if _, err := Wrap(NewDescriptor(4, 4, FormatXBGR8888), -1); err == nil {
		t.Error("Wrap(-1) succeeded")
	}
}
