// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package dmabuf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// Buffer errors.
var (
	// ErrUnsupported is returned where the platform cannot allocate
	// exportable buffers.
	ErrUnsupported = errors.New("dmabuf: not supported on this platform")

	// ErrReleased is returned when using a buffer whose last reference
	// has been dropped.
	ErrReleased = errors.New("dmabuf: buffer released")

	// ErrInvalidDescriptor is returned for malformed buffer descriptors.
	ErrInvalidDescriptor = errors.New("dmabuf: invalid descriptor")
)

// Format is a DRM fourcc pixel format code.
type Format uint32

func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Formats negotiated by the display pipeline.
var (
	FormatARGB8888 = fourcc('A', 'R', '2', '4')
	FormatXRGB8888 = fourcc('X', 'R', '2', '4')
	FormatABGR8888 = fourcc('A', 'B', '2', '4')
	FormatXBGR8888 = fourcc('X', 'B', '2', '4')
	FormatRGB565   = fourcc('R', 'G', '1', '6')
)

// String returns the four-character code, or Unknown(0x...) for codes
// outside the supported set.
func (f Format) String() string {
	if f.BytesPerPixel() == 0 {
		return fmt.Sprintf("Unknown(0x%08x)", uint32(f))
	}
	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return string(b[:])
}

// formatNames maps the DRM_FORMAT_ suffixes to codes.
var formatNames = map[string]Format{
	"ARGB8888": FormatARGB8888,
	"XRGB8888": FormatXRGB8888,
	"ABGR8888": FormatABGR8888,
	"XBGR8888": FormatXBGR8888,
	"RGB565":   FormatRGB565,
}

// ParseFormat accepts a DRM format name such as "ARGB8888" (case
// insensitive) or a fourcc such as "AR24".
func ParseFormat(s string) (Format, error) {
	if f, ok := formatNames[strings.ToUpper(s)]; ok {
		return f, nil
	}
	if len(s) == 4 {
		f := fourcc(s[0], s[1], s[2], s[3])
		if f.BytesPerPixel() != 0 {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidDescriptor, s)
}

// BytesPerPixel returns the pixel size, or 0 for unknown formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatARGB8888, FormatXRGB8888, FormatABGR8888, FormatXBGR8888:
		return 4
	case FormatRGB565:
		return 2
	default:
		return 0
	}
}

// TextureFormat returns the GPU texture format a buffer of this format is
// imported as. DRM formats are little-endian, so ARGB8888 is B,G,R,A in
// memory. The boolean is false when no sampled GPU format matches.
func (f Format) TextureFormat() (gputypes.TextureFormat, bool) {
	switch f {
	case FormatARGB8888, FormatXRGB8888:
		return gputypes.TextureFormatBGRA8Unorm, true
	case FormatABGR8888, FormatXBGR8888:
		return gputypes.TextureFormatRGBA8Unorm, true
	default:
		return gputypes.TextureFormatUndefined, false
	}
}

// Descriptor is the shape of a buffer: dimensions, format, total size and
// plane offset. Pools use it as a template; it owns no memory.
type Descriptor struct {
	Width  int
	Height int
	Format Format
	Size   int
	Offset int
}

// Pitch returns the tightly packed row pitch in bytes.
func (d Descriptor) Pitch() int {
	return d.Width * d.Format.BytesPerPixel()
}

// Validate checks that the descriptor can back a buffer.
func (d Descriptor) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidDescriptor, d.Width, d.Height)
	}
	if d.Format.BytesPerPixel() == 0 {
		return fmt.Errorf("%w: format %s", ErrInvalidDescriptor, d.Format)
	}
	if d.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidDescriptor, d.Offset)
	}
	if need := d.Offset + d.Pitch()*d.Height; d.Size < need {
		return fmt.Errorf("%w: size %d smaller than %d", ErrInvalidDescriptor, d.Size, need)
	}
	return nil
}

// NewDescriptor returns a tightly packed descriptor for w x h pixels.
func NewDescriptor(w, h int, format Format) Descriptor {
	return Descriptor{
		Width:  w,
		Height: h,
		Format: format,
		Size:   w * h * format.BytesPerPixel(),
	}
}

// DescriptorOf returns the shape of buf.
func DescriptorOf(buf *Buffer) Descriptor {
	return buf.desc
}

// Allocator produces exportable buffers.
type Allocator interface {
	Allocate(desc Descriptor) (*Buffer, error)
}

// Buffer is a DMA-capable memory region referenced by a file descriptor
// usable for both CPU mapping and GPU import.
//
// A Buffer is reference counted. The allocator returns it with one
// reference; each additional holder calls Ref and every holder calls Unref
// exactly once. The descriptor is closed when the count reaches zero.
// The shape never changes after creation.
type Buffer struct {
	desc  Descriptor
	pitch int

	refs atomic.Int32

	mu      sync.Mutex
	fd      int
	mapping []byte
	release func(fd int, mapping []byte) error
}

// newBuffer wraps fd with one reference. release closes the platform
// resources and is called exactly once.
func newBuffer(desc Descriptor, fd int, release func(int, []byte) error) *Buffer {
	b := &Buffer{
		desc:    desc,
		pitch:   desc.Pitch(),
		fd:      fd,
		release: release,
	}
	b.refs.Store(1)
	return b
}

// Width returns the buffer width in pixels.
func (b *Buffer) Width() int { return b.desc.Width }

// Height returns the buffer height in pixels.
func (b *Buffer) Height() int { return b.desc.Height }

// Format returns the DRM fourcc format.
func (b *Buffer) Format() Format { return b.desc.Format }

// Pitch returns the row pitch in bytes.
func (b *Buffer) Pitch() int { return b.pitch }

// Size returns the total allocation size in bytes.
func (b *Buffer) Size() int { return b.desc.Size }

// Offset returns the plane offset in bytes.
func (b *Buffer) Offset() int { return b.desc.Offset }

// FD returns the file descriptor, or -1 once the buffer is released.
// The descriptor stays owned by the buffer; callers that need it beyond
// the buffer's lifetime must dup it.
func (b *Buffer) FD() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int { return int(b.refs.Load()) }

// Ref adds a reference. It fails on a released buffer.
func (b *Buffer) Ref() error {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Unref drops a reference, releasing the buffer when none remain.
// Extra calls after release are no-ops.
func (b *Buffer) Unref() error {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return nil
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				return b.destroy()
			}
			return nil
		}
	}
}

func (b *Buffer) destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	var err error
	if b.release != nil {
		err = b.release(b.fd, b.mapping)
	}
	b.fd = -1
	b.mapping = nil
	return err
}
