// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package emulate imports external buffers on devices that cannot bind
// foreign memory, by creating an ordinary device texture and uploading the
// buffer's CPU mapping into it.
//
// The result is not zero-copy: GPU writes land in the device texture, not
// in the buffer. It lets the slot lifecycle, publish path and pool
// discipline run on the noop backend and on drivers without
// external-memory extensions.
package emulate

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/wgpu/hal"
)

// ErrFormat is returned when a buffer's format does not match the texture
// descriptor or is not in the importer's format list.
var ErrFormat = errors.New("emulate: format mismatch")

// DefaultFormats are the formats reported when none are configured.
var DefaultFormats = []dmabuf.Format{
	dmabuf.FormatARGB8888,
	dmabuf.FormatXRGB8888,
	dmabuf.FormatABGR8888,
	dmabuf.FormatXBGR8888,
}

// Importer emulates external-buffer import on a HAL device.
type Importer struct {
	device  hal.Device
	queue   hal.Queue
	formats []dmabuf.Format

	imports atomic.Int64
}

// Option configures an Importer.
type Option func(*Importer)

// WithFormats replaces the reported format list.
func WithFormats(formats ...dmabuf.Format) Option {
	return func(i *Importer) {
		i.formats = slices.Clone(formats)
	}
}

// New returns an importer creating textures on device. queue is used for
// the initial upload and may be nil to skip it.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Importer {
	i := &Importer{
		device:  device,
		queue:   queue,
		formats: slices.Clone(DefaultFormats),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// QueryDMABufFormats returns the configured format list.
func (i *Importer) QueryDMABufFormats() ([]dmabuf.Format, error) {
	return slices.Clone(i.formats), nil
}

// ImportDMABuf creates a texture matching desc and uploads buf's contents.
func (i *Importer) ImportDMABuf(buf *dmabuf.Buffer, desc *hal.TextureDescriptor) (hal.Texture, error) {
	if buf == nil || desc == nil {
		return nil, errors.New("emulate: nil buffer or descriptor")
	}
	if !slices.Contains(i.formats, buf.Format()) {
		return nil, fmt.Errorf("%w: %s not supported", ErrFormat, buf.Format())
	}
	want, ok := buf.Format().TextureFormat()
	if !ok || want != desc.Format {
		return nil, fmt.Errorf("%w: buffer %s, texture %v", ErrFormat, buf.Format(), desc.Format)
	}
	if desc.Size.Width != uint32(buf.Width()) || desc.Size.Height != uint32(buf.Height()) {
		return nil, fmt.Errorf("emulate: size %dx%d does not match buffer %dx%d",
			desc.Size.Width, desc.Size.Height, buf.Width(), buf.Height())
	}

	tex, err := i.device.CreateTexture(desc)
	if err != nil {
		return nil, fmt.Errorf("emulate: create texture: %w", err)
	}

	if i.queue != nil && desc.Usage&gputypes.TextureUsageCopyDst != 0 {
		if err := i.upload(tex, buf, desc); err != nil {
			i.device.DestroyTexture(tex)
			return nil, err
		}
	}

	i.imports.Add(1)
	return tex, nil
}

// upload copies the buffer's pixels into tex.
func (i *Importer) upload(tex hal.Texture, buf *dmabuf.Buffer, desc *hal.TextureDescriptor) error {
	data, err := buf.Map()
	if err != nil {
		return fmt.Errorf("emulate: map buffer: %w", err)
	}
	err = i.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		data[buf.Offset():],
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(buf.Pitch()),
			RowsPerImage: uint32(buf.Height()),
		},
		&hal.Extent3D{Width: desc.Size.Width, Height: desc.Size.Height, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("emulate: upload texture: %w", err)
	}
	return nil
}

// Imports returns the number of successful imports.
func (i *Importer) Imports() int64 { return i.imports.Load() }
