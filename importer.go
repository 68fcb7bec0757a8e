// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/wgpu/hal"
)

// ExternalImporter is the set of device entry points needed to bind an
// external buffer to a GPU image.
//
// A hal.Device that implements it is used directly; otherwise an importer
// must be configured with WithImporter or WithEmulatedImport.
type ExternalImporter interface {
	// QueryDMABufFormats lists the formats the device can import.
	QueryDMABufFormats() ([]dmabuf.Format, error)

	// ImportDMABuf creates a texture backed by buf's memory. desc carries
	// the size, format and usage; implementations must not retain buf
	// beyond the texture's lifetime without taking a reference.
	ImportDMABuf(buf *dmabuf.Buffer, desc *hal.TextureDescriptor) (hal.Texture, error)
}

// resolveImporter returns the explicit importer, or the device itself when
// it provides the import entry points.
func resolveImporter(explicit ExternalImporter, device hal.Device) (ExternalImporter, error) {
	if explicit != nil {
		return explicit, nil
	}
	if imp, ok := device.(ExternalImporter); ok {
		return imp, nil
	}
	return nil, ErrNoImporter
}
