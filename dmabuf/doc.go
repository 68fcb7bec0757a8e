// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package dmabuf models exportable, DMA-capable buffers shared between the
// capture, GPU and display stages without CPU copies.
//
// A [Buffer] wraps one file descriptor together with its immutable shape
// ([Descriptor]). Buffers are reference counted: a render slot, a
// conversion stage and a display layer may each hold one reference, and the
// descriptor is closed when the last holder calls [Buffer.Unref].
//
// Formats are DRM fourcc codes restricted to the small set the display
// pipeline negotiates; [Format.TextureFormat] gives the matching
// gputypes.TextureFormat used for GPU import.
package dmabuf
