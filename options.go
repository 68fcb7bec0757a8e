// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/wgpu/hal"
)

// FenceMode selects how Publish behaves when the device cannot create a
// fence.
type FenceMode int

const (
	// FenceOptional submits without a fence and returns fence.Signaled when
	// fence creation fails. Consumers then rely on the driver making the
	// write visible by the time the buffer is scanned out.
	FenceOptional FenceMode = iota

	// FenceRequired fails Publish with ErrNoFence instead.
	FenceRequired
)

// String returns the mode name.
func (m FenceMode) String() string {
	switch m {
	case FenceOptional:
		return "optional"
	case FenceRequired:
		return "required"
	default:
		return "unknown"
	}
}

// Defaults for context options.
const (
	DefaultSampleCount  = 4
	DefaultBindTimeout  = 2 * time.Second
	DefaultFenceTimeout = time.Second
)

// Backend creates HAL instances. hal.GetBackend results and noop.API both
// satisfy it.
type Backend interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// ContextOption configures a Context during creation.
//
// Example:
//
//	// Own a Vulkan device (requires importing a Vulkan HAL backend)
//	c := overlay.NewContext()
//
//	// Share the host application's device
//	c := overlay.NewContext(overlay.WithDeviceProvider(app))
type ContextOption func(*contextOptions)

type contextOptions struct {
	device   hal.Device
	queue    hal.Queue
	provider gpucontext.DeviceProvider
	backend  Backend

	importer ExternalImporter
	emulate  bool

	allocator    dmabuf.Allocator
	observer     Observer
	logger       *slog.Logger
	sampleCount  uint32
	fenceMode    FenceMode
	bindTimeout  time.Duration
	fenceTimeout time.Duration
}

func defaultOptions() contextOptions {
	return contextOptions{
		sampleCount:  DefaultSampleCount,
		fenceMode:    FenceOptional,
		bindTimeout:  DefaultBindTimeout,
		fenceTimeout: DefaultFenceTimeout,
	}
}

// WithDevice uses an existing device and queue. The context does not own
// them and will not destroy them.
func WithDevice(device hal.Device, queue hal.Queue) ContextOption {
	return func(o *contextOptions) {
		o.device = device
		o.queue = queue
	}
}

// WithDeviceProvider shares the device of a host application. The provider
// must also expose HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func WithDeviceProvider(p gpucontext.DeviceProvider) ContextOption {
	return func(o *contextOptions) {
		o.provider = p
	}
}

// WithBackend opens the context's own device from b instead of the
// registered Vulkan backend.
func WithBackend(b Backend) ContextOption {
	return func(o *contextOptions) {
		o.backend = b
	}
}

// WithImporter sets the external-buffer import entry points explicitly
// instead of resolving them from the device.
func WithImporter(imp ExternalImporter) ContextOption {
	return func(o *contextOptions) {
		o.importer = imp
	}
}

// WithEmulatedImport imports buffers by creating device textures and
// uploading their CPU contents. It is meant for development on devices
// without external-memory support, such as the noop backend.
func WithEmulatedImport() ContextOption {
	return func(o *contextOptions) {
		o.emulate = true
	}
}

// WithAllocator sets the buffer allocator. Defaults to dmabuf.MemfdAllocator.
func WithAllocator(a dmabuf.Allocator) ContextOption {
	return func(o *contextOptions) {
		o.allocator = a
	}
}

// WithMetrics installs an observer for pool, slot and publish events.
func WithMetrics(obs Observer) ContextOption {
	return func(o *contextOptions) {
		o.observer = obs
	}
}

// WithLogger sets the package logger, as SetLogger does.
func WithLogger(l *slog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = l
	}
}

// WithSampleCount sets the paint target sample count. The paint target is
// resolved into the buffer image, so n must be greater than one; other
// values are ignored.
func WithSampleCount(n uint32) ContextOption {
	return func(o *contextOptions) {
		if n > 1 {
			o.sampleCount = n
		}
	}
}

// WithFenceMode selects the behavior when fences are unavailable.
func WithFenceMode(m FenceMode) ContextOption {
	return func(o *contextOptions) {
		o.fenceMode = m
	}
}

// WithBindTimeout bounds how long an operation waits to bind the shared
// context. Zero waits indefinitely.
func WithBindTimeout(d time.Duration) ContextOption {
	return func(o *contextOptions) {
		if d >= 0 {
			o.bindTimeout = d
		}
	}
}

// WithFenceTimeout bounds fence waits made without a watcher, and how long
// Shutdown waits for in-flight publishes and for the queue to drain.
func WithFenceTimeout(d time.Duration) ContextOption {
	return func(o *contextOptions) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}
