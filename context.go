// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/overlay/internal/emulate"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/semaphore"
)

// Context owns the shared rendering context and the named pool registry.
//
// All GPU calls made on behalf of slots run while the shared context is
// bound. Binding is exclusive: at most one goroutine holds it at a time.
// Collaborators that paint into a slot's target bracket their GPU work with
// WithCurrent.
//
// A Context whose construction failed is still usable as a value: every
// operation fails closed and Err reports the cause.
type Context struct {
	mu     sync.RWMutex
	pools  map[string]*slotPool
	closed bool

	bound        *semaphore.Weighted
	bindWait     time.Duration
	fenceTimeout time.Duration

	instance   hal.Instance
	device     hal.Device
	queue      hal.Queue
	ownsDevice bool
	importer   ExternalImporter

	allocator   dmabuf.Allocator
	observer    Observer
	sampleCount uint32
	fenceMode   FenceMode

	fmtMu     sync.Mutex
	formats   []dmabuf.Format
	fmtErr    error
	fmtLogged map[dmabuf.Format]bool

	// inflight counts PublishAndRelease completions still to run.
	inflight sync.WaitGroup

	orphanMu sync.Mutex
	orphans  []hal.CommandBuffer

	err error
}

var (
	defaultOnce sync.Once
	defaultCtx  *Context
)

// Default returns the process-wide context, creating it on first use with
// default options. Creation failure is logged and reported by Err.
func Default() *Context {
	defaultOnce.Do(func() {
		defaultCtx = NewContext()
	})
	return defaultCtx
}

// NewContext creates a context.
//
// The device comes from WithDevice, WithDeviceProvider, or, failing those,
// is opened from WithBackend or the registered Vulkan HAL backend. If no
// device can be obtained or it exposes no import entry points, the returned
// context fails every operation with the cause; see Err.
func NewContext(opts ...ContextOption) *Context {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	c := &Context{
		pools:        make(map[string]*slotPool),
		bound:        semaphore.NewWeighted(1),
		bindWait:     o.bindTimeout,
		fenceTimeout: o.fenceTimeout,
		allocator:    o.allocator,
		observer:     o.observer,
		sampleCount:  o.sampleCount,
		fenceMode:    o.fenceMode,
		fmtLogged:    make(map[dmabuf.Format]bool),
	}
	if c.allocator == nil {
		c.allocator = &dmabuf.MemfdAllocator{}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}

	if err := c.init(&o); err != nil {
		c.err = err
		Logger().Error("overlay: context initialization failed", "err", err)
	}
	return c
}

func (c *Context) init(o *contextOptions) error {
	switch {
	case o.device != nil:
		if o.queue == nil {
			return fmt.Errorf("%w: WithDevice requires a queue", ErrNoDevice)
		}
		c.device, c.queue = o.device, o.queue
	case o.provider != nil:
		device, queue, err := halFromProvider(o.provider)
		if err != nil {
			return err
		}
		c.device, c.queue = device, queue
		Logger().Info("overlay: using shared device from provider")
	default:
		if err := c.openDevice(o.backend); err != nil {
			return err
		}
	}

	imp := o.importer
	if imp == nil && o.emulate {
		imp = emulate.New(c.device, c.queue)
	}
	importer, err := resolveImporter(imp, c.device)
	if err != nil {
		c.destroyDevice()
		return err
	}
	c.importer = importer
	return nil
}

// halFromProvider extracts HAL handles from a host device provider.
func halFromProvider(provider any) (hal.Device, hal.Queue, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, nil, fmt.Errorf("%w: provider does not expose HAL types", ErrNoDevice)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrNoDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrNoDevice)
	}
	return device, queue, nil
}

// openDevice creates an owned device, preferring hardware adapters.
func (c *Context) openDevice(backend Backend) error {
	if backend == nil {
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return fmt.Errorf("%w: vulkan backend not available", ErrNoDevice)
		}
		backend = b
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("%w: create instance: %w", ErrNoDevice, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("%w: no GPU adapters found", ErrNoDevice)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("%w: open device: %w", ErrNoDevice, err)
	}
	c.instance = instance
	c.device = openDev.Device
	c.queue = openDev.Queue
	c.ownsDevice = true
	Logger().Info("overlay: GPU device opened", "adapter", selected.Info.Name)
	return nil
}

func (c *Context) destroyDevice() {
	if c.ownsDevice && c.device != nil {
		c.device.Destroy()
	}
	if c.instance != nil {
		c.instance.Destroy()
	}
	c.device, c.queue, c.instance = nil, nil, nil
	c.ownsDevice = false
}

// Err returns the construction error, or nil for a usable context.
func (c *Context) Err() error { return c.err }

// Device returns the HAL device, or nil if construction failed.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the HAL queue, or nil if construction failed.
func (c *Context) Queue() hal.Queue { return c.queue }

// FenceTimeout returns how long completions are awaited without a watcher.
func (c *Context) FenceTimeout() time.Duration { return c.fenceTimeout }

// usableLocked returns the reason the context cannot serve requests, if any.
// Caller must hold mu.
func (c *Context) usableLocked() error {
	if c.closed {
		return ErrContextClosed
	}
	return c.err
}

// Closed reports whether Shutdown has been called.
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

type bindKey struct{}

// bind runs fn with the shared context bound. A ctx already carrying
// this context's binding runs fn directly.
func (c *Context) bind(ctx context.Context, fn func() error) error {
	return c.bindTimeout(ctx, c.bindWait, fn)
}

// bindTimeout is bind with an explicit timeout; zero waits until ctx is
// done.
func (c *Context) bindTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if ctx.Value(bindKey{}) == c {
		return fn()
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.bound.Acquire(actx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrBindTimeout, err)
	}
	defer c.bound.Release(1)
	return fn()
}

// WithCurrent binds the shared context, runs fn and unbinds, also when fn
// panics. fn receives a context carrying the binding; pass it to Publish
// so it reuses the binding. Calls must not nest.
func (c *Context) WithCurrent(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(bindKey{}) == c {
		return ErrNestedBinding
	}
	c.mu.RLock()
	err := c.usableLocked()
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.bind(ctx, func() error {
		return fn(context.WithValue(ctx, bindKey{}, c))
	})
}

// SupportedFormats returns the importable formats, querying the device on
// first use.
func (c *Context) SupportedFormats() ([]dmabuf.Format, error) {
	c.mu.RLock()
	err := c.usableLocked()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	c.fmtMu.Lock()
	defer c.fmtMu.Unlock()
	if err := c.queryFormatsLocked(); err != nil {
		return nil, err
	}
	return slices.Clone(c.formats), nil
}

// queryFormatsLocked queries the importer once. A failed query is cached
// like a successful one. Caller must hold fmtMu.
func (c *Context) queryFormatsLocked() error {
	if c.formats != nil || c.fmtErr != nil {
		return c.fmtErr
	}
	list, err := c.importer.QueryDMABufFormats()
	if err != nil {
		c.fmtErr = fmt.Errorf("overlay: query importable formats: %w", err)
		return c.fmtErr
	}
	c.formats = make([]dmabuf.Format, 0, len(list))
	for _, f := range list {
		if _, ok := f.TextureFormat(); ok {
			c.formats = append(c.formats, f)
		}
	}
	return nil
}

// checkFormat verifies that buffers of format f can be imported. The device
// is queried once; a query failure is a hard failure.
func (c *Context) checkFormat(f dmabuf.Format) error {
	c.fmtMu.Lock()
	defer c.fmtMu.Unlock()

	if err := c.queryFormatsLocked(); err != nil {
		return &CapabilityError{Format: f, Reason: "format query failed", Err: err}
	}
	if _, ok := f.TextureFormat(); ok && slices.Contains(c.formats, f) {
		return nil
	}
	if !c.fmtLogged[f] {
		c.fmtLogged[f] = true
		Logger().Error("overlay: format not importable", "format", f.String())
	}
	return &CapabilityError{Format: f, Reason: "not importable by device"}
}

// Pools returns the registered labels in sorted order.
func (c *Context) Pools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	labels := make([]string, 0, len(c.pools))
	for l := range c.pools {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// trackPublish counts a publish whose completion Shutdown waits for. The
// returned func marks it complete and may be called more than once.
func (c *Context) trackPublish() func() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return func() {}
	}
	c.inflight.Add(1)
	var once sync.Once
	return func() { once.Do(c.inflight.Done) }
}

// awaitPublishes waits at most timeout for tracked publishes to complete.
func (c *Context) awaitPublishes(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// waitIdle blocks until all submitted work has completed by submitting an
// empty batch with a fresh fence and waiting on it. Caller must hold the
// binding.
func (c *Context) waitIdle() error {
	if c.device == nil || c.queue == nil {
		return nil
	}
	f, err := c.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer c.device.DestroyFence(f)
	if err := c.queue.Submit(nil, f, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := c.device.Wait(f, 1, c.fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if !ok {
		return fmt.Errorf("wait: queue not idle after %v", c.fenceTimeout)
	}
	return nil
}

// deferFree keeps a command buffer submitted without a fence until later
// completed work proves the GPU is done with it.
func (c *Context) deferFree(cmdBuf hal.CommandBuffer) {
	c.orphanMu.Lock()
	c.orphans = append(c.orphans, cmdBuf)
	c.orphanMu.Unlock()
}

// freeOrphans frees command buffers held by deferFree. Call it only once
// work submitted after them has completed.
func (c *Context) freeOrphans(device hal.Device) {
	c.orphanMu.Lock()
	orphans := c.orphans
	c.orphans = nil
	c.orphanMu.Unlock()
	for _, cb := range orphans {
		device.FreeCommandBuffer(cb)
	}
}

// Shutdown destroys every slot, checked out or not, and the owned device.
// Subsequent operations fail with ErrContextClosed. Shutdown is idempotent.
//
// Publishes started with PublishAndRelease get up to the fence timeout to
// complete, so their callbacks see intact slots; the queue is then drained
// before anything is destroyed.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pools := c.pools
	c.pools = nil
	c.mu.Unlock()

	if !c.awaitPublishes(c.fenceTimeout) {
		Logger().Warn("overlay: shutdown with publishes in flight", "timeout", c.fenceTimeout)
	}

	labels := make([]string, 0, len(pools))
	for l := range pools {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	// Wait for the binding without a timeout; in-flight GPU calls finish first.
	if err := c.bound.Acquire(context.Background(), 1); err != nil {
		Logger().Error("overlay: shutdown could not bind context", "err", err)
		return
	}
	if err := c.waitIdle(); err != nil {
		Logger().Warn("overlay: queue did not drain before shutdown", "err", err)
	} else if c.device != nil {
		c.freeOrphans(c.device)
	}
	bctx := context.WithValue(context.Background(), bindKey{}, c)
	for _, l := range labels {
		pools[l].retire(bctx, true)
	}
	c.destroyDevice()
	c.bound.Release(1)

	Logger().Info("overlay: context shut down", "pools", len(labels))
}
