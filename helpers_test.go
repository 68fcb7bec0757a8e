// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build linux

package overlay

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/overlay/internal/emulate"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device and queue for testing.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

// labeledTexture and labeledView carry the descriptor label so teardown
// order can be checked.
type labeledTexture struct {
	hal.Texture
	label string
}

type labeledView struct {
	hal.TextureView
	label string
}

// recordingDevice wraps a HAL device, records destroyed resources by label
// and injects failures.
type recordingDevice struct {
	hal.Device

	mu        sync.Mutex
	destroyed []string

	failViewSuffix string
	failFence      atomic.Bool
	failEncoder    atomic.Bool
	freedCmds      atomic.Int32

	// fenceDelay, if set, delays each new fence's completion by the
	// duration it returns.
	fenceDelay func() time.Duration
}

func newRecordingDevice(t *testing.T) (*recordingDevice, hal.Queue) {
	t.Helper()
	device, queue := createNoopDevice(t)
	return &recordingDevice{Device: device}, &recordingQueue{Queue: queue}
}

func (d *recordingDevice) record(label string) {
	d.mu.Lock()
	d.destroyed = append(d.destroyed, label)
	d.mu.Unlock()
}

func (d *recordingDevice) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

func (d *recordingDevice) Reset() {
	d.mu.Lock()
	d.destroyed = nil
	d.mu.Unlock()
}

func (d *recordingDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	tex, err := d.Device.CreateTexture(desc)
	if err != nil {
		return nil, err
	}
	return &labeledTexture{Texture: tex, label: desc.Label}, nil
}

func (d *recordingDevice) DestroyTexture(tex hal.Texture) {
	if lt, ok := tex.(*labeledTexture); ok {
		d.record(lt.label)
		d.Device.DestroyTexture(lt.Texture)
		return
	}
	d.Device.DestroyTexture(tex)
}

func (d *recordingDevice) CreateTextureView(tex hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	if d.failViewSuffix != "" && strings.HasSuffix(desc.Label, d.failViewSuffix) {
		return nil, errors.New("injected view failure")
	}
	if lt, ok := tex.(*labeledTexture); ok {
		tex = lt.Texture
	}
	view, err := d.Device.CreateTextureView(tex, desc)
	if err != nil {
		return nil, err
	}
	return &labeledView{TextureView: view, label: desc.Label}, nil
}

func (d *recordingDevice) DestroyTextureView(view hal.TextureView) {
	if lv, ok := view.(*labeledView); ok {
		d.record(lv.label)
		d.Device.DestroyTextureView(lv.TextureView)
		return
	}
	d.Device.DestroyTextureView(view)
}

func (d *recordingDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	if d.failEncoder.Load() {
		return nil, errors.New("injected encoder failure")
	}
	return d.Device.CreateCommandEncoder(desc)
}

func (d *recordingDevice) FreeCommandBuffer(cmdBuf hal.CommandBuffer) {
	d.freedCmds.Add(1)
	d.Device.FreeCommandBuffer(cmdBuf)
}

// delayedFence completes no earlier than readyAt.
type delayedFence struct {
	hal.Fence
	readyAt time.Time
}

func unwrapFence(f hal.Fence) hal.Fence {
	if df, ok := f.(*delayedFence); ok {
		return df.Fence
	}
	return f
}

func (d *recordingDevice) CreateFence() (hal.Fence, error) {
	if d.failFence.Load() {
		return nil, errors.New("injected fence failure")
	}
	f, err := d.Device.CreateFence()
	if err != nil || d.fenceDelay == nil {
		return f, err
	}
	return &delayedFence{Fence: f, readyAt: time.Now().Add(d.fenceDelay())}, nil
}

func (d *recordingDevice) Wait(f hal.Fence, value uint64, timeout time.Duration) (bool, error) {
	if df, ok := f.(*delayedFence); ok {
		if remaining := time.Until(df.readyAt); remaining > 0 {
			if remaining > timeout {
				time.Sleep(timeout)
				return false, nil
			}
			time.Sleep(remaining)
		}
	}
	return d.Device.Wait(unwrapFence(f), value, timeout)
}

func (d *recordingDevice) DestroyFence(f hal.Fence) {
	d.Device.DestroyFence(unwrapFence(f))
}

// recordingQueue unwraps fences made by recordingDevice.
type recordingQueue struct {
	hal.Queue
}

func (q *recordingQueue) Submit(cmds []hal.CommandBuffer, f hal.Fence, value uint64) error {
	return q.Queue.Submit(cmds, unwrapFence(f), value)
}

// flakyImporter fails selected import calls and keeps every buffer it saw.
type flakyImporter struct {
	inner  *emulate.Importer
	failOn map[int]bool

	mu    sync.Mutex
	calls int
	bufs  []*dmabuf.Buffer
}

func (f *flakyImporter) QueryDMABufFormats() ([]dmabuf.Format, error) {
	return f.inner.QueryDMABufFormats()
}

func (f *flakyImporter) ImportDMABuf(buf *dmabuf.Buffer, desc *hal.TextureDescriptor) (hal.Texture, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.bufs = append(f.bufs, buf)
	f.mu.Unlock()
	if f.failOn[n] || f.failOn[0] {
		return nil, errors.New("injected import failure")
	}
	return f.inner.ImportDMABuf(buf, desc)
}

func (f *flakyImporter) Buffers() []*dmabuf.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dmabuf.Buffer(nil), f.bufs...)
}

type recordingObserver struct {
	nopObserver
	misuse    atomic.Int32
	leaked    atomic.Int32
	publishes atomic.Int32
	failures  atomic.Int32
}

func (o *recordingObserver) OnMisuse(string, error) { o.misuse.Add(1) }
func (o *recordingObserver) OnLeakedSlot(string)    { o.leaked.Add(1) }
func (o *recordingObserver) OnPublish(_ string, _ time.Duration, err error) {
	if err != nil {
		o.failures.Add(1)
		return
	}
	o.publishes.Add(1)
}

// newTestContext builds a context on device with emulated import.
// It is shut down when the test ends.
func newTestContext(t *testing.T, device hal.Device, queue hal.Queue, opts ...ContextOption) *Context {
	t.Helper()
	base := []ContextOption{
		WithDevice(device, queue),
		WithEmulatedImport(),
		WithBindTimeout(time.Second),
	}
	c := NewContext(append(base, opts...)...)
	if err := c.Err(); err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func rgbaDescriptor(w, h int) *dmabuf.Descriptor {
	d := dmabuf.NewDescriptor(w, h, dmabuf.FormatABGR8888)
	return &d
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within %v", within)
		}
		time.Sleep(time.Millisecond)
	}
}
