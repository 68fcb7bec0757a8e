// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/overlay/fence"
	"github.com/gogpu/wgpu/hal"
)

// SlotState is the lifecycle state of a Slot.
type SlotState int32

const (
	StateUninitialized SlotState = iota
	StateImporting
	StateReady
	StatePublishing
	StateDestroyed
)

// String returns the state name.
func (s SlotState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateImporting:
		return "Importing"
	case StateReady:
		return "Ready"
	case StatePublishing:
		return "Publishing"
	case StateDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// PaintTarget is the multisampled surface drawing collaborators render
// into. Publish resolves it into the slot's buffer.
type PaintTarget struct {
	texture     hal.Texture
	view        hal.TextureView
	width       uint32
	height      uint32
	format      gputypes.TextureFormat
	sampleCount uint32
}

// Texture returns the multisampled texture.
func (p *PaintTarget) Texture() hal.Texture { return p.texture }

// View returns the render attachment view.
func (p *PaintTarget) View() hal.TextureView { return p.view }

// Width returns the target width in pixels.
func (p *PaintTarget) Width() uint32 { return p.width }

// Height returns the target height in pixels.
func (p *PaintTarget) Height() uint32 { return p.height }

// Format returns the texture format.
func (p *PaintTarget) Format() gputypes.TextureFormat { return p.format }

// SampleCount returns the MSAA sample count.
func (p *PaintTarget) SampleCount() uint32 { return p.sampleCount }

// Slot is one GPU render target backed by an external buffer.
//
// A slot holds five handles: the buffer, the GPU image imported from it,
// a sampled texture view of the image, a blit view of the image used as
// resolve target, and the paint target. It is valid only when all five are
// present. A slot has one producer at a time, enforced by pool checkout.
type Slot struct {
	ctx    *Context
	owner  *slotPool
	state  atomic.Int32
	failed atomic.Bool

	mu      sync.Mutex
	buffer  *dmabuf.Buffer
	image   hal.Texture
	texture hal.TextureView
	blit    hal.TextureView
	paint   *PaintTarget
}

// newSlot allocates a buffer shaped like sp's template and imports it.
// ctx must carry the binding. On failure everything created so far is torn
// down and the error is returned.
func newSlot(ctx context.Context, c *Context, sp *slotPool) (*Slot, error) {
	s := &Slot{ctx: c, owner: sp}
	s.state.Store(int32(StateImporting))

	if err := s.build(sp.desc); err != nil {
		s.destroy(ctx)
		Logger().Warn("overlay: slot construction failed", "label", sp.label, "err", err)
		return nil, err
	}
	s.state.Store(int32(StateReady))
	return s, nil
}

func (s *Slot) build(desc dmabuf.Descriptor) error {
	c := s.ctx
	label := s.owner.label

	buf, err := c.allocator.Allocate(desc)
	if err != nil {
		return fmt.Errorf("allocate buffer: %w", err)
	}
	s.buffer = buf

	format, ok := desc.Format.TextureFormat()
	if !ok {
		return &CapabilityError{Format: desc.Format, Reason: "no GPU texture format"}
	}
	w, h := uint32(desc.Width), uint32(desc.Height)

	image, err := c.importer.ImportDMABuf(buf, &hal.TextureDescriptor{
		Label:         label + "_image",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage: gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("import buffer: %w", err)
	}
	s.image = image

	texture, err := c.device.CreateTextureView(image, &hal.TextureViewDescriptor{Label: label + "_texture"})
	if err != nil {
		return fmt.Errorf("create texture view: %w", err)
	}
	s.texture = texture

	blit, err := c.device.CreateTextureView(image, &hal.TextureViewDescriptor{Label: label + "_blit"})
	if err != nil {
		return fmt.Errorf("create blit view: %w", err)
	}
	s.blit = blit

	paintTex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label + "_paint",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   c.sampleCount,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fmt.Errorf("create paint texture: %w", err)
	}
	paintView, err := c.device.CreateTextureView(paintTex, &hal.TextureViewDescriptor{Label: label + "_paint_view"})
	if err != nil {
		c.device.DestroyTexture(paintTex)
		return fmt.Errorf("create paint view: %w", err)
	}
	s.paint = &PaintTarget{
		texture:     paintTex,
		view:        paintView,
		width:       w,
		height:      h,
		format:      format,
		sampleCount: c.sampleCount,
	}
	return nil
}

// State returns the lifecycle state.
func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

// Valid reports whether all five handles are present and no publish has
// failed on the slot.
func (s *Slot) Valid() bool { return s.Validate() == nil }

// Validate returns nil for a valid slot, or the joined errors naming every
// missing handle.
func (s *Slot) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.failed.Load() {
		errs = append(errs, ErrSlotFailed)
	}
	if s.buffer == nil {
		errs = append(errs, ErrNoBuffer)
	}
	if s.image == nil {
		errs = append(errs, ErrNoImage)
	}
	if s.texture == nil {
		errs = append(errs, ErrNoTexture)
	}
	if s.blit == nil {
		errs = append(errs, ErrNoBlitTarget)
	}
	if s.paint == nil {
		errs = append(errs, ErrNoPaintTarget)
	}
	return errors.Join(errs...)
}

// PaintTarget returns the target to draw into, or nil after teardown.
func (s *Slot) PaintTarget() *PaintTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paint
}

// Buffer returns the shared buffer for display collaborators, or nil after
// teardown. Holders beyond the slot's lifetime must call Ref.
func (s *Slot) Buffer() *dmabuf.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Texture returns the sampled view of the imported image.
func (s *Slot) Texture() hal.TextureView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texture
}

// Label returns the label of the pool the slot belongs to.
func (s *Slot) Label() string { return s.owner.label }

// Width returns the buffer width, or zero after teardown.
func (s *Slot) Width() int {
	if b := s.Buffer(); b != nil {
		return b.Width()
	}
	return 0
}

// Height returns the buffer height, or zero after teardown.
func (s *Slot) Height() int {
	if b := s.Buffer(); b != nil {
		return b.Height()
	}
	return 0
}

// Publish resolves the paint target into the buffer-backed image and
// returns a token that signals when the GPU has finished.
//
// The returned token owns the submission's fence and command buffer; hand
// it to a fence.Watcher, which closes it. The slot and its buffer must not
// be reused until the token has signaled. A slot that is not Ready, or whose
// publish is already in progress, yields an error and no token.
//
// If encoding or submission fails the slot is marked failed: its buffer
// content is unknown, so releasing it takes it out of service instead of
// back into the pool. An unavailable fence in FenceRequired mode does not
// fail the slot.
func (s *Slot) Publish(ctx context.Context) (fence.Token, error) {
	if s.failed.Load() {
		return nil, ErrSlotFailed
	}
	if !s.state.CompareAndSwap(int32(StateReady), int32(StatePublishing)) {
		st := s.State()
		if st == StatePublishing {
			return nil, ErrSlotBusy
		}
		return nil, fmt.Errorf("%w: %s", ErrSlotNotReady, st)
	}
	defer s.state.CompareAndSwap(int32(StatePublishing), int32(StateReady))

	c := s.ctx
	start := time.Now()
	var (
		tok        fence.Token
		resolveErr error
	)
	err := c.bind(ctx, func() error {
		tok, resolveErr = s.resolve()
		return resolveErr
	})
	c.observer.OnPublish(s.owner.label, time.Since(start), err)
	if resolveErr != nil && !errors.Is(resolveErr, ErrNoFence) {
		s.failed.Store(true)
		Logger().Warn("overlay: publish failed, slot out of service", "label", s.owner.label, "err", resolveErr)
		return nil, fmt.Errorf("overlay: publish %q: %w: %w", s.owner.label, ErrSlotFailed, resolveErr)
	}
	if err != nil {
		return nil, fmt.Errorf("overlay: publish %q: %w", s.owner.label, err)
	}
	return tok, nil
}

// resolve encodes and submits the resolve pass. Caller must hold the
// binding.
func (s *Slot) resolve() (fence.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == nil || s.image == nil || s.texture == nil || s.blit == nil || s.paint == nil {
		return nil, ErrSlotNotReady
	}

	c := s.ctx
	label := s.owner.label
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label + "_publish_encoder",
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label + "_publish"); err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("begin encoding: %w", err)
	}

	// Load what the painter drew and resolve it into the imported image.
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: label + "_resolve_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:          s.paint.view,
			ResolveTarget: s.blit,
			LoadOp:        gputypes.LoadOpLoad,
			StoreOp:       gputypes.StoreOpStore,
			ClearValue:    gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("end encoding: %w", err)
	}

	f, err := c.device.CreateFence()
	if err != nil {
		if c.fenceMode == FenceRequired {
			c.device.FreeCommandBuffer(cmdBuf)
			return nil, fmt.Errorf("%w: %w", ErrNoFence, err)
		}
		if err := c.queue.Submit([]hal.CommandBuffer{cmdBuf}, nil, 0); err != nil {
			c.device.FreeCommandBuffer(cmdBuf)
			return nil, fmt.Errorf("submit: %w", err)
		}
		// Nothing signals this submission's completion. Its command buffer
		// is freed once later fenced work completes, or at shutdown.
		c.deferFree(cmdBuf)
		Logger().Warn("overlay: fence unavailable, publishing without sync", "label", label, "err", err)
		return fence.Signaled(), nil
	}

	if err := c.queue.Submit([]hal.CommandBuffer{cmdBuf}, f, 1); err != nil {
		c.device.DestroyFence(f)
		c.device.FreeCommandBuffer(cmdBuf)
		return nil, fmt.Errorf("submit: %w", err)
	}
	device := c.device
	return fence.FromHAL(device, f, 1, func() {
		device.FreeCommandBuffer(cmdBuf)
		c.freeOrphans(device)
	})
}

// Destroy tears the slot down under the shared context binding. It is
// idempotent and must not be called inside WithCurrent. A pooled slot
// should be released to its pool instead; its pool destroys it on
// retirement and shutdown.
func (s *Slot) Destroy() {
	s.destroy(context.Background())
}

// destroy tears down paint target, blit target, texture, image and buffer
// in that order. Every step tolerates a missing handle, so partially built
// slots tear down safely.
func (s *Slot) destroy(ctx context.Context) {
	if SlotState(s.state.Swap(int32(StateDestroyed))) == StateDestroyed {
		return
	}
	// Teardown waits for the binding without a timeout.
	err := s.ctx.bindTimeout(ctx, 0, func() error {
		s.teardown()
		return nil
	})
	if err != nil {
		Logger().Error("overlay: slot teardown abandoned", "label", s.owner.label, "err", err)
	}
}

func (s *Slot) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	device := s.ctx.device

	if s.paint != nil {
		if device != nil {
			if s.paint.view != nil {
				device.DestroyTextureView(s.paint.view)
			}
			if s.paint.texture != nil {
				device.DestroyTexture(s.paint.texture)
			}
		}
		s.paint = nil
	}
	if s.blit != nil {
		if device != nil {
			device.DestroyTextureView(s.blit)
		}
		s.blit = nil
	}
	if s.texture != nil {
		if device != nil {
			device.DestroyTextureView(s.texture)
		}
		s.texture = nil
	}
	if s.image != nil {
		if device != nil {
			device.DestroyTexture(s.image)
		}
		s.image = nil
	}
	if s.buffer != nil {
		if err := s.buffer.Unref(); err != nil {
			Logger().Warn("overlay: buffer release failed", "label", s.owner.label, "err", err)
		}
		s.buffer = nil
	}
}
