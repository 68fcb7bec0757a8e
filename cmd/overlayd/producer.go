// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/overlay"
	"github.com/gogpu/overlay/config"
	"github.com/gogpu/overlay/fence"
	"github.com/gogpu/wgpu/hal"
)

// producer renders frames into one pool at a fixed rate. A frame for which
// no slot is free is skipped.
type producer struct {
	ctx    *overlay.Context
	w      *fence.Watcher
	cfg    config.ProducerConfig
	logger *slog.Logger

	frames    atomic.Int64
	skipped   atomic.Int64
	displayed atomic.Int64
}

func newProducer(c *overlay.Context, w *fence.Watcher, cfg config.ProducerConfig, logger *slog.Logger) *producer {
	return &producer{ctx: c, w: w, cfg: cfg, logger: logger}
}

// Frames returns the number of frames published.
func (p *producer) Frames() int64 { return p.frames.Load() }

// Skipped returns the number of frames dropped for lack of a free slot.
func (p *producer) Skipped() int64 { return p.skipped.Load() }

// Displayed returns the number of frames whose GPU work completed.
func (p *producer) Displayed() int64 { return p.displayed.Load() }

// Run produces frames until ctx is done or the frame limit is reached.
func (p *producer) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(p.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; p.cfg.Frames == 0 || n < p.cfg.Frames; n++ {
		if err := p.frame(ctx, n); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (p *producer) frame(ctx context.Context, n int) error {
	label := p.cfg.Pool
	slot, err := p.ctx.AcquireSlot(label, p.cfg.AcquireTimeout)
	if err != nil {
		if overlay.IsTransient(err) {
			p.skipped.Add(1)
			p.logger.Debug("overlayd: frame skipped", "frame", n, "pool", label)
			return nil
		}
		return err
	}

	err = p.ctx.WithCurrent(ctx, func(bctx context.Context) error {
		if err := p.paint(slot, n); err != nil {
			if rerr := p.ctx.ReleaseSlotContext(bctx, label, slot); rerr != nil {
				p.logger.Error("overlayd: release after paint failure", "err", rerr)
			}
			return err
		}
		return p.ctx.PublishAndRelease(bctx, label, slot, p.w, p.display(n))
	})
	if err != nil {
		return fmt.Errorf("overlayd: frame %d: %w", n, err)
	}
	p.frames.Add(1)
	return nil
}

// display hands a completed frame to the display stage.
func (p *producer) display(n int) func(*overlay.Slot, error) {
	return func(slot *overlay.Slot, err error) {
		if err != nil {
			p.logger.Warn("overlayd: frame not displayed", "frame", n, "err", err)
			return
		}
		buf := slot.Buffer()
		if buf == nil {
			p.logger.Warn("overlayd: frame not displayed", "frame", n, "err", overlay.ErrNoBuffer)
			return
		}
		p.displayed.Add(1)
		p.logger.Debug("overlayd: frame ready", "frame", n, "fd", buf.FD(), "pitch", buf.Pitch())
	}
}

// paint clears the slot's paint target to a color that cycles with the
// frame number. It runs with the shared context bound. On a device without
// fences the clear is skipped, since its command buffer could never be
// freed safely.
func (p *producer) paint(slot *overlay.Slot, n int) error {
	pt := slot.PaintTarget()
	if pt == nil {
		return overlay.ErrNoPaintTarget
	}
	device, queue := p.ctx.Device(), p.ctx.Queue()

	f, err := device.CreateFence()
	if err != nil {
		p.logger.Debug("overlayd: clear skipped", "frame", n, "err", err)
		return nil
	}
	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "overlayd_paint"})
	if err != nil {
		device.DestroyFence(f)
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("overlayd_paint"); err != nil {
		encoder.DiscardEncoding()
		device.DestroyFence(f)
		return fmt.Errorf("begin encoding: %w", err)
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "overlayd_clear",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       pt.View(),
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: frameColor(n),
		}},
	})
	rp.End()
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		device.DestroyFence(f)
		return fmt.Errorf("end encoding: %w", err)
	}
	// Queue order puts the clear ahead of the publish resolve.
	if err := queue.Submit([]hal.CommandBuffer{cmdBuf}, f, 1); err != nil {
		device.DestroyFence(f)
		device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("submit: %w", err)
	}
	tok, err := fence.FromHAL(device, f, 1, func() { device.FreeCommandBuffer(cmdBuf) })
	if err != nil {
		return fmt.Errorf("track clear: %w", err)
	}
	p.retire(tok)
	return nil
}

// retire closes tok once it signals, freeing the submission it tracks.
func (p *producer) retire(tok fence.Token) {
	if p.w != nil && p.w.Watch(tok, func(error) {}) == nil {
		return
	}
	go func() {
		ok, err := tok.Wait(p.ctx.FenceTimeout())
		if err != nil || !ok {
			p.logger.Warn("overlayd: clear did not complete", "ok", ok, "err", err)
			return
		}
		tok.Close()
	}()
}

// palette is cycled through one entry per frame.
var palette = [...]gputypes.Color{
	{R: 0.9, G: 0.2, B: 0.2, A: 1},
	{R: 0.9, G: 0.6, B: 0.1, A: 1},
	{R: 0.2, G: 0.8, B: 0.3, A: 1},
	{R: 0.1, G: 0.6, B: 0.9, A: 1},
	{R: 0.5, G: 0.3, B: 0.9, A: 1},
}

func frameColor(n int) gputypes.Color {
	return palette[n%len(palette)]
}
