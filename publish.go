// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"context"
	"errors"

	"github.com/gogpu/overlay/fence"
)

// PublishAndRelease publishes slot and returns it to the pool under label
// once the GPU has finished with it.
//
// onSignaled, if non-nil, runs before the release, off the caller's
// goroutine, where the buffer may be handed to the display stage. It gets
// ErrContextClosed if the context was shut down and the slot destroyed
// first. The slot is never released before its token signals. If Publish
// fails the slot was never handed off and is released immediately; a slot
// whose publish failed is taken out of service by that release.
//
// If w is nil or refuses the token (it has been closed), a goroutine waits
// for up to the fence timeout instead; PublishAndRelease never blocks on
// the GPU, so the binding carried by ctx is not held across the wait. A
// slot whose work does not complete in that time stays checked out and is
// counted as leaked.
func (c *Context) PublishAndRelease(ctx context.Context, label string, slot *Slot, w *fence.Watcher, onSignaled func(*Slot, error)) error {
	if slot == nil {
		return &PoolError{Label: label, Op: "publish", Err: ErrNilSlot}
	}
	tok, err := slot.Publish(ctx)
	if err != nil {
		if rerr := c.ReleaseSlotContext(ctx, label, slot); rerr != nil {
			Logger().Error("overlay: release after failed publish", "label", label, "err", rerr)
		}
		return err
	}

	done := c.trackPublish()
	// finish never runs on a goroutine holding the binding.
	finish := func(err error) {
		defer done()
		if err == nil && slot.State() == StateDestroyed {
			err = ErrContextClosed
		}
		if onSignaled != nil {
			onSignaled(slot, err)
		}
		if rerr := c.ReleaseSlot(label, slot); rerr != nil && !errors.Is(rerr, ErrContextClosed) {
			Logger().Error("overlay: release after publish", "label", label, "err", rerr)
		}
	}

	if w != nil {
		werr := w.Watch(tok, finish)
		if werr == nil {
			return nil
		}
		Logger().Warn("overlay: watcher refused publish, waiting in background", "label", label, "err", werr)
	}
	go func() {
		ok, err := tok.Wait(c.fenceTimeout)
		switch {
		case err != nil:
			tok.Close()
			finish(err)
		case ok:
			tok.Close()
			finish(nil)
		default:
			// The token stays open: closing it would free a command buffer
			// the GPU may still be reading.
			done()
			c.observer.OnLeakedSlot(label)
			Logger().Error("overlay: publish did not complete, slot withheld", "label", label, "timeout", c.fenceTimeout)
		}
	}()
	return nil
}
