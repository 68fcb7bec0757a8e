// Package overlay renders UI content into GPU targets backed by shareable
// buffers, so a display pipeline can composite it over camera frames without
// a CPU copy.
//
// # Overview
//
// A [Context] owns the shared GPU rendering context and a registry of named
// pools. Each pool holds a fixed number of [Slot] values. A slot is a GPU
// render target whose memory is an exportable buffer ([dmabuf.Buffer]) that
// the display stage can scan out directly.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/overlay"
//	    "github.com/gogpu/overlay/dmabuf"
//	    "github.com/gogpu/overlay/fence"
//	)
//
//	c := overlay.NewContext()
//	if err := c.Err(); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Shutdown()
//
//	desc := dmabuf.NewDescriptor(1280, 720, dmabuf.FormatARGB8888)
//	if err := c.RegisterPool("ui", 3, &desc); err != nil {
//	    log.Fatal(err)
//	}
//
//	w := fence.NewWatcher()
//	defer w.Close()
//
//	slot, err := c.AcquireSlot("ui", 10*time.Millisecond)
//	if overlay.IsTransient(err) {
//	    return // display is behind; skip this frame
//	}
//	// draw into slot.PaintTarget() ...
//	err = c.PublishAndRelease(ctx, "ui", slot, w, func(s *overlay.Slot, err error) {
//	    display.Queue(s.Buffer())
//	})
//
// # Pool Discipline
//
// A slot handed to a consumer is returned to its pool only after the GPU
// has finished writing it, from the fence watcher callback. Acquisition is
// the only blocking point on the producer side and is bounded by a timeout;
// an exhausted pool is back-pressure, reported as [ErrUnavailable].
//
// # Shared Context
//
// GPU calls made for slots run while the shared context is bound. Painting
// collaborators bracket their own GPU work with [Context.WithCurrent]:
//
//	err := c.WithCurrent(ctx, func(ctx context.Context) error {
//	    painter.Draw(slot.PaintTarget())
//	    tok, err := slot.Publish(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    return w.Watch(tok, func(error) { c.ReleaseSlot("ui", slot) })
//	})
//
// # Failure Model
//
// No operation panics. Construction failures are recorded on the context
// and reported by [Context.Err]; every later operation fails closed.
// Misuse such as double or foreign release is returned as an error, logged
// and counted, and never corrupts a pool.
package overlay

// Version is the current version of the module.
const Version = "0.1.0"
