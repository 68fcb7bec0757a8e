// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/overlay/pool"
)

// slotPool is one registered pool: the blocking pool of slots plus the
// template its buffers were allocated from.
type slotPool struct {
	label string
	desc  dmabuf.Descriptor
	pool  *pool.BlockingPool[*Slot]

	mu      sync.Mutex
	out     map[*Slot]bool
	retired bool
}

// RegisterPool creates capacity slots shaped like tmpl and registers them
// under label, replacing any pool registered there before.
//
// Every slot gets a freshly allocated buffer imported into the device.
// Slots that fail to construct count against capacity as invalid; the call
// fails only if none succeed. A failed call leaves no pool under label: a
// pool registered there before is retired as if replaced.
func (c *Context) RegisterPool(label string, capacity int, tmpl *dmabuf.Descriptor) error {
	c.mu.RLock()
	err := c.usableLocked()
	c.mu.RUnlock()
	if err != nil {
		return &PoolError{Label: label, Op: "register", Err: err}
	}
	if capacity <= 0 {
		return c.registerFailed(label, ErrInvalidCapacity)
	}
	if tmpl == nil {
		return c.registerFailed(label, ErrNilDescriptor)
	}
	if err := tmpl.Validate(); err != nil {
		return c.registerFailed(label, err)
	}
	if err := c.checkFormat(tmpl.Format); err != nil {
		return c.registerFailed(label, err)
	}

	sp := &slotPool{
		label: label,
		desc:  *tmpl,
		out:   make(map[*Slot]bool, capacity),
	}
	var old *slotPool
	ctx := context.Background()
	err = c.bind(ctx, func() error {
		bctx := context.WithValue(ctx, bindKey{}, c)
		p, err := pool.New(capacity, func() (*Slot, error) {
			return newSlot(bctx, c, sp)
		}, pool.WithName(label), pool.WithObserver(c.observer))
		if err != nil {
			c.dropPool(bctx, label)
			return err
		}
		sp.pool = p

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sp.retire(bctx, true)
			return ErrContextClosed
		}
		old = c.pools[label]
		c.pools[label] = sp
		c.mu.Unlock()

		if old != nil {
			old.retire(bctx, false)
		}
		return nil
	})
	if err != nil {
		return &PoolError{Label: label, Op: "register", Err: err}
	}

	stats := sp.pool.Stats()
	Logger().Info("overlay: pool registered",
		"label", label, "capacity", capacity, "invalid", stats.Invalid,
		"size", fmt.Sprintf("%dx%d", tmpl.Width, tmpl.Height), "format", tmpl.Format.String())
	if old != nil {
		Logger().Warn("overlay: pool replaced", "label", label)
	}
	return nil
}

// registerFailed rolls label back to having no pool and returns err as a
// registration error.
func (c *Context) registerFailed(label string, err error) error {
	ctx := context.Background()
	if berr := c.bindTimeout(ctx, 0, func() error {
		c.dropPool(context.WithValue(ctx, bindKey{}, c), label)
		return nil
	}); berr != nil {
		Logger().Error("overlay: rollback of failed registration abandoned", "label", label, "err", berr)
	}
	return &PoolError{Label: label, Op: "register", Err: err}
}

// dropPool unregisters and retires the pool under label, if any. ctx must
// carry the binding.
func (c *Context) dropPool(ctx context.Context, label string) {
	c.mu.Lock()
	old := c.pools[label]
	delete(c.pools, label)
	c.mu.Unlock()
	if old == nil {
		return
	}
	old.retire(ctx, false)
	Logger().Warn("overlay: pool dropped after failed registration", "label", label)
}

// lookup returns the pool registered under label.
func (c *Context) lookup(label string) (*slotPool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	sp, ok := c.pools[label]
	if !ok {
		return nil, ErrUnknownPool
	}
	return sp, nil
}

// AcquireSlot waits at most timeout for a free slot from the pool under
// label. An unknown label fails immediately with ErrUnknownPool. When the
// timeout expires the error satisfies IsTransient.
func (c *Context) AcquireSlot(label string, timeout time.Duration) (*Slot, error) {
	sp, err := c.lookup(label)
	if err != nil {
		return nil, &PoolError{Label: label, Op: "acquire", Err: err}
	}
	s, ok := sp.pool.AcquireTimeout(timeout)
	if !ok {
		return nil, &PoolError{Label: label, Op: "acquire", Err: c.unavailable()}
	}
	if !sp.checkout(s) {
		return nil, &PoolError{Label: label, Op: "acquire", Err: ErrUnavailable}
	}
	return s, nil
}

// AcquireSlotContext blocks until a slot is free or ctx is done.
func (c *Context) AcquireSlotContext(ctx context.Context, label string) (*Slot, error) {
	sp, err := c.lookup(label)
	if err != nil {
		return nil, &PoolError{Label: label, Op: "acquire", Err: err}
	}
	s, err := sp.pool.AcquireContext(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrClosed) {
			err = c.unavailable()
		}
		return nil, &PoolError{Label: label, Op: "acquire", Err: err}
	}
	if !sp.checkout(s) {
		return nil, &PoolError{Label: label, Op: "acquire", Err: ErrUnavailable}
	}
	return s, nil
}

// unavailable explains a failed acquisition: the context closed, or the
// pool was empty (or replaced while waiting).
func (c *Context) unavailable() error {
	if c.Closed() {
		return ErrContextClosed
	}
	return ErrUnavailable
}

// ReleaseSlot returns slot to the pool registered under label.
//
// A slot released under an unknown label is not returned anywhere: the
// misuse is logged, counted as a leaked slot, and the slot is torn down.
// Releasing a slot whose pool has since been replaced destroys it, as does
// releasing a slot whose publish failed; the latter counts as invalid in
// its pool.
func (c *Context) ReleaseSlot(label string, slot *Slot) error {
	return c.ReleaseSlotContext(context.Background(), label, slot)
}

// ReleaseSlotContext is ReleaseSlot for callers inside WithCurrent: a
// teardown it triggers reuses the binding carried by ctx.
func (c *Context) ReleaseSlotContext(ctx context.Context, label string, slot *Slot) error {
	if slot == nil {
		return &PoolError{Label: label, Op: "release", Err: ErrNilSlot}
	}
	sp, err := c.lookup(label)
	switch {
	case errors.Is(err, ErrUnknownPool):
		if owner := slot.owner; owner != nil && slot.ctx == c && owner.label == label && owner.isRetired() {
			// Its pool was dropped by a failed re-registration.
			if err := owner.release(ctx, slot); err != nil {
				return &PoolError{Label: label, Op: "release", Err: err}
			}
			return nil
		}
		Logger().Error("overlay: slot released to unknown pool", "label", label)
		c.observer.OnLeakedSlot(label)
		slot.destroy(ctx)
		return &PoolError{Label: label, Op: "release", Err: err}
	case err != nil:
		// Shutdown already destroyed it; destroy is a no-op then.
		slot.destroy(ctx)
		return &PoolError{Label: label, Op: "release", Err: err}
	}

	// Pools are only ever replaced under their own label, so a label match
	// within this context identifies the owner, current or retired.
	owner := slot.owner
	if owner == nil || slot.ctx != c || owner.label != label {
		c.observer.OnMisuse(label, ErrForeignSlot)
		Logger().Error("overlay: slot released to foreign pool", "label", label)
		return &PoolError{Label: label, Op: "release", Err: ErrForeignSlot}
	}
	if owner != sp {
		Logger().Debug("overlay: slot of replaced pool released", "label", label)
	}
	if err := owner.release(ctx, slot); err != nil {
		return &PoolError{Label: label, Op: "release", Err: err}
	}
	return nil
}

// PoolStats returns the occupancy of the pool under label.
func (c *Context) PoolStats(label string) (pool.Stats, error) {
	sp, err := c.lookup(label)
	if err != nil {
		return pool.Stats{}, &PoolError{Label: label, Op: "stats", Err: err}
	}
	return sp.pool.Stats(), nil
}

// checkout records s as handed out. It fails if the pool was retired
// between the pool hand-out and this call; s is destroyed by the
// retirement in that case.
func (sp *slotPool) checkout(s *Slot) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.retired {
		return false
	}
	sp.out[s] = true
	return true
}

func (sp *slotPool) isRetired() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.retired
}

// release returns s to the blocking pool. A failed slot is invalidated
// and destroyed instead, as is any slot of a retired pool.
func (sp *slotPool) release(ctx context.Context, s *Slot) error {
	sp.mu.Lock()
	if sp.retired {
		wasOut := sp.out[s]
		delete(sp.out, s)
		sp.mu.Unlock()
		if wasOut {
			s.destroy(ctx)
		}
		return nil
	}
	delete(sp.out, s)
	if s.failed.Load() {
		err := sp.pool.Invalidate(s, ErrSlotFailed)
		sp.mu.Unlock()
		if err != nil {
			return err
		}
		s.destroy(ctx)
		Logger().Warn("overlay: failed slot removed from pool", "label", sp.label)
		return nil
	}
	err := sp.pool.Release(s)
	sp.mu.Unlock()
	return err
}

// retire closes the pool and destroys its slots. With all set, checked-out
// slots are destroyed too; otherwise they are destroyed when released.
func (sp *slotPool) retire(ctx context.Context, all bool) {
	sp.mu.Lock()
	if sp.retired {
		sp.mu.Unlock()
		return
	}
	sp.retired = true
	slots := sp.pool.Close()
	var doomed []*Slot
	for _, s := range slots {
		if all || !sp.out[s] {
			doomed = append(doomed, s)
			delete(sp.out, s)
		}
	}
	sp.mu.Unlock()

	for _, s := range doomed {
		s.destroy(ctx)
	}
	Logger().Debug("overlay: pool retired", "label", sp.label, "destroyed", len(doomed), "outstanding", len(slots)-len(doomed))
}
