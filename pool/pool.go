// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pool errors.
var (
	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool: closed")

	// ErrInvalidCapacity is returned by New for capacity <= 0.
	ErrInvalidCapacity = errors.New("pool: capacity must be positive")

	// ErrNilFactory is returned by New when no factory is supplied.
	ErrNilFactory = errors.New("pool: nil factory")

	// ErrNoValidItems is returned by New when every factory call failed.
	ErrNoValidItems = errors.New("pool: factory produced no valid items")

	// ErrForeignItem is returned when releasing an item this pool never produced.
	ErrForeignItem = errors.New("pool: release of foreign item")

	// ErrDoubleRelease is returned when releasing an item that is already free.
	ErrDoubleRelease = errors.New("pool: double release")

	errDuplicateItem = errors.New("pool: factory returned duplicate item")
)

// Factory constructs one pool item. A non-nil error marks the unit invalid:
// it still counts against capacity but is never handed out.
type Factory[T any] func() (T, error)

// Stats is a snapshot of pool occupancy.
// While the pool is open, Free + InUse + Invalid equals Capacity.
type Stats struct {
	Capacity int
	Free     int
	InUse    int
	Invalid  int
	Timeouts uint64
	Misuses  uint64
}

// String returns a compact human-readable form of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[cap=%d free=%d in_use=%d invalid=%d timeouts=%d misuses=%d]",
		s.Capacity, s.Free, s.InUse, s.Invalid, s.Timeouts, s.Misuses)
}

// itemState tracks where a produced item currently is.
type itemState uint8

const (
	itemFree itemState = iota + 1
	itemOut
)

// BlockingPool is a fixed-capacity pool of pre-constructed items with
// blocking and timed acquisition.
//
// Items are constructed eagerly by New and never grow in number. Free items
// live in a buffered channel, so a release wakes exactly one blocked waiter.
// Hand-out order among waiters is unspecified.
//
// BlockingPool is safe for concurrent use.
type BlockingPool[T comparable] struct {
	free     chan T
	done     chan struct{}
	capacity int
	invalid  int
	name     string
	observer Observer

	mu       sync.Mutex
	items    map[T]itemState
	closed   bool
	timeouts uint64
	misuses  uint64
}

// New creates a pool of capacity items, calling factory capacity times.
//
// Factory failures are counted as invalid units and reported to the
// observer. New fails only for a non-positive capacity, a nil factory, or
// when no factory call produced a usable item.
func New[T comparable](capacity int, factory Factory[T], opts ...Option) (*BlockingPool[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if factory == nil {
		return nil, ErrNilFactory
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	p := &BlockingPool[T]{
		free:     make(chan T, capacity),
		done:     make(chan struct{}),
		capacity: capacity,
		name:     o.name,
		observer: o.observer,
		items:    make(map[T]itemState, capacity),
	}

	var firstErr error
	for i := 0; i < capacity; i++ {
		item, err := factory()
		if err != nil {
			p.invalid++
			if firstErr == nil {
				firstErr = err
			}
			p.observer.OnInvalid(o.name, err)
			continue
		}
		if _, dup := p.items[item]; dup {
			p.invalid++
			if firstErr == nil {
				firstErr = errDuplicateItem
			}
			p.observer.OnInvalid(o.name, errDuplicateItem)
			continue
		}
		p.items[item] = itemFree
		p.free <- item
	}

	if p.invalid == capacity {
		return nil, fmt.Errorf("%w: %w", ErrNoValidItems, firstErr)
	}
	p.observer.OnOccupancy(p.name, p.statsLocked())
	return p, nil
}

// Acquire blocks until an item is available.
// It returns ErrClosed if the pool is closed while waiting.
func (p *BlockingPool[T]) Acquire() (T, error) {
	return p.AcquireContext(context.Background())
}

// AcquireTimeout waits at most timeout for an item. The boolean is false when
// the wait expired or the pool is closed; callers should treat that as
// temporary unavailability.
func (p *BlockingPool[T]) AcquireTimeout(timeout time.Duration) (T, bool) {
	var zero T
	if timeout <= 0 {
		select {
		case item := <-p.free:
			return p.checkout(item)
		default:
			p.noteTimeout()
			return zero, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-p.free:
		return p.checkout(item)
	case <-p.done:
		return zero, false
	case <-timer.C:
		// A release may have raced the timer.
		select {
		case item := <-p.free:
			return p.checkout(item)
		default:
		}
		p.noteTimeout()
		return zero, false
	}
}

// AcquireContext blocks until an item is available or ctx is done.
func (p *BlockingPool[T]) AcquireContext(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-p.free:
		if got, ok := p.checkout(item); ok {
			return got, nil
		}
		return zero, ErrClosed
	case <-p.done:
		return zero, ErrClosed
	case <-ctx.Done():
		p.noteTimeout()
		return zero, ctx.Err()
	}
}

// checkout marks item as in use. It returns false if the pool was closed
// between the channel receive and the bookkeeping.
func (p *BlockingPool[T]) checkout(item T) (T, bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		return zero, false
	}
	p.items[item] = itemOut
	stats := p.statsLocked()
	p.mu.Unlock()

	p.observer.OnAcquire(p.name)
	p.observer.OnOccupancy(p.name, stats)
	return item, true
}

// Release returns item to the free set and wakes one waiter.
//
// Releasing an item the pool never produced returns ErrForeignItem and
// releasing a free item returns ErrDoubleRelease; neither modifies the pool.
// Release on a closed pool is accepted and ignored.
func (p *BlockingPool[T]) Release(item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	state, ok := p.items[item]
	var err error
	switch {
	case !ok:
		err = ErrForeignItem
	case state == itemFree:
		err = ErrDoubleRelease
	}
	if err != nil {
		p.misuses++
		p.mu.Unlock()
		p.observer.OnMisuse(p.name, err)
		return err
	}
	p.items[item] = itemFree
	stats := p.statsLocked()
	// The channel holds at most capacity items, so this never blocks.
	p.free <- item
	p.mu.Unlock()

	p.observer.OnRelease(p.name)
	p.observer.OnOccupancy(p.name, stats)
	return nil
}

// Invalidate takes a checked-out item out of service. The item counts as an
// invalid unit from then on, so capacity is preserved, and it is no longer
// returned by Close; the caller owns its destruction.
//
// Invalidating a free item or one the pool never produced is a misuse and
// leaves the pool unchanged. Invalidate on a closed pool is ignored.
func (p *BlockingPool[T]) Invalidate(item T, reason error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	state, ok := p.items[item]
	var err error
	switch {
	case !ok:
		err = ErrForeignItem
	case state == itemFree:
		err = ErrDoubleRelease
	}
	if err != nil {
		p.misuses++
		p.mu.Unlock()
		p.observer.OnMisuse(p.name, err)
		return err
	}
	delete(p.items, item)
	p.invalid++
	stats := p.statsLocked()
	p.mu.Unlock()

	p.observer.OnInvalid(p.name, reason)
	p.observer.OnOccupancy(p.name, stats)
	return nil
}

// Free returns the number of items currently available.
func (p *BlockingPool[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(itemFree)
}

// InUse returns the number of items currently checked out.
func (p *BlockingPool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(itemOut)
}

// Capacity returns the capacity fixed at construction.
func (p *BlockingPool[T]) Capacity() int { return p.capacity }

// Stats returns a consistent occupancy snapshot.
func (p *BlockingPool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Closed reports whether Close has been called.
func (p *BlockingPool[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close wakes all waiters and returns every valid item the pool produced,
// free or checked out, so the owner can destroy them. Subsequent calls
// return nil.
func (p *BlockingPool[T]) Close() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	all := make([]T, 0, len(p.items))
	for item := range p.items {
		all = append(all, item)
	}
	// Drain so no late receiver can observe an item after close.
drainLoop:
	for {
		select {
		case <-p.free:
		default:
			break drainLoop
		}
	}
	p.items = map[T]itemState{}
	return all
}

func (p *BlockingPool[T]) noteTimeout() {
	p.mu.Lock()
	p.timeouts++
	p.mu.Unlock()
	p.observer.OnTimeout(p.name)
}

// countLocked counts items in state s. Caller must hold mu.
func (p *BlockingPool[T]) countLocked(s itemState) int {
	n := 0
	for _, st := range p.items {
		if st == s {
			n++
		}
	}
	return n
}

// statsLocked builds a snapshot. Caller must hold mu.
func (p *BlockingPool[T]) statsLocked() Stats {
	free := p.countLocked(itemFree)
	inUse := p.countLocked(itemOut)
	return Stats{
		Capacity: p.capacity,
		Free:     free,
		InUse:    inUse,
		Invalid:  p.invalid,
		Timeouts: p.timeouts,
		Misuses:  p.misuses,
	}
}
