// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package pool provides BlockingPool, a generic fixed-capacity object pool
// with blocking, timed and context-aware acquisition.
//
// Every bounded resource queue in the overlay pipeline is a BlockingPool:
// the named render-slot pools of the GPU context, capture buffer rings and
// display layers. Items are constructed once, up front; the pool never grows.
//
// # Usage
//
//	p, err := pool.New(3, func() (*Frame, error) { return newFrame() },
//	    pool.WithName("capture"))
//	if err != nil {
//	    return err
//	}
//
//	f, ok := p.AcquireTimeout(10 * time.Millisecond)
//	if !ok {
//	    // Back-pressure: drop this frame and continue.
//	    return nil
//	}
//	defer p.Release(f)
//
// # Diagnostics
//
// A factory call that fails still consumes one unit of capacity. Such units
// are reported by [Stats.Invalid] and [Observer.OnInvalid] rather than
// silently reducing concurrency.
package pool
