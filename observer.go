// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"time"

	"github.com/gogpu/overlay/pool"
)

// Observer receives registry and slot events. metrics.Collector implements
// it. Implementations must be safe for concurrent use and must not block.
type Observer interface {
	pool.Observer

	// OnLeakedSlot is called when a slot is released under a label with no
	// registered pool and is torn down instead of being reused.
	OnLeakedSlot(label string)

	// OnPublish is called after every Publish attempt.
	OnPublish(label string, latency time.Duration, err error)
}

type nopObserver struct {
	pool.NopObserver
}

func (nopObserver) OnLeakedSlot(string)                    {}
func (nopObserver) OnPublish(string, time.Duration, error) {}
