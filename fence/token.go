// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package fence

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// Token errors.
var (
	// ErrTokenClosed is returned when polling a token after Close.
	ErrTokenClosed = errors.New("fence: token closed")

	// ErrUnsupported is returned where sync_file tokens are not available.
	ErrUnsupported = errors.New("fence: not supported on this platform")

	// ErrNilFence is returned by FromHAL for a nil device or fence.
	ErrNilFence = errors.New("fence: nil device or fence")
)

// Token is a completion token for GPU work submitted by a producer.
//
// Poll never blocks. Wait blocks up to timeout. Close releases the
// underlying synchronization object; it is idempotent, and a closed token
// reports ErrTokenClosed.
type Token interface {
	Poll() (bool, error)
	Wait(timeout time.Duration) (bool, error)
	Close()
}

type signaledToken struct{}

func (signaledToken) Poll() (bool, error)              { return true, nil }
func (signaledToken) Wait(time.Duration) (bool, error) { return true, nil }
func (signaledToken) Close()                           {}

// Signaled returns a token that is already complete. It stands in for a
// real fence when the device has no fence support and the submission was
// made without one.
func Signaled() Token { return signaledToken{} }

// IsSignaledSentinel reports whether t is the token returned by Signaled.
func IsSignaledSentinel(t Token) bool {
	_, ok := t.(signaledToken)
	return ok
}

// halToken tracks a HAL fence reaching a target value.
type halToken struct {
	device hal.Device
	fence  hal.Fence
	value  uint64

	signaled atomic.Bool

	mu      sync.Mutex
	closed  bool
	onClose func()
}

// FromHAL returns a token that completes when fence reaches value on
// device. The token owns fence and destroys it on Close; onClose, if set,
// runs once afterwards to free whatever the submission kept alive (command
// buffers, staging resources).
func FromHAL(device hal.Device, f hal.Fence, value uint64, onClose func()) (Token, error) {
	if device == nil || f == nil {
		return nil, ErrNilFence
	}
	return &halToken{device: device, fence: f, value: value, onClose: onClose}, nil
}

func (t *halToken) Poll() (bool, error) {
	return t.Wait(0)
}

func (t *halToken) Wait(timeout time.Duration) (bool, error) {
	if t.signaled.Load() {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrTokenClosed
	}
	ok, err := t.device.Wait(t.fence, t.value, timeout)
	if err != nil {
		return false, err
	}
	if ok {
		t.signaled.Store(true)
	}
	return ok, nil
}

func (t *halToken) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.device.DestroyFence(t.fence)
	t.fence = nil
	if t.onClose != nil {
		t.onClose()
		t.onClose = nil
	}
}
