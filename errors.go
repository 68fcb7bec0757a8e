// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package overlay

import (
	"errors"
	"fmt"

	"github.com/gogpu/overlay/dmabuf"
)

// Context errors.
var (
	// ErrContextClosed is returned by every operation after Shutdown.
	ErrContextClosed = errors.New("overlay: context closed")

	// ErrNoDevice is reported when no GPU device could be opened or adopted.
	ErrNoDevice = errors.New("overlay: no GPU device")

	// ErrNoImporter is reported when the device exposes no external-buffer
	// import entry points and none was configured.
	ErrNoImporter = errors.New("overlay: external buffer import not available")

	// ErrUnsupportedFormat is the cause of a CapabilityError for a format the
	// device cannot import.
	ErrUnsupportedFormat = errors.New("overlay: format not importable")

	// ErrBindTimeout is returned when the shared context could not be bound
	// within the bind timeout.
	ErrBindTimeout = errors.New("overlay: bind shared context timed out")

	// ErrNestedBinding is returned by WithCurrent when called with a context
	// that is already bound.
	ErrNestedBinding = errors.New("overlay: nested shared context binding")
)

// Registry errors.
var (
	// ErrUnknownPool is returned for a label with no registered pool.
	ErrUnknownPool = errors.New("overlay: unknown pool")

	// ErrUnavailable means no slot became free within the timeout. It is
	// back-pressure, not a failure; see IsTransient.
	ErrUnavailable = errors.New("overlay: no slot available")

	// ErrInvalidCapacity is returned by RegisterPool for capacity <= 0.
	ErrInvalidCapacity = errors.New("overlay: capacity must be positive")

	// ErrNilDescriptor is returned by RegisterPool for a nil template.
	ErrNilDescriptor = errors.New("overlay: nil buffer descriptor")

	// ErrNilSlot is returned when releasing a nil slot.
	ErrNilSlot = errors.New("overlay: nil slot")

	// ErrForeignSlot is returned when releasing a slot under a label other
	// than the one it was acquired from.
	ErrForeignSlot = errors.New("overlay: slot belongs to another pool")
)

// Slot errors.
var (
	ErrNoBuffer      = errors.New("overlay: slot has no buffer")
	ErrNoImage       = errors.New("overlay: slot has no imported image")
	ErrNoTexture     = errors.New("overlay: slot has no texture")
	ErrNoBlitTarget  = errors.New("overlay: slot has no blit target")
	ErrNoPaintTarget = errors.New("overlay: slot has no paint target")

	// ErrSlotBusy is returned by Publish while another Publish on the same
	// slot is in progress.
	ErrSlotBusy = errors.New("overlay: slot publish already in progress")

	// ErrSlotNotReady is returned by Publish on a slot that is not Ready.
	ErrSlotNotReady = errors.New("overlay: slot not ready")

	// ErrSlotFailed marks a slot whose publish failed. It is taken out of
	// service when released.
	ErrSlotFailed = errors.New("overlay: slot failed and is out of service")

	// ErrNoFence is returned by Publish in FenceRequired mode when the device
	// cannot create a fence.
	ErrNoFence = errors.New("overlay: fence creation failed")
)

// CapabilityError reports a pixel format the device cannot import, or a
// failed capability query.
type CapabilityError struct {
	Format dmabuf.Format
	Reason string
	Err    error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("overlay: format %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("overlay: format %s: %s", e.Format, e.Reason)
}

// Unwrap returns the query error, or ErrUnsupportedFormat.
func (e *CapabilityError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupportedFormat
}

// PoolError records the pool label and operation that failed.
type PoolError struct {
	Label string
	Op    string
	Err   error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("overlay: %s %q: %v", e.Op, e.Label, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// IsTransient reports whether err is temporary back-pressure that the
// caller should handle by skipping or retrying the frame.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
