// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build linux

package overlay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/overlay/dmabuf"
	"github.com/gogpu/overlay/internal/emulate"
	"github.com/gogpu/overlay/pool"
)

func TestRegisterPoolValidation(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)

	rgb565 := dmabuf.NewDescriptor(16, 16, dmabuf.FormatRGB565)
	short := dmabuf.Descriptor{Width: 16, Height: 16, Format: dmabuf.FormatABGR8888, Size: 10}

	tests := []struct {
		name     string
		capacity int
		desc     *dmabuf.Descriptor
		wantErr  error
	}{
		{"zero capacity", 0, rgbaDescriptor(8, 8), ErrInvalidCapacity},
		{"negative capacity", -3, rgbaDescriptor(8, 8), ErrInvalidCapacity},
		{"nil template", 1, nil, ErrNilDescriptor},
		{"short buffer", 1, &short, dmabuf.ErrInvalidDescriptor},
		{"unimportable format", 1, &rgb565, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.RegisterPool("bad", tt.capacity, tt.desc)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RegisterPool() error = %v, want %v", err, tt.wantErr)
			}
			var pe *PoolError
			if !errors.As(err, &pe) || pe.Label != "bad" || pe.Op != "register" {
				t.Errorf("RegisterPool() error = %#v, want *PoolError for \"bad\"", err)
			}
		})
	}
	if got := c.Pools(); len(got) != 0 {
		t.Errorf("Pools() = %v, want none after failed registrations", got)
	}

	var ce *CapabilityError
	if err := c.RegisterPool("bad", 1, &rgb565); !errors.As(err, &ce) || ce.Format != dmabuf.FormatRGB565 {
		t.Errorf("RegisterPool(RGB565) error = %v, want *CapabilityError for RG16", err)
	}
}

func TestRegisterPoolQueryFailure(t *testing.T) {
	device, queue := createNoopDevice(t)
	imp := &failingQuery{}
	c := newTestContext(t, device, queue, WithImporter(imp))

	err := c.RegisterPool("ui", 1, rgbaDescriptor(8, 8))
	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("RegisterPool() error = %v, want *CapabilityError", err)
	}
	if errors.Is(err, ErrUnsupportedFormat) {
		t.Error("query failure reported as unsupported format")
	}

	// The failure is remembered; the device is not asked again.
	if err := c.RegisterPool("ui", 1, rgbaDescriptor(8, 8)); !errors.As(err, &ce) {
		t.Errorf("second RegisterPool() error = %v, want *CapabilityError", err)
	}
	if _, err := c.SupportedFormats(); err == nil {
		t.Error("SupportedFormats() error = nil after failed query")
	}
	if got := imp.calls.Load(); got != 1 {
		t.Errorf("format queries = %d, want 1", got)
	}
}

type failingQuery struct {
	ExternalImporter
	calls atomic.Int32
}

func (f *failingQuery) QueryDMABufFormats() ([]dmabuf.Format, error) {
	f.calls.Add(1)
	return nil, errors.New("driver query failed")
}

func TestInvalidSlotsCountAgainstCapacity(t *testing.T) {
	device, queue := newRecordingDevice(t)
	imp := &flakyImporter{inner: emulate.New(device, queue), failOn: map[int]bool{2: true}}
	c := newTestContext(t, device, queue, WithImporter(imp))

	if err := c.RegisterPool("ui", 3, rgbaDescriptor(32, 32)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	s, err := c.PoolStats("ui")
	if err != nil {
		t.Fatalf("PoolStats() error = %v", err)
	}
	if s.Capacity != 3 || s.Free != 2 || s.Invalid != 1 {
		t.Errorf("PoolStats() = %v, want cap=3 free=2 invalid=1", s)
	}

	// The failed slot released its buffer.
	bufs := imp.Buffers()
	if len(bufs) != 3 {
		t.Fatalf("importer saw %d buffers, want 3", len(bufs))
	}
	if bufs[1].Refs() != 0 {
		t.Errorf("buffer of failed slot has %d refs, want 0", bufs[1].Refs())
	}

	// Only valid slots are handed out.
	for i := 0; i < 2; i++ {
		slot, err := c.AcquireSlot("ui", 10*time.Millisecond)
		if err != nil {
			t.Fatalf("AcquireSlot() #%d error = %v", i, err)
		}
		if !slot.Valid() {
			t.Errorf("AcquireSlot() #%d returned invalid slot: %v", i, slot.Validate())
		}
	}
	if _, err := c.AcquireSlot("ui", time.Millisecond); !IsTransient(err) {
		t.Errorf("third AcquireSlot() error = %v, want transient", err)
	}
}

func TestRegisterPoolAllInvalid(t *testing.T) {
	device, queue := newRecordingDevice(t)
	imp := &flakyImporter{inner: emulate.New(device, queue), failOn: map[int]bool{0: true}}
	c := newTestContext(t, device, queue, WithImporter(imp))

	if err := c.RegisterPool("ui", 2, rgbaDescriptor(8, 8)); !errors.Is(err, pool.ErrNoValidItems) {
		t.Fatalf("RegisterPool() error = %v, want %v", err, pool.ErrNoValidItems)
	}
	if _, err := c.AcquireSlot("ui", time.Millisecond); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("AcquireSlot() error = %v, want %v", err, ErrUnknownPool)
	}
	for i, b := range imp.Buffers() {
		if b.Refs() != 0 {
			t.Errorf("buffer %d has %d refs after failed registration, want 0", i, b.Refs())
		}
	}
}

func TestAcquireUnknownReturnsImmediately(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)

	start := time.Now()
	slot, err := c.AcquireSlot("nonexistent", 10*time.Millisecond)
	elapsed := time.Since(start)

	if slot != nil {
		t.Error("AcquireSlot(nonexistent) returned a slot")
	}
	if !errors.Is(err, ErrUnknownPool) {
		t.Errorf("AcquireSlot(nonexistent) error = %v, want %v", err, ErrUnknownPool)
	}
	if IsTransient(err) {
		t.Error("unknown pool reported as transient")
	}
	if elapsed >= 5*time.Millisecond {
		t.Errorf("AcquireSlot(nonexistent) took %v, want immediate return", elapsed)
	}
}

func TestAcquireTimeoutIsTransient(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)
	if err := c.RegisterPool("ui", 1, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	held, err := c.AcquireSlot("ui", time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireSlot() error = %v", err)
	}

	start := time.Now()
	_, err = c.AcquireSlot("ui", 10*time.Millisecond)
	if !IsTransient(err) {
		t.Fatalf("AcquireSlot() on exhausted pool error = %v, want transient", err)
	}
	if elapsed := time.Since(start); elapsed < 8*time.Millisecond {
		t.Errorf("AcquireSlot() gave up after %v, want ~10ms", elapsed)
	}

	if err := c.ReleaseSlot("ui", held); err != nil {
		t.Fatalf("ReleaseSlot() error = %v", err)
	}
	if _, err := c.AcquireSlot("ui", 10*time.Millisecond); err != nil {
		t.Errorf("AcquireSlot() after release error = %v", err)
	}
}

func TestReleaseToUnknownPool(t *testing.T) {
	device, queue := createNoopDevice(t)
	obs := &recordingObserver{}
	c := newTestContext(t, device, queue, WithMetrics(obs))
	if err := c.RegisterPool("ui", 2, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	slot, err := c.AcquireSlot("ui", time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireSlot() error = %v", err)
	}
	buf := slot.Buffer()

	if err := c.ReleaseSlot("ghost", slot); !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("ReleaseSlot(ghost) error = %v, want %v", err, ErrUnknownPool)
	}
	if slot.State() != StateDestroyed {
		t.Errorf("slot state = %v, want Destroyed", slot.State())
	}
	if buf.Refs() != 0 {
		t.Errorf("buffer refs = %d, want 0", buf.Refs())
	}
	if got := obs.leaked.Load(); got != 1 {
		t.Errorf("leaked slots = %d, want 1", got)
	}
	s, _ := c.PoolStats("ui")
	if s.Free != 1 || s.InUse != 1 {
		t.Errorf("PoolStats() = %v, want free=1 in_use=1", s)
	}
}

func TestReleaseMisuse(t *testing.T) {
	device, queue := createNoopDevice(t)
	obs := &recordingObserver{}
	c := newTestContext(t, device, queue, WithMetrics(obs))
	for _, label := range []string{"ui", "cursor"} {
		if err := c.RegisterPool(label, 1, rgbaDescriptor(8, 8)); err != nil {
			t.Fatalf("RegisterPool(%s) error = %v", label, err)
		}
	}
	slot, _ := c.AcquireSlot("ui", time.Millisecond)

	if err := c.ReleaseSlot("cursor", slot); !errors.Is(err, ErrForeignSlot) {
		t.Errorf("ReleaseSlot(cursor) error = %v, want %v", err, ErrForeignSlot)
	}
	if err := c.ReleaseSlot("ui", slot); err != nil {
		t.Fatalf("ReleaseSlot(ui) error = %v", err)
	}
	if err := c.ReleaseSlot("ui", slot); !errors.Is(err, pool.ErrDoubleRelease) {
		t.Errorf("second ReleaseSlot(ui) error = %v, want %v", err, pool.ErrDoubleRelease)
	}
	if err := c.ReleaseSlot("ui", nil); !errors.Is(err, ErrNilSlot) {
		t.Errorf("ReleaseSlot(nil) error = %v, want %v", err, ErrNilSlot)
	}
	if got := obs.misuse.Load(); got != 2 {
		t.Errorf("misuse events = %d, want 2", got)
	}

	s, _ := c.PoolStats("ui")
	if s.Free != 1 || s.InUse != 0 {
		t.Errorf("PoolStats() after misuse = %v, want free=1 in_use=0", s)
	}
	if slot.State() != StateReady {
		t.Errorf("slot state after misuse = %v, want Ready", slot.State())
	}
}

func TestReRegisterReplacesPool(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)

	if err := c.RegisterPool("ui", 2, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	held, _ := c.AcquireSlot("ui", time.Millisecond)

	if err := c.RegisterPool("ui", 3, rgbaDescriptor(16, 16)); err != nil {
		t.Fatalf("second RegisterPool() error = %v", err)
	}

	// The checked-out slot survives until it is released.
	if !held.Valid() || held.Width() != 8 {
		t.Fatalf("held slot after replacement: valid %v width %d", held.Valid(), held.Width())
	}
	if err := c.ReleaseSlot("ui", held); err != nil {
		t.Fatalf("ReleaseSlot() of replaced-pool slot error = %v", err)
	}
	if held.State() != StateDestroyed {
		t.Errorf("replaced-pool slot state = %v, want Destroyed", held.State())
	}

	s, _ := c.PoolStats("ui")
	if s.Capacity != 3 || s.Free != 3 {
		t.Errorf("PoolStats() = %v, want the new pool with 3 free", s)
	}
	fresh, err := c.AcquireSlot("ui", time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireSlot() error = %v", err)
	}
	if fresh.Width() != 16 {
		t.Errorf("fresh slot width = %d, want 16", fresh.Width())
	}
}

// A failed re-registration leaves no pool behind; slots still held from
// the old pool are destroyed on release.
func TestFailedReRegistrationDropsPool(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		breakImp bool
		wantErr  error
	}{
		{"invalid capacity", 0, false, ErrInvalidCapacity},
		{"no valid slots", 2, true, pool.ErrNoValidItems},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, queue := newRecordingDevice(t)
			imp := &flakyImporter{inner: emulate.New(device, queue), failOn: map[int]bool{}}
			obs := &recordingObserver{}
			c := newTestContext(t, device, queue, WithImporter(imp), WithMetrics(obs))
			if err := c.RegisterPool("ui", 2, rgbaDescriptor(8, 8)); err != nil {
				t.Fatalf("RegisterPool() error = %v", err)
			}
			held := acquireOne(t, c, "ui")
			free := imp.Buffers()[0]
			if free == held.Buffer() {
				free = imp.Buffers()[1]
			}

			imp.failOn[0] = tt.breakImp
			if err := c.RegisterPool("ui", tt.capacity, rgbaDescriptor(8, 8)); !errors.Is(err, tt.wantErr) {
				t.Fatalf("second RegisterPool() error = %v, want %v", err, tt.wantErr)
			}
			if got := c.Pools(); len(got) != 0 {
				t.Errorf("Pools() = %v, want none after failed re-registration", got)
			}
			if _, err := c.AcquireSlot("ui", time.Millisecond); !errors.Is(err, ErrUnknownPool) {
				t.Errorf("AcquireSlot() error = %v, want %v", err, ErrUnknownPool)
			}
			if free.Refs() != 0 {
				t.Errorf("free slot buffer refs = %d, want 0", free.Refs())
			}

			if err := c.ReleaseSlot("ui", held); err != nil {
				t.Fatalf("ReleaseSlot() of dropped-pool slot error = %v", err)
			}
			if held.State() != StateDestroyed {
				t.Errorf("held slot state = %v, want Destroyed", held.State())
			}
			if got := obs.leaked.Load(); got != 0 {
				t.Errorf("leaked slots = %d, want 0", got)
			}
		})
	}
}

func TestReleaseRetiredInsideWithCurrent(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)
	if err := c.RegisterPool("ui", 1, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	held := acquireOne(t, c, "ui")
	if err := c.RegisterPool("ui", 1, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("second RegisterPool() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.WithCurrent(context.Background(), func(ctx context.Context) error {
			return c.ReleaseSlotContext(ctx, "ui", held)
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReleaseSlotContext() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReleaseSlotContext inside WithCurrent deadlocked")
	}
	if held.State() != StateDestroyed {
		t.Errorf("State() = %v, want Destroyed", held.State())
	}
}

// A slot is never handed to two holders and free+inUse+invalid stays at
// capacity under contention.
func TestConcurrentAcquireRelease(t *testing.T) {
	device, queue := createNoopDevice(t)
	c := newTestContext(t, device, queue)
	const capacity = 3
	if err := c.RegisterPool("ui", capacity, rgbaDescriptor(8, 8)); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}

	var (
		holders sync.Map
		dupes   atomic.Int32
		bad     atomic.Int32
		wg      sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				slot, err := c.AcquireSlot("ui", 20*time.Millisecond)
				if err != nil {
					if !IsTransient(err) {
						t.Errorf("AcquireSlot() error = %v", err)
					}
					continue
				}
				if _, loaded := holders.LoadOrStore(slot, true); loaded {
					dupes.Add(1)
				}
				if s, _ := c.PoolStats("ui"); s.Free+s.InUse+s.Invalid != capacity {
					bad.Add(1)
				}
				holders.Delete(slot)
				if err := c.ReleaseSlot("ui", slot); err != nil {
					t.Errorf("ReleaseSlot() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if n := dupes.Load(); n != 0 {
		t.Errorf("%d slots were held twice", n)
	}
	if n := bad.Load(); n != 0 {
		t.Errorf("capacity invariant violated %d times", n)
	}
	if s, _ := c.PoolStats("ui"); s.Free != capacity {
		t.Errorf("Free after run = %d, want %d", s.Free, capacity)
	}
}
