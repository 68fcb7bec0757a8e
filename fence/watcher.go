// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package fence

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Watcher errors.
var (
	// ErrClosed is passed to pending callbacks when the watcher shuts down,
	// and returned by Watch afterwards.
	ErrClosed = errors.New("fence: watcher closed")

	// ErrNilToken is returned by Watch for a nil token.
	ErrNilToken = errors.New("fence: nil token")

	// ErrNilCallback is returned by Watch for a nil callback.
	ErrNilCallback = errors.New("fence: nil callback")
)

// DefaultInterval is the default polling period for pending tokens.
const DefaultInterval = 500 * time.Microsecond

// Observer is notified after every callback a Watcher fires.
// err is nil for a signaled token.
type Observer interface {
	OnFenceCallback(err error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	interval time.Duration
	observer Observer
}

// WithInterval sets the polling period. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithObserver installs a callback observer.
func WithObserver(obs Observer) WatcherOption {
	return func(o *watcherOptions) {
		o.observer = obs
	}
}

type watch struct {
	token Token
	fn    func(error)
	fired bool
}

// Watcher runs completion callbacks for tokens once they signal.
//
// A single goroutine polls every pending token. Each registered callback
// runs exactly once on that goroutine, with nil when the token signaled, the
// token's error if polling failed, or ErrClosed when the watcher shut down
// first. The token is closed before its callback runs.
//
// Callbacks must not block and must not call Close.
type Watcher struct {
	interval time.Duration
	observer Observer

	mu      sync.Mutex
	pending []*watch
	closed  bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher starts a watcher. Call Close to stop it.
func NewWatcher(opts ...WatcherOption) *Watcher {
	o := watcherOptions{interval: DefaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Watcher{
		interval: o.interval,
		observer: o.observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Watch registers fn to run once token completes. It never blocks.
//
// On error the callback is not registered and the caller keeps ownership
// of token.
func (w *Watcher) Watch(token Token, fn func(error)) error {
	if token == nil {
		return ErrNilToken
	}
	if fn == nil {
		return ErrNilCallback
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pending = append(w.pending, &watch{token: token, fn: fn})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of callbacks that have not fired yet.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops the polling goroutine and fires every pending callback with
// ErrClosed. It is idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	<-w.stopped

	w.mu.Lock()
	rest := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, wt := range rest {
		w.fire(wt, ErrClosed)
	}
}

func (w *Watcher) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.Pending() == 0 {
			select {
			case <-w.wake:
			case <-w.done:
				return
			}
		}

		w.poll()

		select {
		case <-ticker.C:
		case <-w.wake:
		case <-w.done:
			return
		}
	}
}

// poll checks all pending tokens once. Tokens added while polling are
// picked up on the next pass.
func (w *Watcher) poll() {
	w.mu.Lock()
	batch := make([]*watch, len(w.pending))
	copy(batch, w.pending)
	w.mu.Unlock()

	type result struct {
		wt  *watch
		err error
	}
	var ready []result
	for _, wt := range batch {
		ok, err := wt.token.Poll()
		if err != nil {
			ready = append(ready, result{wt, fmt.Errorf("fence: poll: %w", err)})
			continue
		}
		if ok {
			ready = append(ready, result{wt, nil})
		}
	}
	if len(ready) == 0 {
		return
	}

	for _, r := range ready {
		r.wt.fired = true
	}
	w.mu.Lock()
	kept := w.pending[:0]
	for _, wt := range w.pending {
		if !wt.fired {
			kept = append(kept, wt)
		}
	}
	for i := len(kept); i < len(w.pending); i++ {
		w.pending[i] = nil
	}
	w.pending = kept
	w.mu.Unlock()

	for _, r := range ready {
		w.fire(r.wt, r.err)
	}
}

func (w *Watcher) fire(wt *watch, err error) {
	wt.token.Close()
	func() {
		defer func() {
			if r := recover(); r != nil {
				slogger().Error("fence: callback panicked", "panic", r)
			}
		}()
		wt.fn(err)
	}()
	if w.observer != nil {
		w.observer.OnFenceCallback(err)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		slogger().Warn("fence: token failed", "err", err)
	}
}
