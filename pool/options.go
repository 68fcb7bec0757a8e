// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package pool

// Observer receives pool events for diagnostics and back-pressure decisions.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnAcquire(name string)
	OnRelease(name string)
	OnTimeout(name string)
	OnInvalid(name string, err error)
	OnMisuse(name string, err error)
	OnOccupancy(name string, stats Stats)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) OnAcquire(string)          {}
func (NopObserver) OnRelease(string)          {}
func (NopObserver) OnTimeout(string)          {}
func (NopObserver) OnInvalid(string, error)   {}
func (NopObserver) OnMisuse(string, error)    {}
func (NopObserver) OnOccupancy(string, Stats) {}

// Option configures a BlockingPool during creation.
type Option func(*options)

type options struct {
	name     string
	observer Observer
}

func defaultOptions() options {
	return options{observer: NopObserver{}}
}

// WithName sets the label passed to the observer.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithObserver installs an event observer. A nil observer is ignored.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}
