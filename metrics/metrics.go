// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package metrics exports pool, slot and fence diagnostics as Prometheus
// metrics.
//
// A [Collector] implements overlay.Observer and fence.Observer, so one value
// can be passed to overlay.WithMetrics and fence.WithObserver:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewCollector(reg)
//	c := overlay.NewContext(overlay.WithMetrics(m))
//	w := fence.NewWatcher(fence.WithObserver(m))
//
// Per-pool series carry a "pool" label with the registration label.
package metrics

import (
	"errors"
	"time"

	"github.com/gogpu/overlay"
	"github.com/gogpu/overlay/fence"
	"github.com/gogpu/overlay/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "overlay"

var (
	_ overlay.Observer = (*Collector)(nil)
	_ fence.Observer   = (*Collector)(nil)
)

// Collector records overlay events into Prometheus metrics.
type Collector struct {
	free     *prometheus.GaugeVec
	inUse    *prometheus.GaugeVec
	capacity *prometheus.GaugeVec
	invalid  *prometheus.GaugeVec

	acquires *prometheus.CounterVec
	releases *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	misuse   *prometheus.CounterVec
	leaked   *prometheus.CounterVec

	publishes       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec

	fenceCallbacks *prometheus.CounterVec
}

// NewCollector creates a collector registered with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	poolLabels := []string{"pool"}

	return &Collector{
		free: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "free_slots",
			Help: "Slots available for acquisition.",
		}, poolLabels),
		inUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use_slots",
			Help: "Slots currently checked out.",
		}, poolLabels),
		capacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "capacity_slots",
			Help: "Pool capacity fixed at registration.",
		}, poolLabels),
		invalid: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "invalid_slots",
			Help: "Slots that failed construction and are never handed out.",
		}, poolLabels),
		acquires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquires_total",
			Help: "Successful slot acquisitions.",
		}, poolLabels),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "releases_total",
			Help: "Slots returned to their pool.",
		}, poolLabels),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_timeouts_total",
			Help: "Acquisitions that expired without a free slot.",
		}, poolLabels),
		misuse: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "misuse_total",
			Help: "Rejected releases by kind.",
		}, []string{"pool", "kind"}),
		leaked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "leaked_slots_total",
			Help: "Slots released to an unknown pool or withheld after a stuck publish.",
		}, poolLabels),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "slot", Name: "publishes_total",
			Help: "Successful slot publishes.",
		}, poolLabels),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "slot", Name: "publish_failures_total",
			Help: "Failed slot publishes.",
		}, poolLabels),
		publishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "slot", Name: "publish_seconds",
			Help:    "Time to encode and submit a publish.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 12),
		}, poolLabels),
		fenceCallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fence", Name: "callbacks_total",
			Help: "Watcher callbacks by result.",
		}, []string{"result"}),
	}
}

// OnAcquire implements pool.Observer.
func (c *Collector) OnAcquire(name string) { c.acquires.WithLabelValues(name).Inc() }

// OnRelease implements pool.Observer.
func (c *Collector) OnRelease(name string) { c.releases.WithLabelValues(name).Inc() }

// OnTimeout implements pool.Observer.
func (c *Collector) OnTimeout(name string) { c.timeouts.WithLabelValues(name).Inc() }

// OnInvalid implements pool.Observer. The invalid gauge is set from
// occupancy updates.
func (c *Collector) OnInvalid(string, error) {}

// OnMisuse implements pool.Observer.
func (c *Collector) OnMisuse(name string, err error) {
	c.misuse.WithLabelValues(name, misuseKind(err)).Inc()
}

// OnOccupancy implements pool.Observer.
func (c *Collector) OnOccupancy(name string, s pool.Stats) {
	c.free.WithLabelValues(name).Set(float64(s.Free))
	c.inUse.WithLabelValues(name).Set(float64(s.InUse))
	c.capacity.WithLabelValues(name).Set(float64(s.Capacity))
	c.invalid.WithLabelValues(name).Set(float64(s.Invalid))
}

// OnLeakedSlot records a slot that did not return to a pool.
func (c *Collector) OnLeakedSlot(name string) { c.leaked.WithLabelValues(name).Inc() }

// OnPublish records a publish attempt.
func (c *Collector) OnPublish(name string, latency time.Duration, err error) {
	if err != nil {
		c.publishFailures.WithLabelValues(name).Inc()
		return
	}
	c.publishes.WithLabelValues(name).Inc()
	c.publishLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// OnFenceCallback implements fence.Observer.
func (c *Collector) OnFenceCallback(err error) {
	result := "signaled"
	switch {
	case errors.Is(err, fence.ErrClosed):
		result = "closed"
	case err != nil:
		result = "error"
	}
	c.fenceCallbacks.WithLabelValues(result).Inc()
}

func misuseKind(err error) string {
	switch {
	case errors.Is(err, pool.ErrDoubleRelease):
		return "double_release"
	case errors.Is(err, pool.ErrForeignItem):
		return "foreign_item"
	case errors.Is(err, overlay.ErrForeignSlot):
		return "foreign_slot"
	default:
		return "other"
	}
}
