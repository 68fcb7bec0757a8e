// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/overlay"
	"github.com/gogpu/overlay/config"
	"github.com/gogpu/overlay/fence"
	"github.com/gogpu/overlay/metrics"
	"github.com/gogpu/wgpu/hal/noop"
)

// contextOptions maps the configuration onto context options.
func contextOptions(cfg *config.Config, extra ...overlay.ContextOption) ([]overlay.ContextOption, error) {
	opts := []overlay.ContextOption{
		overlay.WithSampleCount(cfg.SampleCount),
		overlay.WithBindTimeout(cfg.BindTimeout),
		overlay.WithFenceTimeout(cfg.FenceTimeout),
	}
	switch cfg.FenceMode {
	case config.FenceRequired:
		opts = append(opts, overlay.WithFenceMode(overlay.FenceRequired))
	default:
		opts = append(opts, overlay.WithFenceMode(overlay.FenceOptional))
	}
	switch cfg.Backend {
	case config.BackendNoop:
		// The noop device has no import entry points.
		opts = append(opts, overlay.WithBackend(&noop.API{}), overlay.WithEmulatedImport())
	case config.BackendVulkan:
		if cfg.EmulateImport {
			opts = append(opts, overlay.WithEmulatedImport())
		}
	default:
		return nil, fmt.Errorf("overlayd: unknown backend %q", cfg.Backend)
	}
	return append(opts, extra...), nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	opts, err := contextOptions(cfg, overlay.WithLogger(logger), overlay.WithMetrics(collector))
	if err != nil {
		return err
	}
	oc := overlay.NewContext(opts...)
	if err := oc.Err(); err != nil {
		return err
	}

	for _, p := range cfg.Pools {
		desc := p.Descriptor()
		if err := oc.RegisterPool(p.Label, p.Capacity, &desc); err != nil {
			oc.Shutdown()
			return err
		}
	}

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("overlayd: metrics server failed", "err", err)
			}
		}()
		logger.Info("overlayd: serving metrics", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	w := fence.NewWatcher(fence.WithInterval(cfg.Watcher.Interval), fence.WithObserver(collector))
	p := newProducer(oc, w, cfg.Producer, logger)
	runErr := p.Run(ctx)

	// Completions still pending fire with fence.ErrClosed and release their
	// slots before the pools are destroyed.
	w.Close()
	oc.Shutdown()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}

	logger.Info("overlayd: stopped", "frames", p.Frames(), "skipped", p.Skipped())
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
