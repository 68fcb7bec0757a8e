// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Command overlayd runs a frame producer against a shared GPU buffer pool
// and exports pool metrics.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gogpu/overlay"
	"github.com/gogpu/overlay/config"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "overlayd",
		Short: "Shared GPU buffer pool daemon",
		Long: `overlayd allocates DMA buffer pools on the GPU, renders frames into them
and hands completed buffers to the display stage once the GPU has finished.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")

	load := func() (*config.Config, error) {
		if configFile == "" {
			return config.Default(), nil
		}
		return config.Load(configFile)
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "overlayd v%s\n", overlay.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "formats",
		Short: "List buffer formats the device can import",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return listFormats(cmd, cfg)
		},
	})

	var frames int
	var backend string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the frame producer",
		Long: `Run registers the configured pools, produces frames at the configured rate
and serves Prometheus metrics when metrics.listen is set.

Example:
  overlayd run --config overlay.yaml --frames 300`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("frames") {
				cfg.Producer.Frames = frames
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().IntVar(&frames, "frames", 0, "Stop after this many frames (0 runs until interrupted)")
	runCmd.Flags().StringVar(&backend, "backend", "", "GPU backend override (vulkan, noop)")
	root.AddCommand(runCmd)

	return root
}

func listFormats(cmd *cobra.Command, cfg *config.Config) error {
	opts, err := contextOptions(cfg)
	if err != nil {
		return err
	}
	c := overlay.NewContext(opts...)
	defer c.Shutdown()
	if err := c.Err(); err != nil {
		return err
	}
	formats, err := c.SupportedFormats()
	if err != nil {
		return err
	}
	for _, f := range formats {
		gpu, _ := f.TextureFormat()
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bpp\t%v\n", f, f.BytesPerPixel()*8, gpu)
	}
	return nil
}
