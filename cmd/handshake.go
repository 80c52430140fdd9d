// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/motion"
)

var (
	handshakeTimeout    int
	handshakeHeartbeats uint64
)

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Test the connection by initializing the turntable",
	Long: `Initialize the turntable and wait for a number of consecutive heartbeats.

This command opens the connection, resets a device that is already
streaming heartbeats, sends the initialization command and waits until the
protocol engine has accepted the requested number of heartbeats in sequence.

Exit codes:
  0 - Handshake completed before timeout
  1 - Timeout or protocol error
  2 - Connection error

Useful for testing connectivity before a capture session.`,
	RunE: runHandshake,
}

func init() {
	rootCmd.AddCommand(handshakeCmd)
	handshakeCmd.Flags().IntVar(&handshakeTimeout, "timeout", 10, "Timeout in seconds for the handshake")
	handshakeCmd.Flags().Uint64Var(&handshakeHeartbeats, "heartbeats", 3, "Consecutive heartbeats to wait for")
}

func runHandshake(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	l, connInfo, err := OpenLink(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Turntable - Handshake\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", handshakeTimeout)
	fmt.Printf("Waiting for %d heartbeats...\n\n", handshakeHeartbeats)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(handshakeTimeout)*time.Second)
	defer cancel()

	eng := engine.New(l, cfg.EngineOptions(), logger)
	eng.Start()
	mc := motion.New(eng, logger)

	start := time.Now()
	beats, err := handshake(ctx, eng, mc, handshakeHeartbeats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED after %d heartbeats: %v\n", beats, err)
		_ = mc.Shutdown()
		os.Exit(1)
	}
	defer mc.Shutdown()

	stats := eng.Stats()
	fmt.Printf("SUCCESS: Initialized in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Heartbeats: %d\n", beats)
	fmt.Printf("  Frames: %d\n", stats.TotalFrames)
	fmt.Printf("  Decode errors: %d\n", stats.DecodeErrors)
	return nil
}

// handshake initializes the device and waits until want heartbeats have
// been accepted. It returns the heartbeats seen.
func handshake(ctx context.Context, eng *engine.Engine, mc *motion.Controller, want uint64) (uint64, error) {
	if err := mc.Initialize(ctx); err != nil {
		return eng.Stats().Heartbeats, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		beats := eng.Stats().Heartbeats
		if beats >= want {
			return beats, nil
		}
		select {
		case <-ticker.C:
		case <-eng.Done():
			return beats, eng.Err()
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return beats, errors.New("timeout")
			}
			return beats, ctx.Err()
		}
	}
}
