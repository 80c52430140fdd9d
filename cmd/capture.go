// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/capture"
)

var (
	capturePhotos   int
	captureRPM      float32
	captureProgress int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Take one series of equally spaced photos",
	Long: `Initialize the turntable and take a series of photos at equally spaced
positions between 0 and the configured end position, starting from the
closer end of travel.

Images and a manifest (manifest.cbor) are written to a timestamped folder
below output_folder. Ctrl+C cancels the series and stops the turntable.

Exit codes:
  0 - Series completed
  1 - Series failed or was cancelled`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().IntVarP(&capturePhotos, "photos", "n", 0, "Number of photos (default photo_count from config)")
	captureCmd.Flags().Float32VarP(&captureRPM, "rpm", "r", 0, "Turntable speed (default default_rpm from config)")
	captureCmd.Flags().IntVar(&captureProgress, "progress-interval", 5, "Progress report interval (seconds)")
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	photos := capturePhotos
	if photos == 0 {
		photos = cfg.PhotoCount
	}
	rpm := captureRPM
	if rpm == 0 {
		rpm = cfg.DefaultRPM
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warnw("session close failed", "error", err)
		}
	}()

	fmt.Printf("Turntable - Capture\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Photos: %d at %g rpm\n", photos, rpm)
	fmt.Printf("Output Folder: %s\n", s.folder)
	fmt.Printf("Press Ctrl+C to cancel\n\n")

	run, err := s.startRun(ctx, photos, rpm)
	if err != nil {
		return err
	}

	interval := time.Duration(captureProgress) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-run.Done():
			waiting = false
		case <-ctx.Done():
			waiting = false
		case <-ticker.C:
			state, index := run.State()
			done, total := run.Progress()
			fmt.Printf("[%s] %s (position %d) - %d/%d photos\n",
				time.Now().Format("15:04:05"), state, index+1, done, total)
		}
	}

	err = awaitRun(ctx, run)
	done, total := run.Progress()
	manifest := filepath.Join(s.folder, capture.ManifestFile)
	switch {
	case errors.Is(err, capture.ErrCancelled):
		fmt.Printf("\nCancelled after %d of %d photos\n", done, total)
		fmt.Printf("Manifest: %s\n", manifest)
		return err
	case err != nil:
		fmt.Printf("\nFailed after %d of %d photos\n", done, total)
		return err
	}

	fmt.Printf("\nCaptured %d photos\n", done)
	fmt.Printf("Manifest: %s\n", manifest)
	return nil
}
