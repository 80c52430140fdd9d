// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/input"
	"github.com/Thermoquad/turntable/pkg/logging"
)

// controlQueueSize bounds input events waiting for the router
const controlQueueSize = 32

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for driving the turntable",
	Long: `Drive the turntable from an interactive terminal UI.

The keyboard acts as a gamepad. Key presses become input events for the
configured input mapping, so the TUI behaves like the physical controller:

  left/right, h/l   deflect the turntable stick
  space             centre the stick (stops the sweep)
  s                 stop (cancels a running photo series)
  enter             start a photo series
  z                 query the position
  n                 edit the photo count of the next series
  q                 quit

While a photo series runs only stop is honoured.

Log output goes to the event log unless --log-file is given.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// logLineWriter passes log lines to the TUI event log
type logLineWriter struct {
	lines chan string
}

func (w *logLineWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	select {
	case w.lines <- line:
	default:
		// the TUI is behind; drop the line
	}
	return len(p), nil
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// stderr would corrupt the alternate screen
	var logs chan string
	if logFile == "" {
		lw := &logLineWriter{lines: make(chan string, 256)}
		logs = lw.lines
		prev := logger
		logger = logging.NewWithWriter(lw, verbose)
		defer func() { logger = prev }()
	}

	openCtx, stop := signalContext(ctx)
	s, err := openSession(openCtx)
	stop()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warnw("session close failed", "error", err)
		}
	}()

	router := input.NewRouter(s.motion, s.capture, cfg.Input,
		input.RunSettings{PhotoCount: cfg.PhotoCount, RPM: cfg.DefaultRPM}, logger)
	src := input.NewChannelSource(controlQueueSize)

	m := initialControlModel(controlDeps{
		connInfo: s.info,
		folder:   s.folder,
		mapping:  cfg.Input,
		src:      src,
		rig:      s.engine,
		runs:     s.capture,
		settings: router,
		logs:     logs,
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	router.OnPosition = func(steps int32) { p.Send(positionMsg(steps)) }

	routerDone := make(chan error, 1)
	go func() { routerDone <- router.Run(ctx, src) }()

	go func() {
		select {
		case <-s.engine.Done():
			p.Send(engineHaltedMsg{err: s.engine.Err()})
		case <-ctx.Done():
		}
	}()

	_, err = p.Run()
	src.Close()
	if rerr := <-routerDone; rerr != nil && !errors.Is(rerr, context.Canceled) {
		logger.Warnw("input router ended", "error", rerr)
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
