// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// readPollInterval bounds each blocking frame read so cancellation is noticed
const readPollInterval = 100 * time.Millisecond

var (
	showAll          bool
	statsInterval    int
	useTUI           bool
	monitorNoInitCmd bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch link health: heartbeat sequence, gaps and malformed frames",
	Long: `Initialize the turntable and watch the heartbeat stream without halting
on anomalies.

This command detects:
  - Heartbeat counter jumps (lost or duplicated heartbeats)
  - Heartbeat gaps longer than the configured tolerance
  - Malformed frames and decode failures
  - Statistics and trends (frame rate, error rate)

By default, only anomalies are displayed. Use --show-all to display every frame.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just anomalies)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().BoolVar(&monitorNoInitCmd, "no-initialize", false, "Do not send the initialization command")
}

// heartbeatTracker follows the status counter sequence and reports
// anomalies instead of halting on them
type heartbeatTracker struct {
	tolerance time.Duration
	synced    bool
	expected  uint8
	last      time.Time

	Jumps uint64
	Gaps  uint64
}

// observe records a heartbeat and returns the anomalies it reveals
func (h *heartbeatTracker) observe(counter uint8, at time.Time) []string {
	var anomalies []string
	if h.synced {
		if counter != h.expected {
			h.Jumps++
			anomalies = append(anomalies, fmt.Sprintf("counter jump: expected %d, got %d", h.expected, counter))
		}
		if gap := at.Sub(h.last); gap > h.tolerance {
			h.Gaps++
			anomalies = append(anomalies, fmt.Sprintf("heartbeat gap %s exceeds %s", gap.Round(time.Millisecond), h.tolerance))
		}
	}
	h.synced = true
	h.expected = counter + 1
	h.last = at
	return anomalies
}

// overdue reports a missing heartbeat once the tolerance has passed
func (h *heartbeatTracker) overdue(now time.Time) (time.Duration, bool) {
	if !h.synced {
		return 0, false
	}
	silence := now.Sub(h.last)
	return silence, silence > h.tolerance
}

// frameMsg carries one read result from the link reader
type frameMsg struct {
	frame *turnproto.Frame
	err   error
}

// readFrames reads frames from l until ctx is done or the link fails. The
// final message carries the link error.
func readFrames(ctx context.Context, l *link.Link, out func(frameMsg)) {
	for ctx.Err() == nil {
		frame, err := l.ReadFrame(readPollInterval)
		switch {
		case err == nil:
			out(frameMsg{frame: &frame})
		case errors.Is(err, link.ErrReadTimeout):
		case errors.Is(err, link.ErrMalformedFrame):
			out(frameMsg{err: err})
		default:
			out(frameMsg{err: fmt.Errorf("%w: %w", errLinkLost, err)})
			return
		}
	}
}

var errLinkLost = errors.New("link lost")

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	l, connInfo, err := OpenLink(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	if !monitorNoInitCmd {
		if err := l.Write(turnproto.MustEncodeCommand(turnproto.Initialize())); err != nil {
			return err
		}
	}

	tracker := &heartbeatTracker{tolerance: cfg.EngineOptions().HeartbeatTolerance}
	if useTUI {
		return runTUIMode(ctx, l, connInfo, tracker)
	}
	return runTextMode(ctx, l, connInfo, tracker)
}

// runTUIMode runs the monitor in TUI mode
func runTUIMode(ctx context.Context, l *link.Link, connInfo string, tracker *heartbeatTracker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := initialModel(connInfo, statsInterval, showAll, tracker)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go readFrames(ctx, l, func(msg frameMsg) { p.Send(msg) })

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs the monitor in text mode
func runTextMode(ctx context.Context, l *link.Link, connInfo string, tracker *heartbeatTracker) error {
	fmt.Printf("Turntable - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Heartbeat tolerance: %s\n", tracker.tolerance)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Anomalies only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := turnproto.NewStatistics()
	statsTicker := time.NewTicker(time.Duration(max(statsInterval, 1)) * time.Second)
	defer statsTicker.Stop()
	overdueTicker := time.NewTicker(time.Second)
	defer overdueTicker.Stop()

	frames := make(chan frameMsg, 16)
	go func() {
		defer close(frames)
		readFrames(ctx, l, func(msg frameMsg) {
			select {
			case frames <- msg:
			case <-ctx.Done():
			}
		})
	}()

	reported := false
	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				return nil
			}
			if errors.Is(msg.err, errLinkLost) {
				fmt.Printf("Connection closed: %v\n", msg.err)
				return nil
			}
			stats.Update(msg.frame, msg.err)
			if msg.err != nil {
				printAnomaly("DECODE ERROR", msg.err.Error())
				continue
			}
			if counter, ok := msg.frame.Counter(); ok {
				reported = false
				for _, a := range tracker.observe(counter, msg.frame.Timestamp) {
					printAnomaly("HEARTBEAT", a)
				}
			}
			if showAll || msg.frame.Opcode == turnproto.OpComment {
				fmt.Print(turnproto.FormatFrame(msg.frame))
			}

		case now := <-overdueTicker.C:
			if silence, late := tracker.overdue(now); late && !reported {
				reported = true
				printAnomaly("HEARTBEAT", fmt.Sprintf("no heartbeat for %s", silence.Round(time.Millisecond)))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Printf("Counter jumps:   %8d\n", tracker.Jumps)
			fmt.Printf("Heartbeat gaps:  %8d\n", tracker.Gaps)
			fmt.Println()
		}
	}
}

// printAnomaly prints an anomaly in highlighted format
func printAnomaly(kind, message string) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31m%s:\033[0m %s\n\n", timestamp, kind, message)
}
