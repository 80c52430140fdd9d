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

	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

var (
	portsProbe   bool
	portsTimeout int
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and find the turntable",
	Long: `List the serial ports present on this system.

With --probe each port is opened at the configured baud rate, sent the
initialization command and watched for a heartbeat. Probed devices are
reset afterwards so the next session starts from a clean state.

Examples:
  # List ports
  turntable ports

  # Find the turntable
  turntable ports --probe --timeout 3

Exit codes:
  0 - At least one port found (with --probe: at least one turntable)
  1 - Nothing found`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsProbe, "probe", false, "Probe each port for a turntable")
	portsCmd.Flags().IntVar(&portsTimeout, "timeout", 3, "Probe timeout in seconds per port")
}

func runPorts(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	ports, err := link.ListPorts()
	if err != nil {
		return err
	}

	fmt.Printf("Turntable - Serial Ports\n")
	if portsProbe {
		fmt.Printf("Baud rate: %d\n", baudRate)
		fmt.Printf("Timeout: %d seconds per port\n", portsTimeout)
	}
	fmt.Println()

	found := 0
	for _, port := range ports {
		if !portsProbe {
			fmt.Printf("  %s\n", port)
			found++
			continue
		}

		result, ok := probeSerialPort(ctx, port, time.Duration(portsTimeout)*time.Second)
		mark := " "
		if ok {
			mark = "*"
			found++
		}
		fmt.Printf("%s %-24s %s\n", mark, port, result)
		if ctx.Err() != nil {
			break
		}
	}

	// Summary
	fmt.Printf("\n--- Summary ---\n")
	if portsProbe {
		fmt.Printf("Turntables found: %d of %d ports\n", found, len(ports))
	} else {
		fmt.Printf("Ports found: %d\n", found)
	}
	if found == 0 {
		os.Exit(1)
	}
	return nil
}

func probeSerialPort(ctx context.Context, port string, timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, cfg.StartupDelay()+timeout)
	defer cancel()

	// one attempt; a missing port is not waited for
	l, err := link.OpenSerial(ctx, port, baudRate, timeout, logger.Named("link"))
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err), false
	}
	defer l.Close()

	// the controller resets when the port opens
	select {
	case <-time.After(cfg.StartupDelay()):
	case <-ctx.Done():
		return "no response", false
	}
	return probe(ctx, l)
}

// probe initializes the device on l and waits for a heartbeat until ctx is
// done. The device is reset afterwards.
func probe(ctx context.Context, l *link.Link) (string, bool) {
	if err := l.Write(turnproto.MustEncodeCommand(turnproto.Initialize())); err != nil {
		return fmt.Sprintf("write failed (%v)", err), false
	}

	comment := ""
	for ctx.Err() == nil {
		frame, err := l.ReadFrame(readPollInterval)
		switch {
		case err == nil:
		case errors.Is(err, link.ErrReadTimeout), errors.Is(err, link.ErrMalformedFrame):
			continue
		default:
			return fmt.Sprintf("read failed (%v)", err), false
		}

		if frame.Opcode == turnproto.OpComment {
			comment = frame.Text()
			continue
		}
		if counter, ok := frame.Counter(); ok {
			_ = l.Write(turnproto.MustEncodeCommand(turnproto.Reset()))
			result := fmt.Sprintf("turntable (heartbeat S%d)", counter)
			if comment != "" {
				result += fmt.Sprintf(" %q", comment)
			}
			return result, true
		}
	}
	return "no response", false
}
