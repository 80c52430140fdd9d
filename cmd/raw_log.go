// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

var rawLogInitialize bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display turntable frames as they arrive.

The controller only sends heartbeats once initialized. Use --initialize to
send the initialization command first; otherwise only comments and replies
to other hosts' commands are shown.

Supports serial, WebSocket and simulated connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogInitialize, "initialize", false, "Send the initialization command before logging")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	l, connInfo, err := OpenLink(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Printf("Turntable - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if rawLogInitialize {
		frame := turnproto.MustEncodeCommand(turnproto.Initialize())
		if err := l.Write(frame); err != nil {
			return err
		}
		fmt.Printf("> %s\n", turnproto.FormatCommand(frame))
	}

	for ctx.Err() == nil {
		frame, err := l.ReadFrame(readPollInterval)
		switch {
		case err == nil:
			fmt.Print(turnproto.FormatFrame(&frame))
		case errors.Is(err, link.ErrReadTimeout):
		case errors.Is(err, link.ErrMalformedFrame):
			fmt.Printf("[ERROR] %v\n", err)
		default:
			fmt.Printf("Connection closed: %v\n", err)
			return nil
		}
	}
	return nil
}
