// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Line-oriented command console",
	Long: `Drive the turntable with typed commands.

Commands:
  V [rpm]          sweep to the far end of travel (default rpm from config)
  P n [rpm]        take n equally spaced photos
  M steps [rpm]    move to an absolute step position
  Z                print the current position
  S                stop
  q                quit (also: quit, exit, e)

After a command completes, an empty line, y or yes repeats it.
Ctrl+C cancels a running photo series.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// consoleCommand is a parsed console line
type consoleCommand struct {
	op    byte // V, P, M, Z, S or q
	count int
	steps int32
	rpm   float32
}

func (c consoleCommand) String() string {
	switch c.op {
	case 'V':
		return fmt.Sprintf("V %g", c.rpm)
	case 'P':
		return fmt.Sprintf("P %d %g", c.count, c.rpm)
	case 'M':
		return fmt.Sprintf("M %d %g", c.steps, c.rpm)
	default:
		return string(c.op)
	}
}

var errInvalidCommand = errors.New("invalid command")

// parseConsoleCommand parses one console line
func parseConsoleCommand(line string, defaultRPM float32) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, errInvalidCommand
	}

	rpmArg := func(i int) (float32, error) {
		if len(fields) <= i {
			return defaultRPM, nil
		}
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("%w: bad rpm %q", errInvalidCommand, fields[i])
		}
		return float32(v), nil
	}

	switch strings.ToLower(fields[0]) {
	case "v":
		if len(fields) > 2 {
			return consoleCommand{}, errInvalidCommand
		}
		rpm, err := rpmArg(1)
		return consoleCommand{op: 'V', rpm: rpm}, err

	case "p":
		if len(fields) < 2 || len(fields) > 3 {
			return consoleCommand{}, errInvalidCommand
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return consoleCommand{}, fmt.Errorf("%w: bad photo count %q", errInvalidCommand, fields[1])
		}
		rpm, err := rpmArg(2)
		return consoleCommand{op: 'P', count: n, rpm: rpm}, err

	case "m":
		if len(fields) < 2 || len(fields) > 3 {
			return consoleCommand{}, errInvalidCommand
		}
		steps, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return consoleCommand{}, fmt.Errorf("%w: bad position %q", errInvalidCommand, fields[1])
		}
		rpm, err := rpmArg(2)
		return consoleCommand{op: 'M', steps: int32(steps), rpm: rpm}, err

	case "z":
		return consoleCommand{op: 'Z'}, nil
	case "s":
		return consoleCommand{op: 'S'}, nil
	case "q", "quit", "exit", "e":
		return consoleCommand{op: 'q'}, nil
	}
	return consoleCommand{}, errInvalidCommand
}

// repeatAnswer reports whether an answer to "Same command again?" repeats
func repeatAnswer(answer string) bool {
	switch strings.TrimSpace(answer) {
	case "", "y", "Y", "yes":
		return true
	}
	return false
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

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

	fmt.Printf("Turntable - Console\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Output Folder: %s\n\n", s.folder)

	return consoleLoop(ctx, s, os.Stdin, os.Stdout)
}

// consoleLoop reads commands from in until quit, EOF or a halted engine
func consoleLoop(ctx context.Context, s *session, in io.Reader, out io.Writer) error {
	lines := bufio.NewScanner(in)
	var last *consoleCommand

	for {
		if last == nil {
			fmt.Fprint(out, "Command: ")
		} else {
			fmt.Fprint(out, "Same command again? ")
		}
		if !lines.Scan() {
			return lines.Err()
		}
		line := lines.Text()

		var c consoleCommand
		if last != nil {
			if !repeatAnswer(line) {
				last = nil
				continue
			}
			c = *last
		} else {
			var err error
			c, err = parseConsoleCommand(line, cfg.DefaultRPM)
			if err != nil {
				fmt.Fprintf(out, "Invalid command. (%v)\n", err)
				continue
			}
		}

		if c.op == 'q' {
			return nil
		}
		logger.Debugw("console command", "command", c)

		// Ctrl+C cancels the running command only; at the prompt it exits
		cmdCtx, cancel := signalContext(ctx)
		err := executeConsoleCommand(cmdCtx, s, c, out)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			select {
			case <-s.engine.Done():
				return s.engine.Err()
			default:
			}
		}
		last = &c
	}
}

func executeConsoleCommand(ctx context.Context, s *session, c consoleCommand, out io.Writer) error {
	switch c.op {
	case 'V':
		return s.motion.SetVelocity(ctx, turnproto.AxisTurntable, c.rpm)

	case 'M':
		return s.motion.SetPosition(ctx, turnproto.AxisTurntable, c.steps, c.rpm)

	case 'Z':
		pos, err := s.motion.GetPosition(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Position: %d steps\n", pos)
		return nil

	case 'S':
		return s.motion.Stop(ctx)

	case 'P':
		run, err := s.startRun(ctx, c.count, c.rpm)
		if err != nil {
			return err
		}
		err = awaitRun(ctx, run)
		done, total := run.Progress()
		switch {
		case errors.Is(err, capture.ErrCancelled):
			fmt.Fprintf(out, "Cancelled after %d of %d photos\n", done, total)
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintf(out, "Captured %d photos\n", done)
		return nil
	}
	return errInvalidCommand
}
