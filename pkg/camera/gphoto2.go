// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// gphoto2 configuration paths for Fujifilm bodies
const (
	FocusModeConfig   = "/main/capturesettings/focusmode"
	ImageFormatConfig = "/main/imgsettings/imageformat"
)

const (
	defaultReplyTimeout = 30 * time.Second
	defaultQuietPeriod  = 300 * time.Millisecond
)

var errShellExited = errors.New("gphoto2 shell exited")

// GPhoto2Options configures a GPhoto2 camera
type GPhoto2Options struct {
	Binary       string
	OutputFolder string

	// Applied while connected and restored on Disconnect; empty values
	// leave the camera setting untouched.
	FocusMode   string
	ImageFormat string

	// ReplyTimeout bounds the wait for a command's reply
	ReplyTimeout time.Duration
	// QuietPeriod is how long output must pause before a command without
	// a reply terminator is considered done
	QuietPeriod time.Duration
}

// GPhoto2 drives a camera through an interactive gphoto2 shell. Images are
// downloaded into the output folder.
type GPhoto2 struct {
	opts   GPhoto2Options
	logger *zap.SugaredLogger

	mu      sync.Mutex
	shell   *shell
	restore []setting

	startShell func(ctx context.Context, binary string) (*shell, error)
}

type setting struct {
	path  string
	value string
}

// shell is a running gphoto2 --shell process
type shell struct {
	stdin io.WriteCloser
	lines <-chan string
	wait  func() error
}

// NewGPhoto2 creates a gphoto2 camera
func NewGPhoto2(opts GPhoto2Options, logger *zap.SugaredLogger) *GPhoto2 {
	if opts.Binary == "" {
		opts.Binary = "gphoto2"
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GPhoto2{
		opts:       opts,
		logger:     logger.Named("camera"),
		startShell: startShell,
	}
}

func startShell(ctx context.Context, binary string) (*shell, error) {
	cmd := exec.Command(binary, "--shell")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	return &shell{stdin: stdin, lines: lines, wait: cmd.Wait}, nil
}

// Connect starts the gphoto2 shell and applies the capture settings
func (g *GPhoto2) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shell != nil {
		g.logger.Debug("already connected to camera")
		return nil
	}

	if g.opts.OutputFolder != "" {
		if err := os.MkdirAll(g.opts.OutputFolder, 0o755); err != nil {
			return &CaptureError{Op: "connect", Err: err}
		}
	}

	sh, err := g.startShell(ctx, g.opts.Binary)
	if err != nil {
		return &CaptureError{Op: "connect", Err: err}
	}
	g.shell = sh
	g.restore = nil

	if err := g.configure(ctx); err != nil {
		return multierr.Append(&CaptureError{Op: "connect", Err: err}, g.close())
	}

	g.logger.Infow("connected to camera", "output_folder", g.opts.OutputFolder)
	return nil
}

func (g *GPhoto2) configure(ctx context.Context) error {
	if g.opts.OutputFolder != "" {
		if err := g.send("lcd " + g.opts.OutputFolder); err != nil {
			return err
		}
		if err := g.drain(ctx); err != nil {
			return fmt.Errorf("lcd: %w", err)
		}
	}

	wanted := []setting{
		{path: FocusModeConfig, value: g.opts.FocusMode},
		{path: ImageFormatConfig, value: g.opts.ImageFormat},
	}
	for _, s := range wanted {
		if s.value == "" {
			continue
		}
		original, err := g.getConfig(ctx, s.path)
		if err != nil {
			return err
		}
		if err := g.setConfig(ctx, s.path, s.value); err != nil {
			return err
		}
		g.restore = append(g.restore, setting{path: s.path, value: original})
		g.logger.Debugw("camera setting changed", "path", s.path, "from", original, "to", s.value)
	}
	return nil
}

// Disconnect restores the original camera settings and exits the shell
func (g *GPhoto2) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shell == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ReplyTimeout)
	defer cancel()

	var err error
	for i := len(g.restore) - 1; i >= 0; i-- {
		s := g.restore[i]
		err = multierr.Append(err, g.setConfig(ctx, s.path, s.value))
	}
	g.restore = nil

	err = multierr.Append(err, g.close())
	if err != nil {
		return &CaptureError{Op: "disconnect", Err: err}
	}
	g.logger.Info("disconnected from camera")
	return nil
}

// Capture takes an image, downloads it and returns its file name
func (g *GPhoto2) Capture(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shell == nil {
		return "", &CaptureError{Op: "capture", Err: ErrNotConnected}
	}
	if err := g.send("capture-image-and-download"); err != nil {
		return "", &CaptureError{Op: "capture", Err: err}
	}

	for {
		line, err := g.readLine(ctx, g.opts.ReplyTimeout)
		if err != nil {
			return "", &CaptureError{Op: "capture", Err: err}
		}
		if isError(line) {
			return "", &CaptureError{Op: "capture", Err: errors.New(line)}
		}
		if strings.HasPrefix(line, "Saving file as ") {
			fields := strings.Fields(line)
			name := fields[len(fields)-1]
			if err := g.drain(ctx); err != nil {
				return "", &CaptureError{Op: "capture", Err: err}
			}
			g.logger.Debugw("image captured", "file", name)
			return name, nil
		}
	}
}

func (g *GPhoto2) getConfig(ctx context.Context, path string) (string, error) {
	if err := g.send("get-config " + path); err != nil {
		return "", err
	}

	var current string
	found := false
	for {
		line, err := g.readLine(ctx, g.opts.ReplyTimeout)
		if err != nil {
			return "", fmt.Errorf("get-config %s: %w", path, err)
		}
		if isError(line) {
			return "", fmt.Errorf("get-config %s: %s", path, line)
		}
		// all output is read up to END so it cannot leak into later replies
		if line == "END" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Current: "); ok {
			current = v
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("get-config %s: no current value", path)
	}
	return current, nil
}

func (g *GPhoto2) setConfig(ctx context.Context, path, value string) error {
	if err := g.send(fmt.Sprintf("set-config %s %s", path, value)); err != nil {
		return err
	}
	if err := g.drain(ctx); err != nil {
		return fmt.Errorf("set-config %s: %w", path, err)
	}
	return nil
}

func (g *GPhoto2) send(line string) error {
	g.logger.Debugw("gphoto2", "command", line)
	_, err := io.WriteString(g.shell.stdin, line+"\n")
	return err
}

// readLine waits for the next output line
func (g *GPhoto2) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-g.shell.lines:
		if !ok {
			return "", errShellExited
		}
		return line, nil
	case <-timer.C:
		return "", fmt.Errorf("no reply within %v", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// drain consumes output until the shell has been quiet for QuietPeriod
func (g *GPhoto2) drain(ctx context.Context) error {
	var failure error
	for {
		timer := time.NewTimer(g.opts.QuietPeriod)
		select {
		case line, ok := <-g.shell.lines:
			timer.Stop()
			if !ok {
				return multierr.Append(failure, errShellExited)
			}
			if isError(line) {
				failure = multierr.Append(failure, errors.New(line))
			}
		case <-timer.C:
			return failure
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (g *GPhoto2) close() error {
	sh := g.shell
	g.shell = nil

	_, err := io.WriteString(sh.stdin, "exit\n")
	err = multierr.Append(err, sh.stdin.Close())
	// the reader goroutine exits once stdout closes
	for range sh.lines {
	}
	return multierr.Append(err, sh.wait())
}

func isError(line string) bool {
	return strings.HasPrefix(line, "*** Error")
}
