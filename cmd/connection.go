// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/turntable/pkg/devicesim"
	"github.com/Thermoquad/turntable/pkg/link"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("TURNTABLE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenLink opens a simulated, WebSocket or serial link based on flags.
// A serial port that is not present yet is retried until ctx is done.
func OpenLink(ctx context.Context) (*link.Link, string, error) {
	linkLogger := logger.Named("link")

	if simulate {
		dev := devicesim.New(devicesim.Options{StepsPerRevolution: cfg.EndPosition})
		return link.New(dev, linkLogger), "Simulated device", nil
	}

	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := link.OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return link.New(conn, linkLogger), fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		l, err := link.OpenSerial(ctx, portName, baudRate, cfg.OpenRetry(), linkLogger)
		if err != nil {
			return nil, "", err
		}
		return l, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", errors.New("one of --port, --url or --simulate must be specified (or serial_settings.port in the config)")
}
