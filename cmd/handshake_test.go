// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/turntable/pkg/devicesim"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/motion"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

func newHandshakeRig(t *testing.T, dev *devicesim.Device) (*engine.Engine, *motion.Controller) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	eng := engine.New(link.New(dev, logger), engine.DefaultOptions(), logger)
	eng.Start()
	mc := motion.New(eng, logger)
	t.Cleanup(func() { _ = mc.Shutdown() })
	return eng, mc
}

func TestHandshake(t *testing.T) {
	dev := devicesim.New(devicesim.Options{HeartbeatInterval: 20 * time.Millisecond})
	eng, mc := newHandshakeRig(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	beats, err := handshake(ctx, eng, mc, 2)
	if err != nil {
		t.Fatalf("handshake() error: %v", err)
	}
	if beats < 2 {
		t.Errorf("handshake() = %d heartbeats, want at least 2", beats)
	}
	if !dev.Initialized() {
		t.Error("device not initialized")
	}
}

func TestHandshake_Unresponsive(t *testing.T) {
	dev := devicesim.New(devicesim.Options{})
	dev.SetUnresponsive(true)
	eng, mc := newHandshakeRig(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := handshake(ctx, eng, mc, 1); err == nil {
		t.Fatal("handshake() with a silent device succeeded")
	} else if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, engine.ErrInitialization) {
		t.Errorf("handshake() error = %v", err)
	}
}

func TestProbe(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	dev := devicesim.New(devicesim.Options{HeartbeatInterval: 20 * time.Millisecond})
	l := link.New(dev, logger)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, ok := probe(ctx, l)
	if !ok {
		t.Fatalf("probe() = %q, want a turntable", result)
	}
	if !strings.HasPrefix(result, "turntable (heartbeat S0)") {
		t.Errorf("probe() = %q", result)
	}
	if !bytes.HasSuffix(dev.Received(), turnproto.MustEncodeCommand(turnproto.Reset())) {
		t.Errorf("device received %q, want a trailing reset", dev.Received())
	}
}

func TestProbe_Silent(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	dev := devicesim.New(devicesim.Options{})
	dev.SetUnresponsive(true)
	l := link.New(dev, logger)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if result, ok := probe(ctx, l); ok || result != "no response" {
		t.Errorf("probe() = %q, %v", result, ok)
	}
}
