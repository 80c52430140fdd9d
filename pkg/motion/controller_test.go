// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Thermoquad/turntable/pkg/devicesim"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// fakeEngine answers each command with the events returned by reply
type fakeEngine struct {
	mu      sync.Mutex
	state   engine.State
	sent    []turnproto.Command
	stopped bool
	reply   func(turnproto.Command) []turnproto.Event
	events  *engine.Queue[turnproto.Event]
}

func newFakeEngine(state engine.State, reply func(turnproto.Command) []turnproto.Event) *fakeEngine {
	return &fakeEngine{state: state, reply: reply, events: engine.NewQueue[turnproto.Event]()}
}

func (f *fakeEngine) Enqueue(cmd turnproto.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		for _, ev := range reply(cmd) {
			f.events.Push(ev)
		}
	}
	return nil
}

func (f *fakeEngine) Poll() (turnproto.Event, bool) { return f.events.TryPop() }

func (f *fakeEngine) Next(ctx context.Context) (turnproto.Event, error) {
	for {
		if ev, ok := f.events.TryPop(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return turnproto.Event{}, ctx.Err()
		case <-f.events.Ready():
		}
	}
}

func (f *fakeEngine) ClearEvents() []turnproto.Event { return f.events.Drain() }

func (f *fakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeEngine) commands() []turnproto.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turnproto.Command(nil), f.sent...)
}

// newSimController wires a controller to a real engine and a simulated
// device without periodic heartbeats.
func newSimController(t *testing.T) (*Controller, *devicesim.Device, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	dev := devicesim.New(devicesim.Options{Clock: mock})
	dev.SetHeartbeats(false)

	logger := zaptest.NewLogger(t).Sugar()
	e := engine.New(link.New(dev, logger), engine.Options{Clock: mock}, logger)
	e.Start()

	c := New(e, logger)
	t.Cleanup(func() { _ = c.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return c, dev, mock
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetPositionNegative(t *testing.T) {
	c, dev, _ := newSimController(t)
	dev.SetPosition(-1500)

	got, err := c.GetPosition(testContext(t))
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if got != -1500 {
		t.Errorf("GetPosition() = %d, want -1500", got)
	}
}

func TestSetPositionThenArrival(t *testing.T) {
	c, dev, mock := newSimController(t)
	ctx := testContext(t)

	if err := c.SetPosition(ctx, turnproto.AxisTurntable, 2000, 10); err != nil {
		t.Fatalf("SetPosition() error: %v", err)
	}

	mock.Add(time.Second)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if ev, ok := c.NextEvent(); ok {
			if !ev.IsArrival() {
				t.Fatalf("event = %v, want arrival", ev)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no arrival notice")
		}
		time.Sleep(time.Millisecond)
	}

	if got := dev.Position(); got != 2000 {
		t.Errorf("device position = %d, want 2000", got)
	}
	pos, err := c.GetPosition(ctx)
	if err != nil || pos != 2000 {
		t.Errorf("GetPosition() = %d, %v, want 2000, nil", pos, err)
	}
}

func TestSetVelocityAndStop(t *testing.T) {
	c, _, _ := newSimController(t)
	ctx := testContext(t)

	if err := c.SetVelocity(ctx, turnproto.AxisTurntable, 5); err != nil {
		t.Fatalf("SetVelocity() error: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestUnsupportedAxis(t *testing.T) {
	c, _, _ := newSimController(t)

	err := c.SetVelocity(testContext(t), turnproto.AxisHeight, 5)
	if !errors.Is(err, turnproto.ErrUnsupportedAxis) {
		t.Errorf("SetVelocity() = %v, want ErrUnsupportedAxis", err)
	}
}

func TestPendingCallUnblocksOnHalt(t *testing.T) {
	c, dev, mock := newSimController(t)
	dev.SetUnresponsive(true)

	result := make(chan error, 1)
	go func() {
		_, err := c.GetPosition(context.Background())
		result <- err
	}()

	time.Sleep(30 * time.Millisecond)
	mock.Add(3 * time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, engine.ErrLivenessTimeout) {
			t.Errorf("GetPosition() = %v, want ErrLivenessTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("GetPosition() still blocked after engine halt")
	}

	if err := c.Stop(testContext(t)); !errors.Is(err, engine.ErrEngineStopped) {
		t.Errorf("Stop() after halt = %v, want ErrEngineStopped", err)
	}
}

func TestCommandRejected(t *testing.T) {
	f := newFakeEngine(engine.Ready, func(cmd turnproto.Command) []turnproto.Event {
		if cmd.Kind == turnproto.CmdSetPosition {
			return []turnproto.Event{turnproto.GenericEvent(turnproto.OpError)}
		}
		return []turnproto.Event{turnproto.AckEvent()}
	})
	c := New(f, zaptest.NewLogger(t).Sugar())
	ctx := testContext(t)

	err := c.SetPosition(ctx, turnproto.AxisTurntable, 100, 5)
	var rejected *CommandRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("SetPosition() = %v, want CommandRejectedError", err)
	}
	if rejected.Reply.Code != turnproto.OpError || rejected.Command.Steps != 100 {
		t.Errorf("rejection = %+v", rejected)
	}

	// the session continues
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop() after rejection error: %v", err)
	}
}

func TestGetPositionRejectsAck(t *testing.T) {
	f := newFakeEngine(engine.Ready, func(turnproto.Command) []turnproto.Event {
		return []turnproto.Event{turnproto.AckEvent()}
	})
	c := New(f, nil)

	_, err := c.GetPosition(testContext(t))
	var rejected *CommandRejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("GetPosition() = %v, want CommandRejectedError", err)
	}
}

func TestStaleEventsAreDiscarded(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newFakeEngine(engine.Ready, func(turnproto.Command) []turnproto.Event {
		return []turnproto.Event{{Kind: turnproto.EventPosition, Value: 12}}
	})
	c := New(f, zap.New(core).Sugar())

	// a late ack and arrival from an earlier flow
	f.events.Push(turnproto.AckEvent())
	f.events.Push(turnproto.GenericEvent(turnproto.OpArrived))

	got, err := c.GetPosition(testContext(t))
	if err != nil || got != 12 {
		t.Fatalf("GetPosition() = %d, %v, want 12, nil", got, err)
	}
	if n := logs.FilterMessage("discarding stale event").Len(); n != 2 {
		t.Errorf("logged %d stale events, want 2", n)
	}
}

func TestNotInitialized(t *testing.T) {
	f := newFakeEngine(engine.Uninitialized, nil)
	c := New(f, nil)

	if err := c.SetVelocity(testContext(t), turnproto.AxisTurntable, 3); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetVelocity() = %v, want ErrNotInitialized", err)
	}
	if got := f.commands(); len(got) != 0 {
		t.Errorf("commands sent = %v, want none", got)
	}
}

func TestInitializeWhenReadyIsNoop(t *testing.T) {
	f := newFakeEngine(engine.Ready, nil)
	c := New(f, nil)

	if err := c.Initialize(testContext(t)); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := f.commands(); len(got) != 0 {
		t.Errorf("commands sent = %v, want none", got)
	}
}

func TestInitializeFailure(t *testing.T) {
	initErr := &engine.FatalError{Kind: engine.InitializationError, Err: errors.New("expected reply S0")}
	f := newFakeEngine(engine.Uninitialized, func(turnproto.Command) []turnproto.Event {
		return []turnproto.Event{turnproto.ErrorEvent(initErr)}
	})
	c := New(f, nil)

	if err := c.Initialize(testContext(t)); !errors.Is(err, engine.ErrInitialization) {
		t.Errorf("Initialize() = %v, want ErrInitialization", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	f := newFakeEngine(engine.Ready, nil)
	c := New(f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() = %v, want context.DeadlineExceeded", err)
	}
}

func TestShutdownStopsEngine(t *testing.T) {
	f := newFakeEngine(engine.Ready, nil)
	c := New(f, nil)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !f.stopped {
		t.Error("engine not stopped")
	}
}
