// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package motion provides a synchronous facade over the protocol engine.
//
// Each call clears stale inbound events, enqueues one command and blocks
// until the matching reply class arrives. Calls are serialized. When the
// engine halts, a pending call returns the engine's fatal error.
package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// ErrNotInitialized is returned for motion commands sent before Initialize
var ErrNotInitialized = errors.New("device not initialized")

// CommandRejectedError reports a reply other than the one a command expects
type CommandRejectedError struct {
	Command turnproto.Command
	Reply   turnproto.Event
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s rejected: device replied %s", e.Command, e.Reply)
}

// Engine is the part of the protocol engine the controller drives
type Engine interface {
	Enqueue(cmd turnproto.Command) error
	Poll() (turnproto.Event, bool)
	Next(ctx context.Context) (turnproto.Event, error)
	ClearEvents() []turnproto.Event
	State() engine.State
	Stop() error
}

var _ Engine = (*engine.Engine)(nil)

// Controller issues one command at a time and waits for its reply
type Controller struct {
	mu     sync.Mutex
	engine Engine
	logger *zap.SugaredLogger
}

// New creates a controller driving e
func New(e Engine, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{engine: e, logger: logger.Named("motion")}
}

// Initialize performs the initialization handshake. It is a no-op when the
// engine is already Ready.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine.State() == engine.Ready {
		return nil
	}

	c.clearStale()
	if err := c.engine.Enqueue(turnproto.Initialize()); err != nil {
		return err
	}

	for {
		ev, err := c.engine.Next(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case turnproto.EventStatus:
			return nil
		case turnproto.EventError:
			return ev.Err
		default:
			c.logger.Debugw("ignoring event during initialization", "event", ev)
		}
	}
}

// SetVelocity starts a sweep of axis at rpm
func (c *Controller) SetVelocity(ctx context.Context, axis turnproto.Axis, rpm float32) error {
	_, err := c.call(ctx, turnproto.SetVelocity(axis, rpm), turnproto.EventAck)
	return err
}

// SetPosition starts a move of axis to the absolute step position at rpm.
// It returns once the move is acknowledged; the arrival notice follows
// asynchronously and is available from NextEvent.
func (c *Controller) SetPosition(ctx context.Context, axis turnproto.Axis, steps int32, rpm float32) error {
	_, err := c.call(ctx, turnproto.SetPosition(axis, steps, rpm), turnproto.EventAck)
	return err
}

// GetPosition returns the current step position
func (c *Controller) GetPosition(ctx context.Context) (int32, error) {
	ev, err := c.call(ctx, turnproto.GetPosition(), turnproto.EventPosition)
	if err != nil {
		return 0, err
	}
	return ev.Value, nil
}

// Stop halts all motion
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.call(ctx, turnproto.Stop(), turnproto.EventAck)
	return err
}

// Shutdown stops the engine and waits for it to exit
func (c *Controller) Shutdown() error {
	c.logger.Debug("shutting down protocol engine")
	err := c.engine.Stop()
	if errors.Is(err, engine.ErrEngineStopped) {
		return nil
	}
	return err
}

// NextEvent returns the oldest pending event without blocking
func (c *Controller) NextEvent() (turnproto.Event, bool) {
	return c.engine.Poll()
}

// Ready reports whether the engine has completed initialization
func (c *Controller) Ready() bool {
	return c.engine.State() == engine.Ready
}

func (c *Controller) call(ctx context.Context, cmd turnproto.Command, want turnproto.EventKind) (turnproto.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine.State() == engine.Uninitialized {
		return turnproto.Event{}, ErrNotInitialized
	}

	c.clearStale()
	if err := c.engine.Enqueue(cmd); err != nil {
		return turnproto.Event{}, err
	}

	ev, err := c.engine.Next(ctx)
	if err != nil {
		return turnproto.Event{}, fmt.Errorf("%s: %w", cmd, err)
	}
	switch ev.Kind {
	case want:
		return ev, nil
	case turnproto.EventError:
		return turnproto.Event{}, ev.Err
	default:
		return turnproto.Event{}, &CommandRejectedError{Command: cmd, Reply: ev}
	}
}

// clearStale drops events left over from earlier calls so they cannot be
// taken as the reply to the next command.
func (c *Controller) clearStale() {
	for _, ev := range c.engine.ClearEvents() {
		if ev.Kind == turnproto.EventError {
			// the engine has halted; Enqueue reports it
			continue
		}
		c.logger.Debugw("discarding stale event", "event", ev)
	}
}
