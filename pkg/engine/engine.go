// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package engine implements the protocol engine: a single background
// goroutine that owns the link to the turntable controller.
//
// Producers enqueue commands on a FIFO outbound queue; the engine writes
// them in order, decodes device frames into events on the inbound queue,
// and validates the heartbeat sequence and its liveness. Any protocol
// violation halts the engine permanently. There is no internal retry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// Defaults matching the firmware's two second heartbeat interval.
const (
	DefaultPollInterval       = 10 * time.Millisecond
	DefaultHeartbeatTolerance = 2200 * time.Millisecond
	DefaultResetWait          = 500 * time.Millisecond
	DefaultInitTimeout        = 2200 * time.Millisecond
)

// Transport is the frame-level view of the link owned by the engine
type Transport interface {
	Write(frame []byte) error
	Available() (bool, error)
	ReadFrame(timeout time.Duration) (turnproto.Frame, error)
	Close() error
}

var _ Transport = (*link.Link)(nil)

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	PollInterval       time.Duration
	HeartbeatTolerance time.Duration
	ResetWait          time.Duration
	InitTimeout        time.Duration

	// Clock is used for heartbeat liveness
	Clock clock.Clock
}

// DefaultOptions returns the default engine options
func DefaultOptions() Options {
	return Options{
		PollInterval:       DefaultPollInterval,
		HeartbeatTolerance: DefaultHeartbeatTolerance,
		ResetWait:          DefaultResetWait,
		InitTimeout:        DefaultInitTimeout,
		Clock:              clock.New(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.HeartbeatTolerance <= 0 {
		o.HeartbeatTolerance = d.HeartbeatTolerance
	}
	if o.ResetWait <= 0 {
		o.ResetWait = d.ResetWait
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// State is the protocol state of the engine
type State uint8

const (
	Uninitialized State = iota
	Initializing
	Ready
	Faulted
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Faulted:
		return "Faulted"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Engine is the protocol engine
type Engine struct {
	link   Transport
	opts   Options
	clock  clock.Clock
	logger *zap.SugaredLogger

	outbound *Queue[turnproto.Command]
	inbound  *Queue[turnproto.Event]

	mu    sync.Mutex
	state State
	err   error
	stats *turnproto.Statistics

	// owned by the run goroutine
	initSent      bool
	expected      uint8
	lastHeartbeat time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
	closeErr  error
}

// New creates an engine owning t. The engine closes t when it exits.
func New(t Transport, opts Options, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	return &Engine{
		link:     t,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.Named("engine"),
		outbound: NewQueue[turnproto.Command](),
		inbound:  NewQueue[turnproto.Event](),
		stats:    turnproto.NewStatistics(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background task. Calling it again has no effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()
		go e.run()
	})
}

// Enqueue queues cmd for transmission without blocking
func (e *Engine) Enqueue(cmd turnproto.Command) error {
	if err := e.serviceErr(); err != nil {
		return err
	}
	if _, err := turnproto.EncodeCommand(cmd); err != nil {
		return err
	}
	e.outbound.Push(cmd)
	return nil
}

// Poll returns the oldest inbound event without blocking
func (e *Engine) Poll() (turnproto.Event, bool) {
	return e.inbound.TryPop()
}

// Next blocks until an inbound event is available, ctx is done, or the
// engine has exited with no events left.
func (e *Engine) Next(ctx context.Context) (turnproto.Event, error) {
	for {
		if ev, ok := e.inbound.TryPop(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return turnproto.Event{}, ctx.Err()
		case <-e.inbound.Ready():
		case <-e.done:
			if ev, ok := e.inbound.TryPop(); ok {
				return ev, nil
			}
			return turnproto.Event{}, e.serviceErr()
		}
	}
}

// ClearEvents discards and returns all pending inbound events
func (e *Engine) ClearEvents() []turnproto.Event {
	return e.inbound.Drain()
}

// Stop requests termination and waits for the background task to exit.
// It returns the fatal error if the engine had already halted.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stop)

		e.mu.Lock()
		started := e.started
		e.mu.Unlock()

		if !started {
			e.startOnce.Do(func() {})
			e.closeErr = e.link.Close()
			e.setState(Stopped, nil)
			close(e.done)
		}
	})
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Faulted {
		return e.err
	}
	return e.closeErr
}

// Done is closed when the background task has exited
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error, if any
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// State returns the current protocol state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the link statistics
func (e *Engine) Stats() turnproto.Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.stats
}

func (e *Engine) serviceErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Faulted:
		return fmt.Errorf("%w: %w", ErrEngineStopped, e.err)
	case Stopped:
		return ErrEngineStopped
	}
	return nil
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	if err != nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *Engine) run() {
	defer close(e.done)
	e.logger.Debugw("protocol engine started", "poll_interval", e.opts.PollInterval)

	for {
		select {
		case <-e.stop:
			e.shutdown()
			return
		default:
		}

		if err := e.iterate(); err != nil {
			e.halt(err)
			return
		}
	}
}

// iterate runs one pass of the loop: send at most one command, then read
// or wait for up to one poll interval.
func (e *Engine) iterate() error {
	if cmd, ok := e.outbound.TryPop(); ok {
		if err := e.send(cmd); err != nil {
			return err
		}
	}

	if e.State() != Ready {
		if !e.initSent {
			available, err := e.link.Available()
			if err != nil {
				return fatal(LinkError, "%w", err)
			}
			if available {
				if err := e.resetStaleDevice(); err != nil {
					return err
				}
			}
		}
		e.sleep()
		return nil
	}

	frame, err := e.link.ReadFrame(e.opts.PollInterval)
	switch {
	case err == nil:
		if err := e.handleFrame(frame); err != nil {
			return err
		}
	case errors.Is(err, link.ErrReadTimeout):
	case errors.Is(err, link.ErrMalformedFrame):
		e.recordFrame(nil, err)
		e.logger.Warnw("discarding malformed frame", "error", err)
	default:
		return fatal(LinkError, "%w", err)
	}

	if gap := e.clock.Since(e.lastHeartbeat); gap > e.opts.HeartbeatTolerance {
		return fatal(LivenessTimeoutError, "no heartbeat for %v (tolerance %v)", gap, e.opts.HeartbeatTolerance)
	}
	return nil
}

func (e *Engine) send(cmd turnproto.Command) error {
	frame, err := turnproto.EncodeCommand(cmd)
	if err != nil {
		// validated by Enqueue
		e.logger.Errorw("dropping unencodable command", "command", cmd, "error", err)
		return nil
	}
	if err := e.link.Write(frame); err != nil {
		return fatal(LinkError, "send %s: %w", cmd, err)
	}

	e.mu.Lock()
	e.stats.CommandSent()
	e.mu.Unlock()
	e.logger.Debugw("command sent", "command", cmd)

	if cmd.Kind == turnproto.CmdInitialize && !e.initSent {
		e.initSent = true
		return e.awaitInitialization()
	}
	return nil
}

// awaitInitialization requires the first reply to Initialize to be a
// status frame carrying counter 0.
func (e *Engine) awaitInitialization() error {
	e.setState(Initializing, nil)
	e.logger.Info("initializing device")

	frame, err := e.link.ReadFrame(e.opts.InitTimeout)
	if err != nil {
		if errors.Is(err, link.ErrReadTimeout) || errors.Is(err, link.ErrMalformedFrame) {
			return fatal(InitializationError, "no status reply: %w", err)
		}
		return fatal(LinkError, "initialization: %w", err)
	}
	e.recordFrame(&frame, nil)

	counter, ok := frame.Counter()
	if !ok || counter != 0 {
		return fatal(InitializationError, "expected reply S0, got %s", formatFrame(frame))
	}

	e.expected = 1
	e.lastHeartbeat = e.clock.Now()
	e.setState(Ready, nil)
	e.inbound.Push(turnproto.Event{Kind: turnproto.EventStatus, Counter: 0, Timestamp: frame.Timestamp})
	e.logger.Info("device initialized")
	return nil
}

// resetStaleDevice handles a device that kept running across a host
// restart: it is reset and must acknowledge within the reset wait.
func (e *Engine) resetStaleDevice() error {
	e.logger.Warn("device is sending before initialization, resetting it")

	if err := e.link.Write(turnproto.MustEncodeCommand(turnproto.Reset())); err != nil {
		return fatal(LinkError, "send reset: %w", err)
	}
	e.mu.Lock()
	e.stats.CommandSent()
	e.mu.Unlock()

	deadline := time.Now().Add(e.opts.ResetWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fatal(ResetError, "no reset acknowledgment within %v", e.opts.ResetWait)
		}

		frame, err := e.link.ReadFrame(remaining)
		switch {
		case err == nil:
		case errors.Is(err, link.ErrReadTimeout):
			continue
		case errors.Is(err, link.ErrMalformedFrame):
			// stale bytes may start mid-frame
			e.logger.Debugw("discarding stale bytes", "error", err)
			continue
		default:
			return fatal(LinkError, "reset: %w", err)
		}

		if frame.Opcode == turnproto.OpResetAck {
			e.logger.Info("device has been reset")
			return nil
		}
		e.logger.Debugw("discarding stale frame", "frame", formatFrame(frame))
	}
}

func (e *Engine) handleFrame(frame turnproto.Frame) error {
	e.recordFrame(&frame, nil)

	switch frame.Opcode {
	case turnproto.OpStatus:
		counter, _ := frame.Counter()
		if counter != e.expected {
			return fatal(CounterDesyncError, "expected counter %d, got %d", e.expected, counter)
		}
		e.expected++ // wraps modulo 256
		e.lastHeartbeat = e.clock.Now()
		return nil

	case turnproto.OpComment:
		e.logger.Infow("device comment", "text", frame.Text())
		return nil
	}

	ev, err := turnproto.EventFromFrame(frame)
	if err != nil {
		e.logger.Warnw("discarding frame", "error", err)
		return nil
	}
	e.inbound.Push(ev)
	e.logger.Debugw("event received", "event", ev)
	return nil
}

func (e *Engine) recordFrame(frame *turnproto.Frame, err error) {
	e.mu.Lock()
	e.stats.Update(frame, err)
	e.mu.Unlock()
}

func (e *Engine) sleep() {
	timer := time.NewTimer(e.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-e.stop:
	case <-timer.C:
	}
}

func (e *Engine) halt(err error) {
	e.setState(Faulted, err)
	e.logger.Errorw("protocol engine halted", "error", err)
	e.inbound.Push(turnproto.ErrorEvent(err))

	if closeErr := e.link.Close(); closeErr != nil {
		e.logger.Warnw("closing link", "error", closeErr)
	}
}

func (e *Engine) shutdown() {
	e.closeErr = multierr.Append(e.closeErr, e.link.Close())
	e.setState(Stopped, nil)
	e.logger.Debug("protocol engine stopped")
}

func formatFrame(f turnproto.Frame) string {
	return fmt.Sprintf("%q % X", f.Opcode, f.Payload)
}
