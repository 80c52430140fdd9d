// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/motion"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// Motion is the part of the motion controller the router drives
type Motion interface {
	SetVelocity(ctx context.Context, axis turnproto.Axis, rpm float32) error
	Stop(ctx context.Context) error
	GetPosition(ctx context.Context) (int32, error)
}

// Capturer starts and reports capture runs
type Capturer interface {
	Start(ctx context.Context, photoCount int, rpm float32) (*capture.Run, error)
	Active() *capture.Run
}

var (
	_ Motion   = (*motion.Controller)(nil)
	_ Capturer = (*capture.Coordinator)(nil)
)

// RunSettings are the parameters of runs started from input
type RunSettings struct {
	PhotoCount int
	RPM        float32
}

// Router dispatches input events to the motion controller and the capture
// coordinator. While a capture run is active only stop is honoured.
type Router struct {
	motion  Motion
	capture Capturer
	mapping Mapping
	run     RunSettings
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	speeds map[turnproto.Axis]float32

	// OnPosition is called with the position reported by get_position
	OnPosition func(steps int32)
}

// NewRouter creates a router
func NewRouter(m Motion, c Capturer, mapping Mapping, run RunSettings, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{
		motion:  m,
		capture: c,
		mapping: mapping,
		run:     run,
		logger:  logger.Named("input"),
		speeds:  make(map[turnproto.Axis]float32),
	}
}

// SetRunSettings changes the parameters of runs started afterwards
func (r *Router) SetRunSettings(run RunSettings) {
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()
}

// RunSettings returns the parameters used for the next run
func (r *Router) RunSettings() RunSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

// Run consumes src until it is exhausted or ctx is done. Errors from
// individual events are logged and do not end the loop.
func (r *Router) Run(ctx context.Context, src Source) error {
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.Handle(ctx, ev); err != nil {
			r.logger.Warnw("input event failed", "event", ev, "error", err)
		}
	}
}

// Handle dispatches a single event
func (r *Router) Handle(ctx context.Context, ev Event) error {
	b, ok := r.mapping.lookup(ev.Code)
	if !ok {
		r.logger.Debugw("unmapped input", "event", ev)
		return nil
	}

	if r.capture.Active() != nil && b.Action != ActionStop {
		r.logger.Debugw("ignoring input during capture run", "event", ev)
		return nil
	}

	switch b.Action {
	case ActionCircular:
		return r.moveAxis(ctx, *b.Axis, ev.Value)
	case ActionStop:
		if ev.Value == 0 {
			return nil
		}
		return r.stop(ctx)
	case ActionStart:
		if ev.Value == 0 {
			return nil
		}
		run := r.RunSettings()
		if _, err := r.capture.Start(ctx, run.PhotoCount, run.RPM); err != nil {
			return err
		}
		r.logger.Infow("capture run started from input", "photos", run.PhotoCount, "rpm", run.RPM)
		return nil
	case ActionGetPosition:
		if ev.Value == 0 {
			return nil
		}
		pos, err := r.motion.GetPosition(ctx)
		if err != nil {
			return err
		}
		r.logger.Infow("position", "steps", pos)
		if r.OnPosition != nil {
			r.OnPosition(pos)
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", b.Action)
}

// moveAxis sets the velocity for an analog value. Changes smaller than
// MinSpeedDelta are dropped so the link is not flooded.
func (r *Router) moveAxis(ctx context.Context, s AxisSettings, value float64) error {
	speed := s.Speed(value)

	r.mu.Lock()
	current := r.speeds[s.Axis]
	r.mu.Unlock()

	if speed == 0 {
		if current == 0 {
			return nil
		}
	} else if math.Abs(float64(speed-current)) < float64(s.MinSpeedDelta) {
		return nil
	}

	var err error
	if speed == 0 {
		// a centred stick stops the sweep
		err = r.motion.Stop(ctx)
	} else {
		err = r.motion.SetVelocity(ctx, s.Axis, speed)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.speeds[s.Axis] = speed
	r.mu.Unlock()
	return nil
}

// stop cancels the active run and waits for it to end, or stops motion
func (r *Router) stop(ctx context.Context) error {
	if run := r.capture.Active(); run != nil {
		r.logger.Info("cancelling capture run")
		run.Cancel()
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := run.Wait(); err != nil && !errors.Is(err, capture.ErrCancelled) {
			return err
		}
		return nil
	}

	if err := r.motion.Stop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.speeds)
	r.mu.Unlock()
	return nil
}
