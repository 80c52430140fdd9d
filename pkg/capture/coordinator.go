// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture sequences turntable motion and image capture.
//
// A run visits equally spaced positions, starting from whichever end of
// travel is closer, and takes one image after each arrival. Only one run
// may be active at a time. Cancellation is cooperative: it is checked once
// per poll iteration and stops the turntable.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/camera"
	"github.com/Thermoquad/turntable/pkg/motion"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

var (
	// ErrRunActive is returned when starting a run while another is active
	ErrRunActive = errors.New("capture run already active")
	// ErrCancelled is returned by Wait for a cancelled run
	ErrCancelled = errors.New("capture run cancelled")
	// ErrInvalidPhotoCount is returned for a photo count below 1
	ErrInvalidPhotoCount = errors.New("photo count must be at least 1")
)

// DefaultPollInterval is the arrival polling granularity
const DefaultPollInterval = 10 * time.Millisecond

// Motion is the part of the motion controller a run drives
type Motion interface {
	GetPosition(ctx context.Context) (int32, error)
	SetPosition(ctx context.Context, axis turnproto.Axis, steps int32, rpm float32) error
	Stop(ctx context.Context) error
	NextEvent() (turnproto.Event, bool)
}

var _ Motion = (*motion.Controller)(nil)

// Settings configures capture runs
type Settings struct {
	EndPosition  int32
	SettleDelay  time.Duration
	PollInterval time.Duration
	// OutputFolder receives the manifest; empty disables it
	OutputFolder string
	Clock        clock.Clock
}

// Coordinator starts capture runs
type Coordinator struct {
	motion   Motion
	camera   camera.ImageCapture
	settings Settings
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	active *Run
}

// New creates a coordinator
func New(m Motion, cam camera.ImageCapture, settings Settings, logger *zap.SugaredLogger) *Coordinator {
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		motion:   m,
		camera:   cam,
		settings: settings,
		logger:   logger.Named("capture"),
	}
}

// Start launches a run of photoCount images at rpm in the background
func (c *Coordinator) Start(ctx context.Context, photoCount int, rpm float32) (*Run, error) {
	if photoCount < 1 {
		return nil, ErrInvalidPhotoCount
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.finished() {
		return nil, ErrRunActive
	}

	r := newRun(photoCount, rpm, c.settings.EndPosition)
	c.active = r
	go c.execute(ctx, r)
	return r, nil
}

// Active returns the active run, or nil
func (c *Coordinator) Active() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.finished() {
		return nil
	}
	return c.active
}

func (c *Coordinator) execute(ctx context.Context, r *Run) {
	now := c.settings.Clock.Now()
	r.mu.Lock()
	r.manifest.StartedAt = now.UnixMilli()
	r.mu.Unlock()

	logger := c.logger.With("photos", r.photoCount, "rpm", r.rpm)
	logger.Info("capture run started")

	state, err := c.capture(ctx, r, logger)

	switch state {
	case Finished:
		logger.Info("capture run finished")
	case Cancelled:
		logger.Info("capture run cancelled")
		err = ErrCancelled
	default:
		logger.Errorw("capture run failed", "error", err)
	}

	r.finish(state, err, c.settings.Clock.Now())
	if c.settings.OutputFolder != "" {
		path, werr := WriteManifest(c.settings.OutputFolder, r.Manifest())
		if werr != nil {
			logger.Warnw("failed to write manifest", "error", werr)
		} else {
			logger.Debugw("manifest written", "path", path)
		}
	}
	close(r.done)
}

func (c *Coordinator) capture(ctx context.Context, r *Run, logger *zap.SugaredLogger) (state RunState, err error) {
	r.setState(Connecting, -1)

	current, err := c.motion.GetPosition(ctx)
	if err != nil {
		return Failed, fmt.Errorf("get position: %w", err)
	}
	targets := OrderTargets(Targets(r.photoCount, c.settings.EndPosition), current, c.settings.EndPosition)
	r.setTargets(targets)
	logger.Debugw("capture targets", "current", current, "targets", targets)

	if err := c.camera.Connect(ctx); err != nil {
		return Failed, err
	}
	defer func() {
		if derr := c.camera.Disconnect(); derr != nil {
			logger.Warnw("camera disconnect failed", "error", derr)
			if state == Failed {
				err = multierr.Append(err, derr)
			}
		}
	}()

	for i, target := range targets {
		if r.cancelRequested(ctx) {
			return c.cancel(ctx, logger)
		}

		r.setState(MovingToPosition, i)
		logger.Debugw("moving to position", "index", i, "target", target)
		if err := c.motion.SetPosition(ctx, turnproto.AxisTurntable, target, r.rpm); err != nil {
			if r.cancelRequested(ctx) {
				return c.cancel(ctx, logger)
			}
			return Failed, fmt.Errorf("move to %d: %w", target, err)
		}

		r.setState(AwaitingArrival, i)
		arrived, err := c.awaitArrival(ctx, r)
		if err != nil {
			return Failed, err
		}
		if !arrived {
			return c.cancel(ctx, logger)
		}

		if !c.settle(ctx, r) {
			return c.cancel(ctx, logger)
		}

		r.setState(Capturing, i)
		image, err := c.camera.Capture(ctx)
		if err != nil {
			return Failed, err
		}
		r.addShot(Shot{Index: i, Position: target, Image: image, TakenAt: c.settings.Clock.Now().UnixMilli()})
		logger.Infow("image captured", "index", i+1, "of", len(targets), "position", target, "image", image)
	}
	return Finished, nil
}

// awaitArrival polls for the arrival notice. It returns false when the run
// was cancelled first.
func (c *Coordinator) awaitArrival(ctx context.Context, r *Run) (bool, error) {
	ticker := time.NewTicker(c.settings.PollInterval)
	defer ticker.Stop()

	for {
		if r.cancelRequested(ctx) {
			return false, nil
		}
		for {
			ev, ok := c.motion.NextEvent()
			if !ok {
				break
			}
			if ev.IsArrival() {
				return true, nil
			}
			if ev.Kind == turnproto.EventError {
				return false, ev.Err
			}
			c.logger.Debugw("ignoring event while awaiting arrival", "event", ev)
		}
		<-ticker.C
	}
}

// settle waits the settle delay; false means cancelled
func (c *Coordinator) settle(ctx context.Context, r *Run) bool {
	if c.settings.SettleDelay <= 0 {
		return !r.cancelRequested(ctx)
	}
	timer := c.settings.Clock.Timer(c.settings.SettleDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !r.cancelRequested(ctx)
	case <-r.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// cancel stops the turntable; the stop is issued even when ctx is done
func (c *Coordinator) cancel(ctx context.Context, logger *zap.SugaredLogger) (RunState, error) {
	if err := c.motion.Stop(context.WithoutCancel(ctx)); err != nil {
		logger.Warnw("stop after cancellation failed", "error", err)
		return Failed, fmt.Errorf("stop: %w", err)
	}
	return Cancelled, nil
}
