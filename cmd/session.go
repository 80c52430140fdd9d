// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/multierr"

	"github.com/Thermoquad/turntable/pkg/camera"
	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/config"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/motion"
)

// session is an initialized turntable with its camera and capture
// coordinator
type session struct {
	info    string
	folder  string
	engine  *engine.Engine
	motion  *motion.Controller
	camera  camera.ImageCapture
	capture *capture.Coordinator
}

// openSession opens the link, starts the protocol engine and initializes
// the device. Images of this session go to a timestamped subfolder of the
// configured output folder.
func openSession(ctx context.Context) (*session, error) {
	l, info, err := OpenLink(ctx)
	if err != nil {
		return nil, err
	}

	eng := engine.New(l, cfg.EngineOptions(), logger)
	eng.Start()

	s := &session{
		info:   info,
		folder: cfg.SessionFolder(time.Now()),
		engine: eng,
		motion: motion.New(eng, logger),
	}
	s.camera = newCamera(s.folder)
	s.capture = capture.New(s.motion, s.camera, cfg.CaptureSettings(s.folder), logger)

	logger.Infow("session opened", "connection", info, "output_folder", s.folder)

	if !simulate {
		// the controller resets when the port opens
		delay := cfg.StartupDelay()
		logger.Debugw("waiting for device startup", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, multierr.Combine(ctx.Err(), s.motion.Shutdown())
		}
	}

	if err := s.motion.Initialize(ctx); err != nil {
		return nil, multierr.Combine(fmt.Errorf("initialize: %w", err), s.motion.Shutdown())
	}
	logger.Info("turntable initialized")
	return s, nil
}

func newCamera(folder string) camera.ImageCapture {
	if simulate || cfg.Camera.Type == config.CameraSimulated {
		return &camera.Simulated{OutputFolder: folder}
	}
	return camera.NewGPhoto2(cfg.GPhoto2Options(folder), logger)
}

// startRun starts a capture run of photoCount images at rpm
func (s *session) startRun(ctx context.Context, photoCount int, rpm float32) (*capture.Run, error) {
	run, err := s.capture.Start(ctx, photoCount, rpm)
	if err != nil {
		return nil, err
	}
	logger.Infow("capture run started", "photos", photoCount, "rpm", rpm, "folder", s.folder)
	return run, nil
}

// awaitRun waits for run to end. When ctx is done first the run is
// cancelled and awaited.
func awaitRun(ctx context.Context, run *capture.Run) error {
	select {
	case <-run.Done():
	case <-ctx.Done():
		logger.Info("cancelling capture run")
		run.Cancel()
		<-run.Done()
	}
	return run.Wait()
}

// Close cancels any active run, stops the turntable and shuts the engine
// down.
func (s *session) Close() error {
	var errs error
	if run := s.capture.Active(); run != nil {
		run.Cancel()
		<-run.Done()
		if err := run.Wait(); err != nil && !errors.Is(err, capture.ErrCancelled) {
			errs = multierr.Append(errs, err)
		}
	}

	if s.motion.Ready() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.motion.Stop(ctx); err != nil {
			logger.Warnw("stop on close failed", "error", err)
		}
		cancel()
	}

	stats := s.engine.Stats()
	logger.Debugw("link statistics", "frames", stats.TotalFrames, "heartbeats", stats.Heartbeats,
		"commands", stats.CommandsSent, "decode_errors", stats.DecodeErrors)

	return multierr.Append(errs, s.motion.Shutdown())
}

// signalContext returns a context cancelled by Ctrl+C
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
