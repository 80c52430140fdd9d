// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotConnected is returned when capturing without a connection
var ErrNotConnected = errors.New("not connected")

// Simulated is a camera for dry runs. It writes an empty placeholder file
// per capture when an output folder is set.
type Simulated struct {
	OutputFolder string
	// FailAt makes the n-th capture (1-based) fail
	FailAt int

	mu          sync.Mutex
	connected   bool
	count       int
	connects    int
	disconnects int
}

// Connect implements ImageCapture
func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OutputFolder != "" {
		if err := os.MkdirAll(s.OutputFolder, 0o755); err != nil {
			return &CaptureError{Op: "connect", Err: err}
		}
	}
	s.connected = true
	s.connects++
	return nil
}

// Disconnect implements ImageCapture
func (s *Simulated) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	return nil
}

// Capture implements ImageCapture
func (s *Simulated) Capture(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", &CaptureError{Op: "capture", Err: ErrNotConnected}
	}

	s.count++
	if s.FailAt > 0 && s.count == s.FailAt {
		return "", &CaptureError{Op: "capture", Err: fmt.Errorf("simulated fault on image %d", s.count)}
	}

	name := fmt.Sprintf("sim_%04d.jpg", s.count)
	if s.OutputFolder != "" {
		if err := os.WriteFile(filepath.Join(s.OutputFolder, name), nil, 0o644); err != nil {
			return "", &CaptureError{Op: "capture", Err: err}
		}
	}
	return name, nil
}

// Captured returns the number of capture attempts
func (s *Simulated) Captured() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Sessions returns how often the camera was connected and disconnected
func (s *Simulated) Sessions() (connects, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}
