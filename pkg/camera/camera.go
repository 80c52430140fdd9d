// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package camera provides image capture devices for capture runs.
package camera

import (
	"context"
	"fmt"
)

// ImageCapture is a camera used as a scoped resource: Connect before the
// first Capture, Disconnect on every exit path.
type ImageCapture interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// Capture takes one image and returns its identifier
	Capture(ctx context.Context) (string, error)
}

// CaptureError reports a camera fault
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
