// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the lifecycle state of a capture run
type RunState uint8

const (
	Idle RunState = iota
	Connecting
	MovingToPosition
	AwaitingArrival
	Capturing
	Finished
	Cancelled
	Failed
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case MovingToPosition:
		return "MovingToPosition"
	case AwaitingArrival:
		return "AwaitingArrival"
	case Capturing:
		return "Capturing"
	case Finished:
		return "Finished"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("RunState(%d)", uint8(s))
	}
}

// Terminal reports whether the run has ended
func (s RunState) Terminal() bool {
	return s == Finished || s == Cancelled || s == Failed
}

// Run is one capture run
type Run struct {
	photoCount int
	rpm        float32

	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	state    RunState
	index    int
	err      error
	manifest Manifest
}

func newRun(photoCount int, rpm float32, endPosition int32) *Run {
	return &Run{
		photoCount: photoCount,
		rpm:        rpm,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
		index:      -1,
		manifest: Manifest{
			PhotoCount:  photoCount,
			RPM:         rpm,
			EndPosition: endPosition,
			State:       Idle.String(),
		},
	}
}

// Cancel requests cooperative cancellation. The run stops the turntable
// and ends in Cancelled at its next poll.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.cancelCh)
	})
}

// Wait blocks until the run ends and returns its error: nil when
// finished, ErrCancelled when cancelled.
func (r *Run) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the run has ended
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// State returns the current state and the index of the target it applies
// to, -1 outside the target loop.
func (r *Run) State() (RunState, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.index
}

// Progress returns the number of images taken and the total
func (r *Run) Progress() (done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.manifest.Shots), r.photoCount
}

// Manifest returns a copy of the run record
func (r *Run) Manifest() *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.manifest
	m.Targets = append([]int32(nil), r.manifest.Targets...)
	m.Shots = append([]Shot(nil), r.manifest.Shots...)
	return &m
}

func (r *Run) cancelRequested(ctx context.Context) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) setState(s RunState, index int) {
	r.mu.Lock()
	r.state = s
	r.index = index
	r.manifest.State = s.String()
	r.mu.Unlock()
}

func (r *Run) setTargets(targets []int32) {
	r.mu.Lock()
	r.manifest.Targets = targets
	r.mu.Unlock()
}

func (r *Run) addShot(s Shot) {
	r.mu.Lock()
	r.manifest.Shots = append(r.manifest.Shots, s)
	r.mu.Unlock()
}

func (r *Run) finish(s RunState, err error, at time.Time) {
	r.mu.Lock()
	r.state = s
	r.index = -1
	r.err = err
	r.manifest.State = s.String()
	r.manifest.FinishedAt = at.UnixMilli()
	if err != nil {
		r.manifest.Error = err.Error()
	}
	r.mu.Unlock()
}
