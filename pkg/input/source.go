// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package input turns user input events into motion and capture calls.
package input

import (
	"context"
	"fmt"
	"io"
)

// Event is one input event: a control code and its normalized value.
// Buttons report 1 when pressed and 0 when released.
type Event struct {
	Code  string
	Value float64
}

func (e Event) String() string {
	return fmt.Sprintf("%s=%g", e.Code, e.Value)
}

// Source produces input events. Next returns io.EOF once the source is
// exhausted; a source cannot be restarted.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// ChannelSource is a Source fed by Send, used by the terminal UI
type ChannelSource struct {
	events chan Event
}

// NewChannelSource creates a source buffering up to size events
func NewChannelSource(size int) *ChannelSource {
	return &ChannelSource{events: make(chan Event, size)}
}

// Send queues ev, blocking while the buffer is full
func (s *ChannelSource) Send(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues ev without blocking and reports whether it was accepted
func (s *ChannelSource) TrySend(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Close ends the event stream. Send must not be called afterwards.
func (s *ChannelSource) Close() {
	close(s.events)
}

// Next implements Source
func (s *ChannelSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
