// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package input

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/turntable/pkg/camera"
	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

type fakeMotion struct {
	mu         sync.Mutex
	velocities []float32
	stops      int
	position   int32
	arrivals   bool
	events     []turnproto.Event
}

func (f *fakeMotion) SetVelocity(ctx context.Context, axis turnproto.Axis, rpm float32) error {
	if axis != turnproto.AxisTurntable {
		return turnproto.ErrUnsupportedAxis
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.velocities = append(f.velocities, rpm)
	return nil
}

func (f *fakeMotion) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeMotion) GetPosition(ctx context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeMotion) SetPosition(ctx context.Context, axis turnproto.Axis, steps int32, rpm float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.arrivals {
		f.events = append(f.events, turnproto.GenericEvent(turnproto.OpArrived))
	}
	return nil
}

func (f *fakeMotion) NextEvent() (turnproto.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return turnproto.Event{}, false
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, true
}

func (f *fakeMotion) snapshot() ([]float32, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float32(nil), f.velocities...), f.stops
}

func stickSettings() *AxisSettings {
	return &AxisSettings{
		Axis:          turnproto.AxisTurntable,
		MinValue:      0,
		MaxValue:      255,
		ZeroRange:     [2]float64{118, 138},
		MinSpeed:      1,
		MaxSpeed:      21,
		MinSpeedDelta: 0.5,
	}
}

func newTestRouter(t *testing.T, m *fakeMotion) (*Router, *capture.Coordinator) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	coord := capture.New(m, &camera.Simulated{}, capture.Settings{EndPosition: 8000, PollInterval: time.Millisecond}, logger)
	mapping := Mapping{
		{Code: "ABS_X", Action: ActionCircular, Axis: stickSettings()},
		{Code: "BTN_SOUTH", Action: ActionStart},
		{Code: "BTN_EAST", Action: ActionStop},
		{Code: "BTN_NORTH", Action: ActionGetPosition},
	}
	return NewRouter(m, coord, mapping, RunSettings{PhotoCount: 3, RPM: 5}, logger), coord
}

func TestAxisSpeed(t *testing.T) {
	s := *stickSettings()
	tests := []struct {
		name  string
		value float64
		want  float32
	}{
		{"centre", 127.5, 0},
		{"dead zone low", 118, 0},
		{"dead zone high", 138, 0},
		{"full right", 255, 21},
		{"full left", 0, -21},
		{"beyond range", 300, 21},
		{"half right", 191.25, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Speed(tt.value); got != tt.want {
				t.Errorf("Speed(%g) = %g, want %g", tt.value, got, tt.want)
			}
		})
	}

	s.Flip = true
	if got := s.Speed(255); got != -21 {
		t.Errorf("flipped Speed(255) = %g, want -21", got)
	}
}

func TestMappingValidate(t *testing.T) {
	if err := DefaultMapping().Validate(); err != nil {
		t.Errorf("DefaultMapping().Validate() error: %v", err)
	}

	bad := Mapping{
		{Code: "ABS_X", Action: ActionCircular},
		{Code: "BTN_A", Action: "dance"},
		{Code: "BTN_A", Action: ActionStop},
		{Code: "ABS_Y", Action: ActionCircular, Axis: &AxisSettings{MinValue: 10, MaxValue: 0}},
	}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted an invalid mapping")
	}
}

func TestRouterCircularAxis(t *testing.T) {
	m := &fakeMotion{}
	r, _ := newTestRouter(t, m)
	ctx := context.Background()

	for _, v := range []float64{255, 254, 127, 127, 0} {
		if err := r.Handle(ctx, Event{Code: "ABS_X", Value: v}); err != nil {
			t.Fatalf("Handle(%g) error: %v", v, err)
		}
	}

	// 254 is within the minimum speed change of 255; the centre stops once
	velocities, stops := m.snapshot()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
	want := []float32{21, -21}
	if len(velocities) != len(want) {
		t.Fatalf("velocities = %v, want %v", velocities, want)
	}
	for i := range want {
		if velocities[i] != want[i] {
			t.Errorf("velocities[%d] = %g, want %g", i, velocities[i], want[i])
		}
	}
}

func TestRouterUnsupportedAxis(t *testing.T) {
	m := &fakeMotion{}
	r, _ := newTestRouter(t, m)
	s := stickSettings()
	s.Axis = turnproto.AxisHeight
	r.mapping = append(r.mapping, Binding{Code: "ABS_RY", Action: ActionCircular, Axis: s})

	err := r.Handle(context.Background(), Event{Code: "ABS_RY", Value: 255})
	if !errors.Is(err, turnproto.ErrUnsupportedAxis) {
		t.Errorf("Handle() = %v, want ErrUnsupportedAxis", err)
	}
}

func TestRouterStopAndPosition(t *testing.T) {
	m := &fakeMotion{position: 4321}
	r, _ := newTestRouter(t, m)
	ctx := context.Background()

	var reported int32
	r.OnPosition = func(steps int32) { reported = steps }

	_ = r.Handle(ctx, Event{Code: "BTN_NORTH", Value: 1})
	_ = r.Handle(ctx, Event{Code: "BTN_NORTH", Value: 0})
	if reported != 4321 {
		t.Errorf("reported position = %d, want 4321", reported)
	}

	_ = r.Handle(ctx, Event{Code: "BTN_EAST", Value: 1})
	_ = r.Handle(ctx, Event{Code: "BTN_EAST", Value: 0})
	if _, stops := m.snapshot(); stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}

	if err := r.Handle(ctx, Event{Code: "BTN_MODE", Value: 1}); err != nil {
		t.Errorf("unmapped code error: %v", err)
	}
}

func TestRouterIgnoresMotionDuringRun(t *testing.T) {
	m := &fakeMotion{}
	r, coord := newTestRouter(t, m)
	ctx := context.Background()

	if err := r.Handle(ctx, Event{Code: "BTN_SOUTH", Value: 1}); err != nil {
		t.Fatalf("start error: %v", err)
	}
	run := coord.Active()
	if run == nil {
		t.Fatal("no active run after start")
	}

	_ = r.Handle(ctx, Event{Code: "ABS_X", Value: 255})
	_ = r.Handle(ctx, Event{Code: "BTN_SOUTH", Value: 1})
	if velocities, _ := m.snapshot(); len(velocities) != 0 {
		t.Errorf("velocity set during run: %v", velocities)
	}

	// stop cancels the run and waits for it
	if err := r.Handle(ctx, Event{Code: "BTN_EAST", Value: 1}); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if s, _ := run.State(); s != capture.Cancelled {
		t.Errorf("run state = %v, want Cancelled", s)
	}
	if coord.Active() != nil {
		t.Error("run still active after stop")
	}

	// motion input is honoured again
	_ = r.Handle(ctx, Event{Code: "ABS_X", Value: 255})
	if velocities, _ := m.snapshot(); len(velocities) != 1 {
		t.Errorf("velocities after run = %v, want one", velocities)
	}
}

func TestRouterRunConsumesSource(t *testing.T) {
	m := &fakeMotion{}
	r, _ := newTestRouter(t, m)
	src := NewChannelSource(4)
	ctx := context.Background()

	_ = src.Send(ctx, Event{Code: "ABS_X", Value: 255})
	_ = src.Send(ctx, Event{Code: "BTN_EAST", Value: 1})
	src.Close()

	if err := r.Run(ctx, src); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	velocities, stops := m.snapshot()
	if len(velocities) != 1 || stops != 1 {
		t.Errorf("velocities = %v, stops = %d", velocities, stops)
	}
}

func TestChannelSourceContext(t *testing.T) {
	src := NewChannelSource(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() = %v, want context.Canceled", err)
	}
	if err := src.Send(ctx, Event{Code: "BTN_EAST"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() = %v, want context.Canceled", err)
	}
}

func TestMappingFind(t *testing.T) {
	m := DefaultMapping()

	b, ok := m.Find(ActionStop)
	if !ok || b.Code != "BTN_EAST" {
		t.Errorf("Find(stop) = %+v, %v", b, ok)
	}
	if b, ok := m.Find(ActionCircular); !ok || b.Axis == nil {
		t.Errorf("Find(circular) = %+v, %v", b, ok)
	}
	if _, ok := (Mapping{}).Find(ActionStart); ok {
		t.Error("Find on empty mapping succeeded")
	}
}

func TestRouterRunSettings(t *testing.T) {
	m := &fakeMotion{arrivals: true}
	r, coord := newTestRouter(t, m)
	ctx := context.Background()

	r.SetRunSettings(RunSettings{PhotoCount: 2, RPM: 7})
	if got := r.RunSettings(); got.PhotoCount != 2 || got.RPM != 7 {
		t.Fatalf("RunSettings() = %+v", got)
	}

	if err := r.Handle(ctx, Event{Code: "BTN_SOUTH", Value: 1}); err != nil {
		t.Fatalf("start error: %v", err)
	}
	run := coord.Active()
	if run == nil {
		t.Fatal("no active run after start")
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if done, total := run.Progress(); done != 2 || total != 2 {
		t.Errorf("Progress() = %d/%d, want 2/2", done, total)
	}
}

func TestChannelSourceTrySend(t *testing.T) {
	src := NewChannelSource(1)

	if !src.TrySend(Event{Code: "BTN_EAST", Value: 1}) {
		t.Fatal("TrySend() into empty buffer failed")
	}
	if src.TrySend(Event{Code: "BTN_EAST", Value: 0}) {
		t.Error("TrySend() into full buffer succeeded")
	}

	ev, err := src.Next(context.Background())
	if err != nil || ev.Code != "BTN_EAST" || ev.Value != 1 {
		t.Errorf("Next() = %v, %v", ev, err)
	}
}
