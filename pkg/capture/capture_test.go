// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/turntable/pkg/camera"
	"github.com/Thermoquad/turntable/pkg/devicesim"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/link"
	"github.com/Thermoquad/turntable/pkg/motion"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// fakeMotion records moves and posts an arrival notice for each one
// unless holdArrival is set.
type fakeMotion struct {
	mu          sync.Mutex
	position    int32
	moves       []int32
	stops       int
	events      []turnproto.Event
	holdArrival bool
	positionErr error
}

func (f *fakeMotion) GetPosition(ctx context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, f.positionErr
}

func (f *fakeMotion) SetPosition(ctx context.Context, axis turnproto.Axis, steps int32, rpm float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, steps)
	if !f.holdArrival {
		f.position = steps
		f.events = append(f.events, turnproto.GenericEvent(turnproto.OpArrived))
	}
	return nil
}

func (f *fakeMotion) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
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

func (f *fakeMotion) post(ev turnproto.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeMotion) recorded() (moves []int32, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.moves...), f.stops
}

func waitForState(t *testing.T, r *Run, want RunState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := r.State(); s == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	s, _ := r.State()
	t.Fatalf("run state = %v, want %v", s, want)
}

func waitRun(t *testing.T, r *Run) error {
	t.Helper()
	select {
	case <-r.Done():
		return r.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end")
		return nil
	}
}

func TestTargets(t *testing.T) {
	tests := []struct {
		name  string
		count int
		end   int32
		want  []int32
	}{
		{"four of 8000", 4, 8000, []int32{0, 2000, 4000, 6000}},
		{"single", 1, 8000, []int32{0}},
		{"rounded", 3, 14266, []int32{0, 4755, 9511}},
		{"negative end", 2, -1000, []int32{0, -500}},
		{"none", 0, 8000, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Targets(tt.count, tt.end); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Targets(%d, %d) = %v, want %v", tt.count, tt.end, got, tt.want)
			}
		})
	}
}

func TestOrderTargets(t *testing.T) {
	targets := Targets(4, 8000)
	tests := []struct {
		name    string
		current int32
		want    []int32
	}{
		{"closer to end", 7000, []int32{6000, 4000, 2000, 0}},
		{"closer to start", 1000, []int32{0, 2000, 4000, 6000}},
		{"midpoint keeps order", 4000, []int32{0, 2000, 4000, 6000}},
		{"beyond end", 9000, []int32{6000, 4000, 2000, 0}},
		{"below start", -500, []int32{0, 2000, 4000, 6000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OrderTargets(targets, tt.current, 8000)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("OrderTargets(current=%d) = %v, want %v", tt.current, got, tt.want)
			}
		})
	}

	if !reflect.DeepEqual(targets, []int32{0, 2000, 4000, 6000}) {
		t.Errorf("OrderTargets modified its input: %v", targets)
	}
}

func TestRunVisitsTargetsInTravelOrder(t *testing.T) {
	m := &fakeMotion{position: 7000}
	cam := &camera.Simulated{}
	dir := t.TempDir()
	c := New(m, cam, Settings{EndPosition: 8000, PollInterval: time.Millisecond, OutputFolder: dir}, zaptest.NewLogger(t).Sugar())

	r, err := c.Start(context.Background(), 4, 7.5)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := waitRun(t, r); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	moves, stops := m.recorded()
	if want := []int32{6000, 4000, 2000, 0}; !reflect.DeepEqual(moves, want) {
		t.Errorf("moves = %v, want %v", moves, want)
	}
	if stops != 0 {
		t.Errorf("stops = %d, want 0", stops)
	}
	if got := cam.Captured(); got != 4 {
		t.Errorf("captured %d images, want 4", got)
	}
	if c, d := cam.Sessions(); c != 1 || d != 1 {
		t.Errorf("camera sessions = %d/%d, want 1/1", c, d)
	}
	if s, _ := r.State(); s != Finished {
		t.Errorf("state = %v, want Finished", s)
	}
	if done, total := r.Progress(); done != 4 || total != 4 {
		t.Errorf("Progress() = %d/%d, want 4/4", done, total)
	}

	manifest, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest() error: %v", err)
	}
	if manifest.State != "Finished" || len(manifest.Shots) != 4 {
		t.Errorf("manifest = %+v", manifest)
	}
	if manifest.Shots[0].Position != 6000 || manifest.Shots[0].Image != "sim_0001.jpg" {
		t.Errorf("first shot = %+v", manifest.Shots[0])
	}
	if !reflect.DeepEqual(manifest.Targets, []int32{6000, 4000, 2000, 0}) {
		t.Errorf("manifest targets = %v", manifest.Targets)
	}
}

func TestCancelWhileAwaitingArrival(t *testing.T) {
	m := &fakeMotion{holdArrival: true}
	cam := &camera.Simulated{}
	c := New(m, cam, Settings{EndPosition: 8000, PollInterval: time.Millisecond}, zaptest.NewLogger(t).Sugar())

	r, err := c.Start(context.Background(), 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, r, AwaitingArrival)
	r.Cancel()

	if err := waitRun(t, r); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() = %v, want ErrCancelled", err)
	}

	moves, stops := m.recorded()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
	if len(moves) != 1 {
		t.Errorf("moves = %v, want only the first target", moves)
	}
	if got := cam.Captured(); got != 0 {
		t.Errorf("captured %d images after cancellation, want 0", got)
	}
	if _, d := cam.Sessions(); d != 1 {
		t.Errorf("camera disconnects = %d, want 1", d)
	}
	if s, _ := r.State(); s != Cancelled {
		t.Errorf("state = %v, want Cancelled", s)
	}

	// a late arrival does not resume the run
	m.post(turnproto.GenericEvent(turnproto.OpArrived))
	time.Sleep(10 * time.Millisecond)
	if got := cam.Captured(); got != 0 {
		t.Errorf("captured %d images after late arrival", got)
	}
}

func TestCancelDuringSettle(t *testing.T) {
	mock := clock.NewMock()
	m := &fakeMotion{}
	cam := &camera.Simulated{}
	c := New(m, cam, Settings{EndPosition: 8000, SettleDelay: time.Second, PollInterval: time.Millisecond, Clock: mock}, nil)

	r, err := c.Start(context.Background(), 2, 5)
	if err != nil {
		t.Fatal(err)
	}

	// first image after the settle delay
	waitForState(t, r, AwaitingArrival)
	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Second)
	deadline := time.Now().Add(3 * time.Second)
	for cam.Captured() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cam.Captured() != 1 {
		t.Fatal("first image not captured after settle delay")
	}

	// cancel while settling before the second image
	time.Sleep(10 * time.Millisecond)
	r.Cancel()
	if err := waitRun(t, r); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() = %v, want ErrCancelled", err)
	}
	if got := cam.Captured(); got != 1 {
		t.Errorf("captured %d images, want 1", got)
	}
}

func TestContextCancellationStopsRun(t *testing.T) {
	m := &fakeMotion{holdArrival: true}
	c := New(m, &camera.Simulated{}, Settings{EndPosition: 8000, PollInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := c.Start(ctx, 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, r, AwaitingArrival)
	cancel()

	if err := waitRun(t, r); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() = %v, want ErrCancelled", err)
	}
	if _, stops := m.recorded(); stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
}

func TestOnlyOneActiveRun(t *testing.T) {
	m := &fakeMotion{holdArrival: true}
	c := New(m, &camera.Simulated{}, Settings{EndPosition: 8000, PollInterval: time.Millisecond}, nil)

	r, err := c.Start(context.Background(), 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Start(context.Background(), 2, 5); !errors.Is(err, ErrRunActive) {
		t.Errorf("second Start() = %v, want ErrRunActive", err)
	}
	if c.Active() != r {
		t.Error("Active() does not return the running run")
	}

	r.Cancel()
	_ = waitRun(t, r)

	if c.Active() != nil {
		t.Error("Active() after the run ended is not nil")
	}
	m.mu.Lock()
	m.holdArrival = false
	m.mu.Unlock()
	r2, err := c.Start(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("Start() after run ended: %v", err)
	}
	if err := waitRun(t, r2); err != nil {
		t.Errorf("second run error: %v", err)
	}
}

func TestInvalidPhotoCount(t *testing.T) {
	c := New(&fakeMotion{}, &camera.Simulated{}, Settings{EndPosition: 8000}, nil)
	if _, err := c.Start(context.Background(), 0, 5); !errors.Is(err, ErrInvalidPhotoCount) {
		t.Errorf("Start(0) = %v, want ErrInvalidPhotoCount", err)
	}
}

func TestCaptureErrorFailsRun(t *testing.T) {
	m := &fakeMotion{}
	cam := &camera.Simulated{FailAt: 2}
	dir := t.TempDir()
	c := New(m, cam, Settings{EndPosition: 8000, PollInterval: time.Millisecond, OutputFolder: dir}, nil)

	r, _ := c.Start(context.Background(), 4, 5)
	err := waitRun(t, r)

	var ce *camera.CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("Wait() = %v, want CaptureError", err)
	}
	if s, _ := r.State(); s != Failed {
		t.Errorf("state = %v, want Failed", s)
	}
	if moves, _ := m.recorded(); len(moves) != 2 {
		t.Errorf("moves = %v, want 2", moves)
	}
	if _, d := cam.Sessions(); d != 1 {
		t.Errorf("camera disconnects = %d, want 1", d)
	}

	manifest, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.State != "Failed" || manifest.Error == "" || len(manifest.Shots) != 1 {
		t.Errorf("manifest = %+v", manifest)
	}
}

func TestEngineHaltFailsRun(t *testing.T) {
	m := &fakeMotion{holdArrival: true}
	cam := &camera.Simulated{}
	c := New(m, cam, Settings{EndPosition: 8000, PollInterval: time.Millisecond}, nil)

	r, _ := c.Start(context.Background(), 2, 5)
	waitForState(t, r, AwaitingArrival)

	fault := &engine.FatalError{Kind: engine.LivenessTimeoutError, Err: errors.New("no heartbeat")}
	m.post(turnproto.ErrorEvent(fault))

	if err := waitRun(t, r); !errors.Is(err, engine.ErrLivenessTimeout) {
		t.Errorf("Wait() = %v, want ErrLivenessTimeout", err)
	}
	if _, d := cam.Sessions(); d != 1 {
		t.Errorf("camera disconnects = %d, want 1", d)
	}
}

func TestGetPositionFailure(t *testing.T) {
	m := &fakeMotion{positionErr: motion.ErrNotInitialized}
	cam := &camera.Simulated{}
	c := New(m, cam, Settings{EndPosition: 8000}, nil)

	r, _ := c.Start(context.Background(), 2, 5)
	if err := waitRun(t, r); !errors.Is(err, motion.ErrNotInitialized) {
		t.Errorf("Wait() = %v, want ErrNotInitialized", err)
	}
	if c, _ := cam.Sessions(); c != 0 {
		t.Errorf("camera connected %d times, want 0", c)
	}
}

func TestRunAgainstSimulatedDevice(t *testing.T) {
	dev := devicesim.New(devicesim.Options{StepsPerRevolution: 600000})
	dev.SetPosition(7900)

	logger := zaptest.NewLogger(t).Sugar()
	e := engine.New(link.New(dev, logger), engine.Options{}, logger)
	e.Start()
	ctrl := motion.New(e, logger)
	defer ctrl.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	cam := &camera.Simulated{}
	c := New(ctrl, cam, Settings{EndPosition: 8000}, logger)
	r, err := c.Start(ctx, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := waitRun(t, r); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	if got := dev.Position(); got != 0 {
		t.Errorf("final position = %d, want 0", got)
	}
	if got := cam.Captured(); got != 4 {
		t.Errorf("captured %d images, want 4", got)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		StartedAt:   1700000000000,
		FinishedAt:  1700000042000,
		PhotoCount:  2,
		RPM:         7.5,
		EndPosition: 14266,
		Targets:     []int32{0, 7133},
		Shots:       []Shot{{Index: 0, Position: 0, Image: "DSCF0001.JPG", TakenAt: 1700000010000}},
		State:       "Cancelled",
		Error:       "capture run cancelled",
	}

	data, err := MarshalManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip = %+v, want %+v", got, m)
	}

	// integer keys keep the encoding compact
	if data[0] != 0xA9 {
		t.Errorf("first byte = 0x%02X, want map of 9 entries (0xA9)", data[0])
	}
}
