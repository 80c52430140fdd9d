// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package devicesim emulates the turntable firmware behind a byte stream.
//
// A Device implements the link connection contract, so it can stand in for
// the serial port in dry runs and tests. Time-driven behaviour (heartbeats,
// motion progress, arrival notices) is evaluated lazily whenever the host
// reads or writes, against the configured clock.
package devicesim

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// Firmware constants of the reference rig: 200 step motor, 16 microsteps,
// 24 tooth pinion driving a 107 tooth turntable.
const (
	DefaultHeartbeatInterval  = 2 * time.Second
	DefaultStepsPerRevolution = 200 * 16 * 107 / 24
)

// Options configures a Device
type Options struct {
	HeartbeatInterval  time.Duration
	StepsPerRevolution int32
	// Initialized starts the device as if it survived a host restart
	Initialized bool
	Clock       clock.Clock
}

// Device is a simulated turntable controller
type Device struct {
	mu     sync.Mutex
	opts   Options
	clock  clock.Clock
	notify chan struct{}

	out     []byte // device to host
	command byte   // command awaiting payload bytes, 0 when idle
	payload []byte
	need    int

	initialized bool
	counter     uint8
	lastStatus  time.Time
	heartbeats  bool
	skipNext    bool
	deaf        bool

	position  int32
	target    int32
	rpm       float32
	moving    bool
	notifyArr bool // send an arrival notice when target is reached
	lastStep  time.Time

	received    []byte
	readTimeout time.Duration
	closed      bool
}

// New creates a simulated device
func New(opts Options) *Device {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StepsPerRevolution <= 0 {
		opts.StepsPerRevolution = DefaultStepsPerRevolution
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	d := &Device{
		opts:        opts,
		clock:       opts.Clock,
		notify:      make(chan struct{}, 1),
		heartbeats:  true,
		readTimeout: -1,
	}
	now := d.clock.Now()
	d.lastStatus = now
	d.lastStep = now
	if opts.Initialized {
		d.initialized = true
		d.counter = 42
		// a device that kept running sends its next heartbeat right away
		d.lastStatus = now.Add(-opts.HeartbeatInterval)
	}
	return d
}

// Read implements io.Reader. It waits up to the read timeout for output and
// returns 0 bytes without error when none arrives.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	d.tick()
	if len(d.out) == 0 && d.readTimeout != 0 {
		timeout := d.readTimeout
		d.mu.Unlock()

		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-d.notify:
		case <-expired:
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		d.tick()
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	d.mu.Unlock()
	return n, nil
}

// Write implements io.Writer and processes the bytes as firmware input
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.tick()
	d.received = append(d.received, p...)
	if d.deaf {
		return len(p), nil
	}
	for _, b := range p {
		d.receive(b)
	}
	d.wake()
	return len(p), nil
}

// Close implements io.Closer
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.wake()
	return nil
}

// SetReadTimeout bounds how long Read waits for output
func (d *Device) SetReadTimeout(timeout time.Duration) error {
	d.mu.Lock()
	d.readTimeout = timeout
	d.mu.Unlock()
	return nil
}

// Position returns the current step position
func (d *Device) Position() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	return d.position
}

// SetPosition places the turntable without motion
func (d *Device) SetPosition(steps int32) {
	d.mu.Lock()
	d.position = steps
	d.mu.Unlock()
}

// Initialized reports whether the firmware has been initialized
func (d *Device) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// Received returns a copy of every byte the host has written
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.received...)
}

// Closed reports whether the host closed the connection
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// SetHeartbeats enables or disables periodic status frames
func (d *Device) SetHeartbeats(enabled bool) {
	d.mu.Lock()
	d.heartbeats = enabled
	d.mu.Unlock()
}

// SetUnresponsive makes the firmware ignore host input while heartbeats continue
func (d *Device) SetUnresponsive(deaf bool) {
	d.mu.Lock()
	d.deaf = deaf
	d.mu.Unlock()
}

// SkipHeartbeat makes the next status frame skip one counter value
func (d *Device) SkipHeartbeat() {
	d.mu.Lock()
	d.skipNext = true
	d.mu.Unlock()
}

// Inject queues raw device to host bytes
func (d *Device) Inject(b []byte) {
	d.mu.Lock()
	d.out = append(d.out, b...)
	d.wake()
	d.mu.Unlock()
}

func (d *Device) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// tick advances motion and heartbeats to the current time
func (d *Device) tick() {
	now := d.clock.Now()

	if d.moving {
		elapsed := now.Sub(d.lastStep).Seconds()
		stepsPerSecond := float64(d.rpm) / 60 * float64(d.opts.StepsPerRevolution)
		steps := int32(math.Min(elapsed*stepsPerSecond, math.MaxInt32))
		if steps > 0 {
			d.lastStep = now
			distance := d.target - d.position
			if abs32(distance) <= steps {
				d.position = d.target
				d.moving = false
				if d.notifyArr {
					d.notifyArr = false
					d.out = append(d.out, turnproto.EncodeReply(turnproto.OpArrived)...)
				}
			} else if distance > 0 {
				d.position += steps
			} else {
				d.position -= steps
			}
		}
	} else {
		d.lastStep = now
	}

	if d.initialized && d.heartbeats && now.Sub(d.lastStatus) >= d.opts.HeartbeatInterval {
		d.sendStatus(now)
	}
}

func (d *Device) sendStatus(now time.Time) {
	if d.skipNext {
		d.skipNext = false
		d.counter++
	}
	d.out = append(d.out, turnproto.EncodeStatus(d.counter)...)
	d.counter++
	d.lastStatus = now
}

func (d *Device) receive(b byte) {
	if d.need > 0 {
		d.payload = append(d.payload, b)
		d.need--
		if d.need == 0 {
			d.execute(d.command, d.payload)
			d.command = 0
			d.payload = d.payload[:0]
		}
		return
	}

	if b == turnproto.OpInitialize {
		if d.initialized {
			d.out = append(d.out, turnproto.EncodeComment("Error: already initialized")...)
			d.reply(turnproto.OpError)
			return
		}
		d.initialized = true
		d.sendStatus(d.clock.Now())
		return
	}

	if !d.initialized {
		d.out = append(d.out, turnproto.EncodeComment("Error: not yet initialized")...)
		d.reply(turnproto.OpError)
		return
	}

	switch b {
	case turnproto.OpReset:
		d.initialized = false
		d.counter = 0
		d.moving = false
		d.reply(turnproto.OpResetAck)
	case turnproto.OpStop:
		d.moving = false
		d.notifyArr = false
		d.reply(turnproto.OpAck)
	case turnproto.OpGetPosition:
		d.out = append(d.out, turnproto.EncodePosReply(d.position)...)
	case turnproto.OpVelocity, turnproto.OpPosition:
		size, _ := turnproto.CommandPayloadSize(b)
		d.command = b
		d.need = size
	default:
		d.out = append(d.out, turnproto.EncodeComment("Error: unknown command")...)
		d.reply(turnproto.OpError)
	}
}

func (d *Device) execute(opcode byte, payload []byte) {
	frame := append([]byte{opcode}, payload...)
	cmd, err := turnproto.DecodeCommand(frame)
	if err != nil {
		d.reply(turnproto.OpError)
		return
	}

	arrived := false
	switch cmd.Kind {
	case turnproto.CmdSetVelocity:
		// one full sweep to the far end of travel
		target := d.opts.StepsPerRevolution
		if d.position == target {
			target = 0
		}
		d.startMove(target, cmd.RPM, false)
	case turnproto.CmdSetPosition:
		arrived = d.startMove(cmd.Steps, cmd.RPM, true)
	}
	d.reply(turnproto.OpAck)
	if arrived {
		d.reply(turnproto.OpArrived)
	}
}

// startMove reports whether the target is already reached
func (d *Device) startMove(target int32, rpm float32, notify bool) bool {
	if rpm < 0 {
		rpm = -rpm
	}
	d.target = target
	d.rpm = rpm
	d.lastStep = d.clock.Now()
	d.notifyArr = false
	if target == d.position {
		d.moving = false
		return notify
	}
	d.moving = true
	d.notifyArr = notify
	return false
}

func (d *Device) reply(code byte) {
	d.out = append(d.out, turnproto.EncodeReply(code)...)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
