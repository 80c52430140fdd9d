// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"fmt"
	"time"
)

// Decoder implements the device to host frame decoder state machine.
//
// Status and position frames carry a fixed-size binary payload that may
// contain newline bytes, so their payload is read by length before the
// terminator is checked. All other frames are text lines.
type Decoder struct {
	state     int
	opcode    byte
	payload   []byte
	remaining int
	rawBuffer []byte // Accumulate raw bytes of the current frame
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		payload:   make([]byte, 0, MaxFrameSize),
		rawBuffer: make([]byte, 0, MaxFrameSize+2),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.opcode = 0
	d.payload = d.payload[:0]
	d.remaining = 0
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes accumulated for the current frame
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Pending reports whether a frame is partially decoded
func (d *Decoder) Pending() bool {
	return d.state != stateIdle
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error if decoding fails; the decoder is reset in that case.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	switch d.state {
	case stateIdle:
		// Blank lines between frames are ignored
		if b == Terminator || b == CarriageReturn {
			d.rawBuffer = d.rawBuffer[:0]
			return nil, nil
		}
		d.opcode = b
		d.payload = d.payload[:0]
		if size, ok := inboundPayloadSize(b); ok {
			d.remaining = size
			d.state = stateBinary
		} else {
			d.state = stateText
		}
		return nil, nil

	case stateBinary:
		d.payload = append(d.payload, b)
		d.remaining--
		if d.remaining == 0 {
			d.state = stateTerminator
		}
		return nil, nil

	case stateTerminator:
		if b == CarriageReturn {
			return nil, nil
		}
		if b != Terminator {
			opcode := d.opcode
			d.Reset()
			return nil, fmt.Errorf("frame %q: expected terminator, got 0x%02X", opcode, b)
		}
		return d.complete(), nil

	case stateText:
		if b == Terminator {
			if n := len(d.payload); n > 0 && d.payload[n-1] == CarriageReturn {
				d.payload = d.payload[:n-1]
			}
			return d.complete(), nil
		}
		if len(d.payload) >= MaxFrameSize {
			opcode := d.opcode
			d.Reset()
			return nil, fmt.Errorf("frame %q: exceeds %d bytes without terminator", opcode, MaxFrameSize)
		}
		d.payload = append(d.payload, b)
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

func (d *Decoder) complete() *Frame {
	frame := &Frame{
		Opcode:    d.opcode,
		Payload:   append([]byte(nil), d.payload...),
		Timestamp: time.Now(),
	}
	d.Reset()
	return frame
}
