// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package turnproto implements the turntable serial protocol.
//
// Host to device frames are a single ASCII opcode followed by a fixed-size
// little-endian payload. Device to host frames are an opcode, an optional
// payload and a newline terminator. This package provides command encoding,
// a byte-wise frame decoder, inbound event mapping, formatting and link
// statistics.
package turnproto

// Host to device opcodes
const (
	OpInitialize  = 'I'
	OpVelocity    = 'V'
	OpPosition    = 'P'
	OpGetPosition = 'Z'
	OpStop        = 'Y'
	OpReset       = 'R'
)

// Device to host opcodes
const (
	OpStatus   = 'S'
	OpPosReply = 'Z'
	OpComment  = '_'
	OpAck      = 'A'
	OpArrived  = 'P'
	OpHomed    = 'H'
	OpError    = 'E'
	OpResetAck = 'R'
)

// Frame terminators
const (
	Terminator     = '\n'
	CarriageReturn = '\r'
)

// Payload sizes
const (
	VelocityPayloadSize = 4     // f32 rpm
	PositionPayloadSize = 4 + 4 // i32 steps + f32 rpm
	StatusPayloadSize   = 1     // u8 counter
	PosReplyPayloadSize = 4     // i32 steps
)

// MaxFrameSize bounds text frames (comments, unknown replies) so a missing
// terminator cannot grow the decoder buffer without limit.
const MaxFrameSize = 128

// Axis identifies a motor on the rig.
type Axis uint8

// Known axes. The firmware currently drives only the turntable stepper.
const (
	AxisTurntable Axis = iota
	AxisCamera
	AxisHeight
	AxisRadial
)

func (a Axis) String() string {
	switch a {
	case AxisTurntable:
		return "turntable"
	case AxisCamera:
		return "camera"
	case AxisHeight:
		return "height"
	case AxisRadial:
		return "radial"
	default:
		return "unknown"
	}
}

// Decoder states
const (
	stateIdle = iota
	stateBinary
	stateText
	stateTerminator
)
