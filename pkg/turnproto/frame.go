// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"encoding/binary"
	"time"
)

// Frame is a decoded device to host frame
type Frame struct {
	Opcode    byte
	Payload   []byte
	Timestamp time.Time
}

// Counter returns the heartbeat counter of a status frame.
func (f Frame) Counter() (uint8, bool) {
	if f.Opcode != OpStatus || len(f.Payload) != StatusPayloadSize {
		return 0, false
	}
	return f.Payload[0], true
}

// Position returns the signed step count of a position reply.
func (f Frame) Position() (int32, bool) {
	if f.Opcode != OpPosReply || len(f.Payload) != PosReplyPayloadSize {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(f.Payload)), true
}

// Text returns the payload of a comment frame as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// EncodeStatus builds a heartbeat frame as the firmware sends it.
func EncodeStatus(counter uint8) []byte {
	return []byte{OpStatus, counter, Terminator}
}

// EncodePosReply builds a position reply frame.
func EncodePosReply(steps int32) []byte {
	frame := make([]byte, 1+PosReplyPayloadSize+1)
	frame[0] = OpPosReply
	binary.LittleEndian.PutUint32(frame[1:5], uint32(steps))
	frame[5] = Terminator
	return frame
}

// EncodeReply builds a single-byte reply line (firmware println).
func EncodeReply(code byte) []byte {
	return []byte{code, CarriageReturn, Terminator}
}

// EncodeComment builds a comment line.
func EncodeComment(text string) []byte {
	frame := make([]byte, 0, len(text)+3)
	frame = append(frame, OpComment)
	frame = append(frame, text...)
	return append(frame, CarriageReturn, Terminator)
}

// inboundPayloadSize returns the fixed binary payload size for opcodes
// whose payload may contain terminator bytes.
func inboundPayloadSize(opcode byte) (int, bool) {
	switch opcode {
	case OpStatus:
		return StatusPayloadSize, true
	case OpPosReply:
		return PosReplyPayloadSize, true
	default:
		return 0, false
	}
}
