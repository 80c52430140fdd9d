// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupportedAxis is returned when encoding a motion command for an
	// axis the firmware cannot address.
	ErrUnsupportedAxis = errors.New("turnproto: unsupported axis")
	// ErrUnknownCommand is returned for an unknown command kind or opcode.
	ErrUnknownCommand = errors.New("turnproto: unknown command")
)

// CommandKind tags the Command variant.
type CommandKind uint8

const (
	CmdInitialize CommandKind = iota + 1
	CmdSetVelocity
	CmdSetPosition
	CmdGetPosition
	CmdStop
	CmdReset
)

func (k CommandKind) String() string {
	switch k {
	case CmdInitialize:
		return "INITIALIZE"
	case CmdSetVelocity:
		return "SET_VELOCITY"
	case CmdSetPosition:
		return "SET_POSITION"
	case CmdGetPosition:
		return "GET_POSITION"
	case CmdStop:
		return "STOP"
	case CmdReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Opcode returns the wire opcode for the command kind.
func (k CommandKind) Opcode() byte {
	switch k {
	case CmdInitialize:
		return OpInitialize
	case CmdSetVelocity:
		return OpVelocity
	case CmdSetPosition:
		return OpPosition
	case CmdGetPosition:
		return OpGetPosition
	case CmdStop:
		return OpStop
	case CmdReset:
		return OpReset
	default:
		return 0
	}
}

// Command is a host to device command. Fields not used by the Kind are zero.
// Commands are values; once handed to the engine they are not modified.
type Command struct {
	Kind  CommandKind
	Axis  Axis
	Steps int32
	RPM   float32
}

// Initialize creates an INITIALIZE command.
func Initialize() Command { return Command{Kind: CmdInitialize} }

// SetVelocity creates a SET_VELOCITY command.
func SetVelocity(axis Axis, rpm float32) Command {
	return Command{Kind: CmdSetVelocity, Axis: axis, RPM: rpm}
}

// SetPosition creates a SET_POSITION command for an absolute step target.
func SetPosition(axis Axis, steps int32, rpm float32) Command {
	return Command{Kind: CmdSetPosition, Axis: axis, Steps: steps, RPM: rpm}
}

// GetPosition creates a GET_POSITION command.
func GetPosition() Command { return Command{Kind: CmdGetPosition} }

// Stop creates a STOP command.
func Stop() Command { return Command{Kind: CmdStop} }

// Reset creates a RESET command.
func Reset() Command { return Command{Kind: CmdReset} }

func (c Command) String() string {
	switch c.Kind {
	case CmdSetVelocity:
		return fmt.Sprintf("%s axis=%s rpm=%.2f", c.Kind, c.Axis, c.RPM)
	case CmdSetPosition:
		return fmt.Sprintf("%s axis=%s steps=%d rpm=%.2f", c.Kind, c.Axis, c.Steps, c.RPM)
	default:
		return c.Kind.String()
	}
}

// EncodeCommand encodes a Command to its wire frame.
func EncodeCommand(c Command) ([]byte, error) {
	switch c.Kind {
	case CmdInitialize, CmdGetPosition, CmdStop, CmdReset:
		return []byte{c.Kind.Opcode()}, nil

	case CmdSetVelocity:
		if c.Axis != AxisTurntable {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAxis, c.Axis)
		}
		frame := make([]byte, 1+VelocityPayloadSize)
		frame[0] = OpVelocity
		binary.LittleEndian.PutUint32(frame[1:5], math.Float32bits(c.RPM))
		return frame, nil

	case CmdSetPosition:
		if c.Axis != AxisTurntable {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAxis, c.Axis)
		}
		frame := make([]byte, 1+PositionPayloadSize)
		frame[0] = OpPosition
		binary.LittleEndian.PutUint32(frame[1:5], uint32(c.Steps))
		binary.LittleEndian.PutUint32(frame[5:9], math.Float32bits(c.RPM))
		return frame, nil

	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownCommand, c.Kind)
	}
}

// MustEncodeCommand encodes a Command and panics on error.
// Only use it with commands known to be valid.
func MustEncodeCommand(c Command) []byte {
	data, err := EncodeCommand(c)
	if err != nil {
		panic(fmt.Sprintf("turnproto: encode error: %v", err))
	}
	return data
}

// CommandPayloadSize returns the payload size following a host opcode.
func CommandPayloadSize(opcode byte) (int, bool) {
	switch opcode {
	case OpInitialize, OpGetPosition, OpStop, OpReset:
		return 0, true
	case OpVelocity:
		return VelocityPayloadSize, true
	case OpPosition:
		return PositionPayloadSize, true
	default:
		return 0, false
	}
}

// DecodeCommand decodes a host to device wire frame. It is the inverse of
// EncodeCommand and is used by the simulated device and frame logging.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return Command{}, fmt.Errorf("turnproto: empty command frame")
	}

	size, ok := CommandPayloadSize(frame[0])
	if !ok {
		return Command{}, fmt.Errorf("%w: opcode 0x%02X", ErrUnknownCommand, frame[0])
	}
	if len(frame) != 1+size {
		return Command{}, fmt.Errorf("turnproto: command %q length %d, want %d", frame[0], len(frame), 1+size)
	}

	payload := frame[1:]
	switch frame[0] {
	case OpInitialize:
		return Initialize(), nil
	case OpGetPosition:
		return GetPosition(), nil
	case OpStop:
		return Stop(), nil
	case OpReset:
		return Reset(), nil
	case OpVelocity:
		rpm := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
		return SetVelocity(AxisTurntable, rpm), nil
	default: // OpPosition
		steps := int32(binary.LittleEndian.Uint32(payload[0:4]))
		rpm := math.Float32frombits(binary.LittleEndian.Uint32(payload[4:8]))
		return SetPosition(AxisTurntable, steps, rpm), nil
	}
}
