// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"fmt"
	"strings"
)

// FormatFrame formats an inbound frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	name := FormatReplyCode(f.Opcode)

	result := fmt.Sprintf("[%s] %s (%q) len=%d\n", timestamp, name, f.Opcode, len(f.Payload))

	switch f.Opcode {
	case OpStatus:
		if counter, ok := f.Counter(); ok {
			result += fmt.Sprintf("  Counter: %d\n", counter)
			return result
		}
	case OpPosReply:
		if steps, ok := f.Position(); ok {
			result += fmt.Sprintf("  Position: %d steps\n", steps)
			return result
		}
	case OpComment:
		result += fmt.Sprintf("  Comment: %s\n", f.Text())
		return result
	}

	if len(f.Payload) > 0 {
		result += formatHexDump(f.Payload)
	}
	return result
}

// FormatCommand formats an outbound command frame for logs
func FormatCommand(frame []byte) string {
	c, err := DecodeCommand(frame)
	if err != nil {
		return fmt.Sprintf("INVALID (%v)\n%s", err, formatHexDump(frame))
	}
	return c.String()
}

// FormatReplyCode returns the human-readable name for a device to host opcode
func FormatReplyCode(code byte) string {
	switch code {
	case OpStatus:
		return "STATUS"
	case OpPosReply:
		return "POSITION"
	case OpComment:
		return "COMMENT"
	case OpAck:
		return "ACK"
	case OpArrived:
		return "ARRIVED"
	case OpHomed:
		return "HOMED"
	case OpError:
		return "ERROR"
	case OpResetAck:
		return "RESET_ACK"
	default:
		return "UNKNOWN"
	}
}

// formatHexDump formats a payload as hex, 16 bytes per line
func formatHexDump(payload []byte) string {
	var b strings.Builder
	b.WriteString("  Payload: ")
	for i, v := range payload {
		if i > 0 && i%16 == 0 {
			b.WriteString("\n           ")
		}
		fmt.Fprintf(&b, "%02X ", v)
	}
	b.WriteString("\n")
	return b.String()
}
