// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"fmt"
	"time"
)

// Statistics tracks link statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	Heartbeats      uint64
	PositionReplies uint64
	Acks            uint64
	Comments        uint64
	GenericReplies  uint64
	DecodeErrors    uint64
	CommandsSent    uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a frame or its decode error
func (s *Statistics) Update(frame *Frame, decodeErr error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		s.DecodeErrors++
		return
	}

	switch frame.Opcode {
	case OpStatus:
		s.Heartbeats++
	case OpPosReply:
		s.PositionReplies++
	case OpAck:
		s.Acks++
	case OpComment:
		s.Comments++
	default:
		s.GenericReplies++
	}
}

// CommandSent counts an outbound command
func (s *Statistics) CommandSent() {
	s.CommandsSent++
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.DecodeErrors) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var errorPercent float64
	if s.TotalFrames > 0 {
		errorPercent = float64(s.DecodeErrors) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Heartbeats:      %8d\n", s.Heartbeats)
	result += fmt.Sprintf("Acks:            %8d\n", s.Acks)
	result += fmt.Sprintf("Positions:       %8d\n", s.PositionReplies)
	result += fmt.Sprintf("Generic Replies: %8d\n", s.GenericReplies)
	result += fmt.Sprintf("Comments:        %8d\n", s.Comments)
	result += fmt.Sprintf("Commands Sent:   %8d\n", s.CommandsSent)
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, errorPercent)
	}
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
