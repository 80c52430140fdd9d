// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInitialization  = errors.New("initialization failed")
	ErrCounterDesync   = errors.New("heartbeat counter desync")
	ErrLivenessTimeout = errors.New("heartbeat liveness timeout")
	ErrReset           = errors.New("device reset failed")
	ErrLink            = errors.New("link failure")

	// ErrEngineStopped is returned once the engine no longer services commands
	ErrEngineStopped = errors.New("protocol engine stopped")
)

// FaultKind classifies fatal protocol errors
type FaultKind uint8

const (
	InitializationError FaultKind = iota + 1
	CounterDesyncError
	LivenessTimeoutError
	ResetError
	LinkError
)

func (k FaultKind) String() string {
	switch k {
	case InitializationError:
		return "InitializationError"
	case CounterDesyncError:
		return "CounterDesyncError"
	case LivenessTimeoutError:
		return "LivenessTimeoutError"
	case ResetError:
		return "ResetError"
	case LinkError:
		return "LinkError"
	default:
		return "UnknownFault"
	}
}

func (k FaultKind) sentinel() error {
	switch k {
	case InitializationError:
		return ErrInitialization
	case CounterDesyncError:
		return ErrCounterDesync
	case LivenessTimeoutError:
		return ErrLivenessTimeout
	case ResetError:
		return ErrReset
	default:
		return ErrLink
	}
}

// FatalError halts the engine permanently. It matches the sentinel of its
// kind with errors.Is.
type FatalError struct {
	Kind FaultKind
	Err  error
}

func fatal(kind FaultKind, format string, args ...any) *FatalError {
	return &FatalError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == e.Kind.sentinel()
}
