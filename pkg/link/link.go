// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/turnproto"
)

var (
	// ErrReadTimeout is returned by ReadFrame when no complete frame arrived in time
	ErrReadTimeout = errors.New("read timeout")

	// ErrTransportUnavailable wraps the error of a failed port open
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMalformedFrame wraps decoder errors
	ErrMalformedFrame = errors.New("malformed frame")
)

// probeTimeout bounds the read performed by Available
const probeTimeout = time.Millisecond

// openSerialConnection is replaced in tests
var openSerialConnection = OpenSerialConnection

// Link frames the byte stream of a Connection.
//
// A Link is owned by a single goroutine; it performs no locking.
type Link struct {
	conn    Connection
	decoder *turnproto.Decoder
	pending []byte
	readBuf []byte
	timeout time.Duration // last timeout applied to conn
	logger  *zap.SugaredLogger
}

// New wraps conn in a Link
func New(conn Connection, logger *zap.SugaredLogger) *Link {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Link{
		conn:    conn,
		decoder: turnproto.NewDecoder(),
		readBuf: make([]byte, 256),
		timeout: -1,
		logger:  logger,
	}
}

// OpenSerial opens a serial port, retrying at the given interval until it
// succeeds or ctx is done. The device is expected to be plugged in
// eventually, so there is no attempt limit.
func OpenSerial(ctx context.Context, port string, baud int, retry time.Duration, logger *zap.SugaredLogger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	for attempt := 1; ; attempt++ {
		conn, err := openSerialConnection(port, baud)
		if err == nil {
			if attempt > 1 {
				logger.Infow("serial port opened", "port", port, "attempts", attempt)
			}
			return New(conn, logger), nil
		}

		lastErr := fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		if attempt == 1 {
			logger.Warnw("serial port unavailable, retrying", "port", port, "retry", retry, "error", err)
		} else {
			logger.Debugw("serial port still unavailable", "port", port, "attempt", attempt, "error", err)
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, multierr.Combine(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// Write writes a complete wire frame
func (l *Link) Write(frame []byte) error {
	for len(frame) > 0 {
		n, err := l.conn.Write(frame)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write: %w", io.ErrShortWrite)
		}
		frame = frame[n:]
	}
	return nil
}

// Available reports whether inbound bytes are waiting. Bytes read to find
// out are kept for the next ReadFrame.
func (l *Link) Available() (bool, error) {
	if len(l.pending) > 0 || l.decoder.Pending() {
		return true, nil
	}
	n, err := l.read(probeTimeout)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadFrame blocks until a complete frame arrives or the timeout expires.
// A partially received frame is kept across timeouts.
func (l *Link) ReadFrame(timeout time.Duration) (turnproto.Frame, error) {
	deadline := time.Now().Add(timeout)

	for {
		for len(l.pending) > 0 {
			b := l.pending[0]
			l.pending = l.pending[1:]

			frame, err := l.decoder.DecodeByte(b)
			if err != nil {
				return turnproto.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			if frame != nil {
				return *frame, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return turnproto.Frame{}, ErrReadTimeout
		}
		if _, err := l.read(remaining); err != nil {
			return turnproto.Frame{}, err
		}
	}
}

// Discard drops buffered bytes and any partially decoded frame
func (l *Link) Discard() int {
	n := len(l.pending) + len(l.decoder.GetRawBytes())
	l.pending = l.pending[:0]
	l.decoder.Reset()
	if n > 0 {
		l.logger.Debugw("discarded inbound bytes", "count", n)
	}
	return n
}

// Close closes the underlying connection
func (l *Link) Close() error {
	return l.conn.Close()
}

func (l *Link) read(timeout time.Duration) (int, error) {
	if timeout != l.timeout {
		if err := l.conn.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}
		l.timeout = timeout
	}

	n, err := l.conn.Read(l.readBuf)
	if n > 0 {
		l.pending = append(l.pending, l.readBuf[:n]...)
	}
	if err != nil {
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}
