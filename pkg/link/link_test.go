// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// chunkConn delivers queued chunks one Read at a time
type chunkConn struct {
	mu       sync.Mutex
	chunks   [][]byte
	written  bytes.Buffer
	timeouts []time.Duration
	closed   bool
	maxWrite int
}

func (c *chunkConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrConnectionClosed
	}
	if len(c.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxWrite > 0 && len(p) > c.maxWrite {
		p = p[:c.maxWrite]
	}
	return c.written.Write(p)
}

func (c *chunkConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *chunkConn) SetReadTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = append(c.timeouts, timeout)
	return nil
}

func TestReadFrameAcrossChunks(t *testing.T) {
	pos := turnproto.EncodePosReply(-1500)
	conn := &chunkConn{chunks: [][]byte{
		{turnproto.OpStatus},
		{7, turnproto.Terminator, pos[0]},
		pos[1:3],
		pos[3:],
	}}
	l := New(conn, zaptest.NewLogger(t).Sugar())

	f, err := l.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if c, ok := f.Counter(); !ok || c != 7 {
		t.Errorf("counter = %d, %v, want 7, true", c, ok)
	}

	f, err = l.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if v, ok := f.Position(); !ok || v != -1500 {
		t.Errorf("position = %d, %v, want -1500, true", v, ok)
	}
}

func TestReadFrameBinaryNewline(t *testing.T) {
	// counter 10 is the newline byte
	conn := &chunkConn{chunks: [][]byte{turnproto.EncodeStatus(turnproto.Terminator)}}
	l := New(conn, nil)

	f, err := l.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if c, _ := f.Counter(); c != turnproto.Terminator {
		t.Errorf("counter = %d, want %d", c, turnproto.Terminator)
	}
}

func TestReadFrameTimeoutKeepsPartialFrame(t *testing.T) {
	conn := &chunkConn{chunks: [][]byte{{turnproto.OpPosReply, 1, 0}}}
	l := New(conn, nil)

	if _, err := l.ReadFrame(10 * time.Millisecond); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("ReadFrame() = %v, want ErrReadTimeout", err)
	}

	conn.mu.Lock()
	conn.chunks = append(conn.chunks, []byte{0, 0, turnproto.Terminator})
	conn.mu.Unlock()

	f, err := l.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if v, _ := f.Position(); v != 1 {
		t.Errorf("position = %d, want 1", v)
	}
}

func TestReadFrameMalformed(t *testing.T) {
	conn := &chunkConn{chunks: [][]byte{{turnproto.OpStatus, 3, 'x'}}}
	l := New(conn, nil)

	if _, err := l.ReadFrame(time.Second); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ReadFrame() = %v, want ErrMalformedFrame", err)
	}
}

func TestReadFrameClosed(t *testing.T) {
	conn := &chunkConn{}
	l := New(conn, nil)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := l.ReadFrame(time.Second)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ReadFrame() = %v, want ErrConnectionClosed", err)
	}
}

func TestAvailableBuffersProbe(t *testing.T) {
	conn := &chunkConn{}
	l := New(conn, nil)

	ok, err := l.Available()
	if err != nil || ok {
		t.Fatalf("Available() on idle link = %v, %v, want false, nil", ok, err)
	}

	conn.mu.Lock()
	conn.chunks = [][]byte{turnproto.EncodeReply(turnproto.OpAck)}
	conn.mu.Unlock()

	ok, err = l.Available()
	if err != nil || !ok {
		t.Fatalf("Available() = %v, %v, want true, nil", ok, err)
	}

	// the probed bytes must not be lost
	f, err := l.ReadFrame(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if f.Opcode != turnproto.OpAck {
		t.Errorf("opcode = %q, want %q", f.Opcode, turnproto.OpAck)
	}
	if conn.timeouts[0] != probeTimeout {
		t.Errorf("probe timeout = %v, want %v", conn.timeouts[0], probeTimeout)
	}
}

func TestDiscard(t *testing.T) {
	conn := &chunkConn{chunks: [][]byte{{turnproto.OpStatus, 1, turnproto.Terminator, turnproto.OpAck}}}
	l := New(conn, nil)

	if _, err := l.Available(); err != nil {
		t.Fatal(err)
	}
	if n := l.Discard(); n != 4 {
		t.Errorf("Discard() = %d, want 4", n)
	}
	if ok, _ := l.Available(); ok {
		t.Error("Available() after Discard() = true")
	}
}

func TestWriteCompletesShortWrites(t *testing.T) {
	conn := &chunkConn{maxWrite: 3}
	l := New(conn, nil)

	frame := turnproto.MustEncodeCommand(turnproto.SetPosition(turnproto.AxisTurntable, 4000, 2.5))
	if err := l.Write(frame); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := conn.written.Bytes(); !bytes.Equal(got, frame) {
		t.Errorf("written % X, want % X", got, frame)
	}
}

func TestOpenSerialRetriesUntilAvailable(t *testing.T) {
	attempts := 0
	openSerialConnection = func(port string, baud int) (Connection, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("no such file or directory")
		}
		return &chunkConn{}, nil
	}
	t.Cleanup(func() { openSerialConnection = OpenSerialConnection })

	l, err := OpenSerial(context.Background(), "/dev/ttyACM0", 115200, time.Millisecond, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("OpenSerial() error: %v", err)
	}
	defer l.Close()

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestOpenSerialCancelled(t *testing.T) {
	openSerialConnection = func(string, int) (Connection, error) {
		return nil, errors.New("device busy")
	}
	t.Cleanup(func() { openSerialConnection = OpenSerialConnection })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := OpenSerial(ctx, "/dev/ttyACM0", 115200, 5*time.Millisecond, nil)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("OpenSerial() = %v, want ErrTransportUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("OpenSerial() = %v, want context.DeadlineExceeded", err)
	}
}
