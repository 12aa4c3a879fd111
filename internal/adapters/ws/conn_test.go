package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/core"
)

// fakeSocket feeds scripted inbound messages and records writes.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	closed   bool
	closedCh chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound:  make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-s.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	case <-s.closedCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.written = append(s.written, data)
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *fakeSocket) SetReadLimit(int64)                        {}
func (s *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error)         {}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

func (s *fakeSocket) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

func TestTrySendBackpressure(t *testing.T) {
	conn := NewConn(newFakeSocket(), 2)
	require.NoError(t, conn.TrySend(core.Frame("a")))
	require.NoError(t, conn.TrySend(core.Frame("b")))
	assert.ErrorIs(t, conn.TrySend(core.Frame("c")), ErrBackpressure)
}

func TestTrySendAfterClose(t *testing.T) {
	conn := NewConn(newFakeSocket(), 4)
	require.NoError(t, conn.TrySend(core.Frame("before")))
	conn.Close()
	assert.ErrorIs(t, conn.TrySend(core.Frame("after")), ErrClosed)
}

// Fan-outs can race a disconnect; none of them may panic.
func TestTrySendCloseRace(t *testing.T) {
	conn := NewConn(newFakeSocket(), 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = conn.TrySend(core.Frame("x"))
			}
		}()
	}
	conn.Close()
	wg.Wait()
	assert.ErrorIs(t, conn.TrySend(core.Frame("late")), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	sock := newFakeSocket()
	conn := NewConn(sock, 2)
	conn.Close()
	conn.Close()
	assert.True(t, sock.closed)
}

func TestRunDeliversInboundFrames(t *testing.T) {
	sock := newFakeSocket()
	conn := NewConn(sock, 8)

	var mu sync.Mutex
	var got [][]byte
	closed := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx, Pumps{
		ReadLimit:  1024,
		PingPeriod: time.Minute,
		OnFrame: func(_ context.Context, frame []byte) {
			mu.Lock()
			got = append(got, frame)
			mu.Unlock()
		},
		OnClose: func() { close(closed) },
	})

	sock.inbound <- []byte("one")
	sock.inbound <- []byte("two")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	close(sock.inbound)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not invoked after read error")
	}
}

func TestRunWritesOutboundFrames(t *testing.T) {
	sock := newFakeSocket()
	conn := NewConn(sock, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx, Pumps{ReadLimit: 1024, PingPeriod: time.Minute})

	require.NoError(t, conn.TrySend(core.Frame("hello")))
	require.Eventually(t, func() bool {
		return len(sock.writes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello"), sock.writes()[0])
}
