// Package ws is the websocket transport adapter. It owns the socket and
// the read/write pumps; the session core only ever sees core.Conn.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
)

// ErrBackpressure means the bounded outbound queue is full. The policy
// layer turns it into a slow-consumer disconnect.
var ErrBackpressure = errors.New("backpressure")

// ErrClosed means the connection was closed; late fan-outs racing a
// disconnect get this instead of a delivery.
var ErrClosed = errors.New("connection closed")

const writeWait = 5 * time.Second

// Socket is an indirection over *websocket.Conn to ease testing.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn implements core.Conn over a websocket with a bounded send queue.
// The send queue is never closed: room fan-outs may race a disconnect,
// so Close signals through done instead and TrySend checks it.
type Conn struct {
	sock Socket
	send chan core.Frame
	done chan struct{}
	once sync.Once
}

func NewConn(sock Socket, queueSize int) *Conn {
	return &Conn{
		sock: sock,
		send: make(chan core.Frame, queueSize),
		done: make(chan struct{}),
	}
}

// TrySend enqueues without blocking so a stalled peer can never hold a
// room's serialization domain hostage. After Close it returns
// ErrClosed; it never panics.
func (c *Conn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// Pumps is what the pumps need from the session layer.
type Pumps struct {
	ReadLimit  int64
	PingPeriod time.Duration

	// OnFrame receives each inbound frame; OnClose fires exactly once
	// when the read pump exits for any reason.
	OnFrame func(ctx context.Context, frame []byte)
	OnClose func()
}

// Run starts the write pump and blocks in the read pump until the
// connection dies or the context ends. Callers run it in the
// connection's own goroutine.
func (c *Conn) Run(ctx context.Context, p Pumps) {
	go c.writePump(ctx, p.PingPeriod)
	c.readPump(ctx, p)
}

func (c *Conn) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.sock.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Msg("write error")
				return
			}
		case <-ticker.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context, p Pumps) {
	defer func() {
		c.Close()
		if p.OnClose != nil {
			p.OnClose()
		}
	}()

	c.sock.SetReadLimit(p.ReadLimit)
	readWait := p.PingPeriod + p.PingPeriod/2
	_ = c.sock.SetReadDeadline(time.Now().Add(readWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.sock.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Str("module", "adapters.ws").Msg("read error")
				}
				return
			}
			_ = c.sock.SetReadDeadline(time.Now().Add(readWait))
			if p.OnFrame != nil {
				p.OnFrame(ctx, data)
			}
		}
	}
}
