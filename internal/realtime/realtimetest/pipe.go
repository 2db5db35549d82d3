// Package realtimetest — in-memory транспорт для тестов сессий.
package realtimetest

import (
	"context"
	"sync"

	"github.com/dexterr404/watch-room/internal/realtime"
)

type Transport struct {
	mu    sync.Mutex
	conns []*Conn

	// DialErr — ошибка, которую вернёт Dial.
	DialErr error
	// Manual отключает автоматический кадр subscribed после Dial.
	Manual bool
	// Gate, если задан, блокирует Dial до закрытия канала.
	Gate chan struct{}
}

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Dial(ctx context.Context, roomID string) (realtime.Conn, error) {
	if t.Gate != nil {
		select {
		case <-t.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DialErr != nil {
		return nil, t.DialErr
	}
	c := newConn(roomID)
	t.conns = append(t.conns, c)
	if !t.Manual {
		_ = c.Push(realtime.FrameSubscribed, realtime.SubscribedPayload{RoomID: roomID, Ref: "test"})
	}
	return c, nil
}

func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Last — последнее открытое соединение или nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type Conn struct {
	RoomID string

	in     chan realtime.Frame
	out    chan realtime.Frame
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newConn(roomID string) *Conn {
	return &Conn{
		RoomID: roomID,
		in:     make(chan realtime.Frame, 64),
		out:    make(chan realtime.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadFrame() (realtime.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return realtime.Frame{}, c.err
		}
		return realtime.Frame{}, realtime.ErrConnClosed
	}
}

func (c *Conn) WriteFrame(ctx context.Context, f realtime.Frame) error {
	select {
	case <-c.closed:
		return realtime.ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return realtime.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push доставляет кадр клиенту, как будто его прислал сервер.
func (c *Conn) Push(typ string, payload any) error {
	f, err := realtime.NewFrame(typ, payload)
	if err != nil {
		return err
	}
	select {
	case c.in <- f:
		return nil
	case <-c.closed:
		return realtime.ErrConnClosed
	}
}

// Drop обрывает соединение с ошибкой транспорта.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	_ = c.Close()
}

// Sent — кадры, отправленные клиентом.
func (c *Conn) Sent() <-chan realtime.Frame { return c.out }

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
