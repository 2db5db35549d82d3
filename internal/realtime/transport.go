package realtime

import (
	"context"
	"errors"
)

var ErrConnClosed = errors.New("realtime: connection closed")

// Conn — одно физическое соединение с каналом комнаты.
// ReadFrame вызывается только из одной горутины.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}
