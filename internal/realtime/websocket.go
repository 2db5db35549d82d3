package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// сервер пингует каждые 15s; без пинга дольше pongWait соединение считается мёртвым
	pongWait = 35 * time.Second
)

// WebSocketTransport подключается к gateway: GET {base}/ws/rooms/{id}?access_token=...
type WebSocketTransport struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

func NewWebSocketTransport(baseURL, token string) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, roomID string) (Conn, error) {
	u, err := url.Parse(t.baseURL + "/ws/rooms/" + url.PathEscape(roomID))
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", t.token)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return newWSConn(conn), nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{conn: c, closed: make(chan struct{})}

	c.SetReadLimit(1 << 20)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPingHandler(func(data string) error {
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return w
}

func (w *wsConn) ReadFrame() (Frame, error) {
	var f Frame
	if err := w.conn.ReadJSON(&f); err != nil {
		select {
		case <-w.closed:
			return Frame{}, ErrConnClosed
		default:
		}
		return Frame{}, err
	}
	return f, nil
}

func (w *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-w.closed:
		return ErrConnClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteJSON(f)
}

func (w *wsConn) Close() error {
	err := ErrConnClosed
	w.closeOnce.Do(func() {
		close(w.closed)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
