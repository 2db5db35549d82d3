package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/realtime"
)

type Authenticator interface {
	Authenticate(token string) (*domain.User, error)
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	auth     Authenticator

	pingEvery time.Duration
	now       func() time.Time
}

func NewServer(hub *Hub, auth Authenticator, pingEvery time.Duration) *Server {
	if pingEvery <= 0 {
		pingEvery = 15 * time.Second
	}
	return &Server{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery: pingEvery,
		now:       time.Now,
	}
}

// WS endpoint: GET /ws/rooms/{id}?access_token=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
	}
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	user, err := s.auth.Authenticate(token)
	if err != nil {
		slog.Debug("ws auth failed", "err", err)
		http.Error(w, "invalid access_token", http.StatusUnauthorized)
		return
	}
	roomID := strings.TrimSpace(chi.URLParam(r, "id"))
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	// контекст запроса не переживает hijack в некоторых серверах, живём своим
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newWsConn(conn, roomID, user.ID, uuid.NewString())
	s.hub.Add(c)
	log := slog.With("room", roomID, "user", user.ID, "ref", c.ref)
	log.Debug("ws connected")

	if err := s.handshake(c); err != nil {
		log.Warn("ws handshake failed", "err", err)
	}

	go s.writeLoop(ctx, c)
	s.readLoop(c, user)

	if meta := s.hub.Remove(c); meta != nil {
		s.broadcastDiff(roomID, realtime.FramePresenceLeave, *meta)
		s.hub.broadcastState(roomID)
	}
	if err := c.Close(); err != nil {
		log.Debug("ws close failed", "err", err)
	}
	log.Debug("ws disconnected")
}

// handshake: subscribed, затем текущий снапшот присутствия.
func (s *Server) handshake(c *wsConn) error {
	f, err := realtime.NewFrame(realtime.FrameSubscribed, realtime.SubscribedPayload{RoomID: c.roomID, Ref: c.ref})
	if err != nil {
		return err
	}
	if err := c.Send(f); err != nil {
		return err
	}
	f, err = realtime.NewFrame(realtime.FramePresenceState, realtime.PresenceStatePayload{
		RoomID:    c.roomID,
		Presences: s.hub.State(c.roomID),
	})
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (s *Server) readLoop(c *wsConn, user *domain.User) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	})

	for {
		var f realtime.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws read failed", "room", c.roomID, "ref", c.ref, "err", err)
			}
			return
		}

		switch f.Type {
		case realtime.FrameTrack:
			var p realtime.TrackPayload
			if err := f.Decode(&p); err != nil {
				s.sendError(c, "invalid track payload")
				continue
			}
			// идентичность берём из токена, а не из кадра
			meta := p.Meta
			meta.UserID = user.ID
			if meta.OnlineAt.IsZero() {
				meta.OnlineAt = s.now().UTC()
			}
			if !s.hub.Track(c, meta) {
				return
			}
			meta.Ref = c.ref
			s.broadcastDiff(c.roomID, realtime.FramePresenceJoin, meta)
			s.hub.broadcastState(c.roomID)
		default:
			s.sendError(c, "unsupported frame: "+f.Type)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (s *Server) broadcastDiff(roomID, typ string, meta realtime.PresenceMeta) {
	f, err := realtime.NewFrame(typ, realtime.PresenceDiff{Key: meta.UserID, Metas: []realtime.PresenceMeta{meta}})
	if err != nil {
		return
	}
	s.hub.Broadcast(roomID, f)
}

func (s *Server) sendError(c *wsConn, msg string) {
	f, err := realtime.NewFrame(realtime.FrameError, realtime.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	_ = c.Send(f)
}

type wsConn struct {
	conn   *websocket.Conn
	roomID string
	userID string
	ref    string
	sendMu chan struct{}
	closed chan struct{}
}

func newWsConn(c *websocket.Conn, roomID, userID, ref string) *wsConn {
	return &wsConn{
		conn:   c,
		roomID: roomID,
		userID: userID,
		ref:    ref,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(f realtime.Frame) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) Close() error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}

	return c.conn.Close()
}

func (c *wsConn) Ref() string    { return c.ref }
func (c *wsConn) RoomID() string { return c.roomID }
