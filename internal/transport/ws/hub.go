package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/metrics"
	"github.com/dexterr404/watch-room/internal/realtime"
)

type Conn interface {
	Send(f realtime.Frame) error
	Close() error
	Ref() string
	RoomID() string
}

type member struct {
	conn Conn
	meta *realtime.PresenceMeta // nil, пока соединение не прислало track
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*member // roomID -> conn ref -> member
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*member)}
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[c.RoomID()]
	if !ok {
		rs = make(map[string]*member)
		h.rooms[c.RoomID()] = rs
	}
	rs[c.Ref()] = &member{conn: c}
	metrics.WSConnections.Inc()
}

// Remove возвращает meta соединения, если оно успело анонсировать присутствие.
func (h *Hub) Remove(c Conn) *realtime.PresenceMeta {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[c.RoomID()]
	if !ok {
		return nil
	}
	m, ok := rs[c.Ref()]
	if !ok {
		return nil
	}
	delete(rs, c.Ref())
	metrics.WSConnections.Dec()
	if len(rs) == 0 {
		delete(h.rooms, c.RoomID())
	}
	return m.meta
}

// Track запоминает (или заменяет) meta соединения.
func (h *Hub) Track(c Conn, meta realtime.PresenceMeta) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.rooms[c.RoomID()][c.Ref()]
	if !ok {
		return false
	}
	meta.Ref = c.Ref()
	m.meta = &meta
	return true
}

// State — снапшот присутствия комнаты: user_id -> metas его соединений.
func (h *Hub) State(roomID string) realtime.PresenceState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := realtime.PresenceState{}
	for _, m := range h.rooms[roomID] {
		if m.meta == nil {
			continue
		}
		out[m.meta.UserID] = append(out[m.meta.UserID], *m.meta)
	}
	for _, metas := range out {
		sort.Slice(metas, func(i, j int) bool { return metas[i].OnlineAt.Before(metas[j].OnlineAt) })
	}
	return out
}

func (h *Hub) Conns(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) Broadcast(roomID string, f realtime.Frame) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[roomID]))
	for _, m := range h.rooms[roomID] {
		targets = append(targets, m.conn)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.Send(f) // best-effort
	}
	metrics.WSFramesSent.WithLabelValues(f.Type).Add(float64(len(targets)))
}

// PublishInsert рассылает message_insert подписчикам комнаты на этом инстансе.
func (h *Hub) PublishInsert(_ context.Context, m domain.Message) error {
	f, err := realtime.NewFrame(realtime.FrameMessageInsert, realtime.MessageInsertPayload{Record: m})
	if err != nil {
		return err
	}
	h.Broadcast(m.RoomID, f)
	return nil
}

func (h *Hub) broadcastState(roomID string) {
	f, err := realtime.NewFrame(realtime.FramePresenceState, realtime.PresenceStatePayload{
		RoomID:    roomID,
		Presences: h.State(roomID),
	})
	if err != nil {
		return
	}
	h.Broadcast(roomID, f)
}
