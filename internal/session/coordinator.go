// Package session связывает канал комнаты, трекер присутствия и лог сообщений
// в одну сессию с явным жизненным циклом:
//
//	Idle -> Authenticating -> FetchingHistory -> ChannelConnecting -> Subscribed -> TornDown
//	                                                     |               |
//	                                                     +--> Degraded <-+
//
// Каждый этап открытия выполняется под контекстом сессии; Teardown отменяет его,
// и поздний результат любого этапа отбрасывается.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dexterr404/watch-room/internal/realtime"
	"github.com/dexterr404/watch-room/internal/stream"
	"github.com/dexterr404/watch-room/pkg/logger"
)

var ErrEmptyRoomID = errors.New("empty room id")

type Deps struct {
	Identity  stream.Identity
	Store     stream.Store
	Profiles  stream.ProfileStore
	Transport realtime.Transport

	Logger           *slog.Logger
	SubscribeTimeout time.Duration
	Now              func() time.Time
}

// Coordinator открывает сессии комнат. На одну комнату — не больше одной
// активной сессии на координатор; каналы между координаторами не разделяются.
type Coordinator struct {
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = logger.L()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Coordinator{
		deps:     d,
		log:      d.Logger,
		sessions: make(map[string]*Session),
	}
}

// Open возвращает сессию комнаты. Если сессия уже открыта или открывается,
// возвращается она же, второй канал не создаётся. Если открытие сорвалось
// из-за отмены контекста первого вызывающего, ожидающий с живым контекстом
// открывает комнату заново.
func (c *Coordinator) Open(ctx context.Context, roomID string) (*Session, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}

	for {
		c.mu.Lock()
		if s, ok := c.sessions[roomID]; ok {
			c.mu.Unlock()
			got, err := s.await(ctx)
			if isContextErr(err) && ctx.Err() == nil {
				continue
			}
			return got, err
		}
		s := newSession(c, roomID)
		c.sessions[roomID] = s
		c.mu.Unlock()

		err := s.open(ctx)
		if err != nil {
			// разбор до ready: ожидающие не должны найти сорванную сессию в карте
			s.Teardown()
		}
		s.openErr = err
		close(s.ready)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Active — сессия комнаты, если она есть.
func (c *Coordinator) Active(roomID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[roomID]
	return s, ok
}

// Close разбирает все сессии координатора.
func (c *Coordinator) Close() {
	c.mu.Lock()
	all := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	for _, s := range all {
		s.Teardown()
	}
}

func (c *Coordinator) forget(s *Session) {
	c.mu.Lock()
	if cur, ok := c.sessions[s.roomID]; ok && cur == s {
		delete(c.sessions, s.roomID)
	}
	c.mu.Unlock()
}
