package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/presence"
	"github.com/dexterr404/watch-room/internal/realtime"
	"github.com/dexterr404/watch-room/internal/stream"
)

type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateFetchingHistory
	StateChannelConnecting
	StateSubscribed
	StateDegraded
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateFetchingHistory:
		return "fetching_history"
	case StateChannelConnecting:
		return "channel_connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Session struct {
	coord  *Coordinator
	deps   Deps
	roomID string
	log    *slog.Logger

	// ctx — токен живости сессии, отменяется в Teardown
	ctx    context.Context
	cancel context.CancelFunc

	ready   chan struct{}
	openErr error

	tracker *presence.Tracker
	stream  *stream.Stream
	changes chan struct{}

	mu          sync.Mutex
	state       State
	channel     *realtime.Channel
	user        *domain.User
	profile     *domain.Profile
	err         error
	historyErr  error
	firstStatus chan struct{}
	statusOnce  sync.Once
}

func newSession(c *Coordinator, roomID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log := c.log.With(slog.String("room", roomID))
	return &Session{
		coord:   c,
		deps:    c.deps,
		roomID:  roomID,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		tracker: presence.NewTracker(),
		stream: stream.New(roomID, stream.Deps{
			Store:    c.deps.Store,
			Profiles: c.deps.Profiles,
			Identity: c.deps.Identity,
			Logger:   c.deps.Logger,
		}),
		changes:     make(chan struct{}, 1),
		firstStatus: make(chan struct{}),
	}
}

func (s *Session) await(ctx context.Context) (*Session, error) {
	select {
	case <-s.ready:
		if s.openErr != nil {
			return nil, s.openErr
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) open(ctx context.Context) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// 1. identity
	if !s.transition(StateIdle, StateAuthenticating) {
		return domain.ErrClosed
	}
	user, err := s.deps.Identity.CurrentUser(opCtx)
	if !s.alive() {
		return domain.ErrClosed
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if user == nil {
		return domain.ErrUnauthenticated
	}

	// 2. история и собственный профиль параллельно
	if !s.transition(StateAuthenticating, StateFetchingHistory) {
		return domain.ErrClosed
	}
	var (
		historyErr error
		profile    *domain.Profile
	)
	var g errgroup.Group
	g.Go(func() error {
		historyErr = s.stream.Load(opCtx)
		return nil
	})
	g.Go(func() error {
		if s.deps.Profiles == nil {
			return nil
		}
		p, err := s.deps.Profiles.FetchProfile(opCtx, user.ID)
		if err != nil {
			s.log.Warn("session own profile lookup failed", "user", user.ID,
				"err", fmt.Errorf("%w: %v", domain.ErrProfileLookupFailed, err))
			return nil
		}
		profile = p
		return nil
	})
	_ = g.Wait()
	if !s.alive() {
		return domain.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if historyErr != nil {
		s.log.Warn("session history fetch failed", "err", historyErr)
	}

	s.mu.Lock()
	s.user, s.profile, s.historyErr = user, profile, historyErr
	s.mu.Unlock()

	// 3. канал: слушатели регистрируются до subscribe
	if !s.transition(StateFetchingHistory, StateChannelConnecting) {
		return domain.ErrClosed
	}
	ch := realtime.NewChannel(s.deps.Transport, s.roomID, realtime.Options{
		SubscribeTimeout: s.deps.SubscribeTimeout,
		Logger:           s.deps.Logger,
	})
	s.tracker.Attach(ch, s.notify)
	s.stream.Attach(ch, s.notify)

	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		_ = ch.Close()
		return domain.ErrClosed
	}
	s.channel = ch
	s.mu.Unlock()

	ch.Subscribe(s.ctx, s.onStatus)

	select {
	case <-s.firstStatus:
		if !s.alive() {
			return domain.ErrClosed
		}
		s.log.Info("session opened", "state", s.State().String())
		return nil
	case <-opCtx.Done():
		if !s.alive() {
			return domain.ErrClosed
		}
		return ctx.Err()
	}
}

func (s *Session) onStatus(status realtime.Status, err error) {
	if !s.alive() {
		return
	}

	switch status {
	case realtime.StatusSubscribed:
		if s.transition(StateChannelConnecting, StateSubscribed) {
			s.announce()
		}
	default:
		s.mu.Lock()
		if s.state == StateSubscribed || s.state == StateChannelConnecting {
			s.state = StateDegraded
			s.err = err
		}
		s.mu.Unlock()
		s.log.Warn("session degraded", "status", string(status), "err", err)
	}

	s.statusOnce.Do(func() { close(s.firstStatus) })
	s.notify()
}

// announce — track с identity и текущим временем сразу после подписки.
func (s *Session) announce() {
	s.mu.Lock()
	ch, u, p := s.channel, s.user, s.profile
	s.mu.Unlock()
	if ch == nil || u == nil {
		return
	}

	meta := realtime.PresenceMeta{
		UserID:    u.ID,
		Username:  domain.PresenceName(u, p),
		AvatarURL: domain.PresenceAvatar(u, p),
		OnlineAt:  s.deps.Now().UTC(),
	}
	if err := ch.AnnouncePresence(s.ctx, meta); err != nil {
		s.log.Warn("session announce presence failed", "err", err)
		return
	}
	s.log.Debug("session presence tracked", "user", u.ID)
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) alive() bool { return s.ctx.Err() == nil }

func (s *Session) notify() {
	if !s.alive() {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Send сохраняет сообщение; в ленте оно появится эхом из канала.
func (s *Session) Send(ctx context.Context, content string) error {
	switch s.State() {
	case StateSubscribed:
	case StateTornDown:
		return domain.ErrClosed
	default:
		return domain.ErrNotConnected
	}
	return s.stream.Send(ctx, content)
}

// Teardown идемпотентен: повторный и конкурентный вызов — no-op.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateTornDown
	ch := s.channel
	s.channel = nil
	s.user, s.profile = nil, nil
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.log.Debug("session channel close failed", "err", err)
		}
	}
	s.stream.Close()
	s.tracker.Close()
	s.coord.forget(s)
	s.statusOnce.Do(func() { close(s.firstStatus) })
	s.log.Info("session torn down", "from", prev.String())
}

func (s *Session) RoomID() string { return s.roomID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err — причина потери соединения в Degraded.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// HistoryErr отличает ошибку загрузки истории от пустой комнаты.
func (s *Session) HistoryErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

func (s *Session) User() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Messages() []domain.Message         { return s.stream.Messages() }
func (s *Session) Participants() []domain.Participant { return s.tracker.Participants() }

// Changes сигналит (со слиянием), что сообщения, участники или состояние изменились.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Done закрывается после Teardown.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }
