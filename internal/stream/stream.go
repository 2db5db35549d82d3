// Package stream — упорядоченный лог сообщений комнаты без дублей.
//
// История сортируется один раз при Seed; live-вставки только дописываются
// в конец в порядке прихода и никогда не пересортировываются. Профили авторов
// подтягиваются параллельно, но вставка фиксируется только после всех
// пришедших раньше.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/realtime"
	"github.com/dexterr404/watch-room/pkg/logger"
)

type Store interface {
	FetchMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, m domain.NewMessage) error
}

type ProfileStore interface {
	// FetchProfile возвращает nil, nil если профиля нет.
	FetchProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

type Identity interface {
	// CurrentUser возвращает nil, nil для анонимного клиента.
	CurrentUser(ctx context.Context) (*domain.User, error)
}

type Deps struct {
	Store    Store
	Profiles ProfileStore
	Identity Identity
	Logger   *slog.Logger
}

type Stream struct {
	roomID   string
	store    Store
	profiles ProfileStore
	identity Identity
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sf     singleflight.Group

	mu       sync.Mutex
	closed   bool
	messages []domain.Message
	seen     map[string]struct{}
	pending  []*pendingInsert // FIFO в порядке прихода
	authors  map[string]*domain.Profile
	changed  func()
}

type pendingInsert struct {
	msg   domain.Message
	ready bool
}

func New(roomID string, d Deps) *Stream {
	if d.Logger == nil {
		d.Logger = logger.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		roomID:   roomID,
		store:    d.Store,
		profiles: d.Profiles,
		identity: d.Identity,
		log:      d.Logger.With(slog.String("room", roomID)),
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[string]struct{}),
		authors:  make(map[string]*domain.Profile),
	}
}

// Load загружает историю из хранилища и засевает ею лог.
func (s *Stream) Load(ctx context.Context) error {
	history, err := s.store.FetchMessages(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHistoryFetchFailed, err)
	}
	s.Seed(history)
	return nil
}

func (s *Stream) Seed(history []domain.Message) {
	sorted := make([]domain.Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, m := range sorted {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
	s.notifyLocked()
}

// Attach подписывает лог на вставки канала. changed вызывается после каждого изменения.
func (s *Stream) Attach(ch *realtime.Channel, changed func()) {
	s.mu.Lock()
	s.changed = changed
	s.mu.Unlock()
	ch.OnMessageInsert(s.HandleInsert)
}

// HandleInsert занимает место в очереди и обогащает запись профилем автора.
// Lookup'ы идут параллельно; в лог вставки попадают строго в порядке прихода.
func (s *Stream) HandleInsert(rec domain.Message) {
	if rec.RoomID != "" && rec.RoomID != s.roomID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[rec.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[rec.ID] = struct{}{}
	slot := &pendingInsert{msg: rec}
	s.pending = append(s.pending, slot)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		p, err := s.author(rec.UserID)
		if err != nil && s.ctx.Err() == nil {
			s.log.Warn("stream profile lookup failed",
				"user", rec.UserID, "msg_id", rec.ID,
				"err", fmt.Errorf("%w: %v", domain.ErrProfileLookupFailed, err))
		}
		s.commit(slot, p)
	}()
}

// commit отмечает вставку готовой и сливает готовый префикс очереди в лог.
func (s *Stream) commit(slot *pendingInsert, p *domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Debug("stream insert dropped after close", "msg_id", slot.msg.ID)
		return
	}
	if p != nil {
		slot.msg.AuthorDisplayName = p.DisplayName
		slot.msg.AuthorAvatarRef = p.AvatarRef
	}
	slot.ready = true

	n := 0
	for n < len(s.pending) && s.pending[n].ready {
		s.messages = append(s.messages, s.pending[n].msg)
		s.pending[n] = nil
		n++
	}
	if n == 0 {
		return
	}
	s.pending = s.pending[n:]
	s.notifyLocked()
}

// author — профиль с кэшем на время жизни лога; параллельные запросы одного user схлопываются.
func (s *Stream) author(userID string) (*domain.Profile, error) {
	if s.profiles == nil || userID == "" {
		return nil, nil
	}

	s.mu.Lock()
	p, ok := s.authors[userID]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := s.sf.Do(userID, func() (any, error) {
		return s.profiles.FetchProfile(s.ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	p, _ = v.(*domain.Profile)

	s.mu.Lock()
	if !s.closed {
		s.authors[userID] = p
	}
	s.mu.Unlock()
	return p, nil
}

// Send сохраняет сообщение. Локально не добавляет: сообщение придёт эхом через канал.
func (s *Stream) Send(ctx context.Context, content string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}

	u, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if u == nil {
		return domain.ErrUnauthenticated
	}

	if err := s.store.InsertMessage(ctx, domain.NewMessage{
		RoomID:  s.roomID,
		UserID:  u.ID,
		Content: text,
	}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

func (s *Stream) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Wait ждёт завершения обогащения уже принятых вставок.
func (s *Stream) Wait() { s.wg.Wait() }

// Close отменяет незавершённые lookup'ы и освобождает состояние. Идемпотентен.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.messages = nil
	s.seen = nil
	s.pending = nil
	s.authors = nil
	s.changed = nil
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) notifyLocked() {
	if s.changed != nil {
		s.changed()
	}
}
