package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/realtime"
	"github.com/dexterr404/watch-room/internal/realtime/realtimetest"
)

type stubIdentity struct {
	user *domain.User
	err  error
}

func (s stubIdentity) CurrentUser(context.Context) (*domain.User, error) { return s.user, s.err }

type stubStore struct {
	mu       sync.Mutex
	history  []domain.Message
	err      error
	fetches  int
	inserted []domain.NewMessage
	gate     chan struct{}
}

func (s *stubStore) FetchMessages(ctx context.Context, _ string) ([]domain.Message, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.history, s.err
}

func (s *stubStore) InsertMessage(_ context.Context, m domain.NewMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, m)
	return nil
}

type stubProfiles struct{}

func (stubProfiles) FetchProfile(_ context.Context, userID string) (*domain.Profile, error) {
	if userID == "ghost" {
		return nil, nil
	}
	return &domain.Profile{UserID: userID, DisplayName: "name-" + userID}, nil
}

var fixedNow = time.Date(2025, 5, 1, 20, 0, 0, 0, time.UTC)

func newCoordinator(tr realtime.Transport, st *stubStore, id stubIdentity) *Coordinator {
	return NewCoordinator(Deps{
		Identity:         id,
		Store:            st,
		Profiles:         stubProfiles{},
		Transport:        tr,
		SubscribeTimeout: time.Second,
		Now:              func() time.Time { return fixedNow },
	})
}

func me() stubIdentity {
	return stubIdentity{user: &domain.User{ID: "me", Email: "me@example.com"}}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestOpen_EmptyRoomSubscribes(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{}, me())

	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	assert.Equal(t, StateSubscribed, s.State())
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Participants())
	assert.NoError(t, s.HistoryErr())

	// автоматический анонс присутствия после подписки
	f := <-tr.Last().Sent()
	require.Equal(t, realtime.FrameTrack, f.Type)
	var p realtime.TrackPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, "me", p.Meta.UserID)
	assert.Equal(t, "name-me", p.Meta.Username)
	assert.True(t, p.Meta.OnlineAt.Equal(fixedNow))
}

func TestOpen_PresenceSyncThenLeave(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{}, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	a := realtime.PresenceMeta{UserID: "user_a", Username: "a", OnlineAt: fixedNow}
	require.NoError(t, tr.Last().Push(realtime.FramePresenceState, realtime.PresenceStatePayload{
		RoomID: "R1", Presences: realtime.PresenceState{"user_a": {a}},
	}))
	eventually(t, func() bool { return len(s.Participants()) == 1 })
	assert.Equal(t, "user_a", s.Participants()[0].UserID)

	require.NoError(t, tr.Last().Push(realtime.FramePresenceLeave, realtime.PresenceDiff{
		Key: "user_a", Metas: []realtime.PresenceMeta{a},
	}))
	eventually(t, func() bool { return len(s.Participants()) == 0 })
}

func TestOpen_HistoryAndLiveMerge(t *testing.T) {
	st := &stubStore{history: []domain.Message{
		{ID: "m1", RoomID: "R1", UserID: "u", CreatedAt: fixedNow.Add(time.Second)},
		{ID: "m2", RoomID: "R1", UserID: "u", CreatedAt: fixedNow.Add(2 * time.Second)},
	}}
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, st, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	require.NoError(t, tr.Last().Push(realtime.FrameMessageInsert, realtime.MessageInsertPayload{
		Record: domain.Message{ID: "m3", RoomID: "R1", UserID: "u", CreatedAt: fixedNow.Add(1500 * time.Millisecond)},
	}))
	eventually(t, func() bool { return len(s.Messages()) == 3 })

	ms := s.Messages()
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{ms[0].ID, ms[1].ID, ms[2].ID})
	assert.Equal(t, "name-u", ms[2].AuthorDisplayName)
}

func TestOpen_Unauthenticated(t *testing.T) {
	tr := realtimetest.NewTransport()
	st := &stubStore{}
	c := newCoordinator(tr, st, stubIdentity{})

	s, err := c.Open(context.Background(), "R1")
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Nil(t, s)
	assert.Zero(t, tr.Dials())
	assert.Zero(t, st.fetches)

	_, ok := c.Active("R1")
	assert.False(t, ok)

	c2 := newCoordinator(tr, st, stubIdentity{err: errors.New("expired")})
	_, err = c2.Open(context.Background(), "R1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestOpen_HistoryFailureIsDistinguishable(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{err: errors.New("db")}, me())

	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	assert.ErrorIs(t, s.HistoryErr(), domain.ErrHistoryFetchFailed)
	assert.Empty(t, s.Messages())
	assert.Equal(t, StateSubscribed, s.State())
}

func TestOpen_ConcurrentOpenSharesOneChannel(t *testing.T) {
	tr := realtimetest.NewTransport()
	tr.Gate = make(chan struct{})
	c := newCoordinator(tr, &stubStore{}, me())

	const n = 4
	results := make(chan *Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Open(context.Background(), "R1")
			assert.NoError(t, err)
			results <- s
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(tr.Gate)
	wg.Wait()
	close(results)

	var first *Session
	for s := range results {
		if first == nil {
			first = s
		}
		assert.Same(t, first, s)
	}
	assert.Equal(t, 1, tr.Dials())

	again, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, tr.Dials())
	first.Teardown()
}

func TestTeardown_Idempotent(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{}, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	conn := tr.Last()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, s.Teardown)
		}()
	}
	wg.Wait()
	s.Teardown()

	assert.Equal(t, StateTornDown, s.State())
	assert.True(t, conn.IsClosed())
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Participants())
	assert.ErrorIs(t, s.Send(context.Background(), "hi"), domain.ErrClosed)

	_, ok := c.Active("R1")
	assert.False(t, ok)

	// после teardown открывается новая сессия со своим каналом
	s2, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s2.Teardown()
	assert.NotSame(t, s, s2)
	assert.Equal(t, 2, tr.Dials())
}

func TestTeardown_DuringHistoryFetch(t *testing.T) {
	st := &stubStore{gate: make(chan struct{})}
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, st, me())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Open(context.Background(), "R1")
		errCh <- err
	}()

	var s *Session
	eventually(t, func() bool {
		var ok bool
		s, ok = c.Active("R1")
		return ok && s.State() == StateFetchingHistory
	})
	s.Teardown()
	close(st.gate)

	require.ErrorIs(t, <-errCh, domain.ErrClosed)
	assert.Zero(t, tr.Dials())
	assert.Equal(t, StateTornDown, s.State())
}

func TestSend_RequiresSubscribed(t *testing.T) {
	st := &stubStore{}
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, st, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	require.NoError(t, s.Send(context.Background(), ""))
	require.NoError(t, s.Send(context.Background(), "   "))
	assert.Empty(t, st.inserted)

	require.NoError(t, s.Send(context.Background(), " hi "))
	require.Len(t, st.inserted, 1)
	assert.Equal(t, "hi", st.inserted[0].Content)
	assert.Empty(t, s.Messages(), "no optimistic append")

	tr.Last().Drop(errors.New("timeout"))
	eventually(t, func() bool { return s.State() == StateDegraded })
	assert.Error(t, s.Err())
	assert.ErrorIs(t, s.Send(context.Background(), "hi"), domain.ErrNotConnected)
}

func TestOpen_ChannelConnectFailureDegrades(t *testing.T) {
	tr := realtimetest.NewTransport()
	tr.DialErr = errors.New("refused")
	st := &stubStore{history: []domain.Message{{ID: "m1", RoomID: "R1", CreatedAt: fixedNow}}}
	c := newCoordinator(tr, st, me())

	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	assert.Equal(t, StateDegraded, s.State())
	assert.ErrorIs(t, s.Err(), domain.ErrChannelConnectFailed)
	assert.Len(t, s.Messages(), 1, "history survives degradation")
}

func TestOpen_EmptyRoomID(t *testing.T) {
	c := newCoordinator(realtimetest.NewTransport(), &stubStore{}, me())
	_, err := c.Open(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyRoomID)
}

func TestChanges_Signalled(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{}, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)
	defer s.Teardown()

	// слить сигналы открытия
	select {
	case <-s.Changes():
	default:
	}

	require.NoError(t, tr.Last().Push(realtime.FramePresenceJoin, realtime.PresenceDiff{
		Key: "x", Metas: []realtime.PresenceMeta{{UserID: "x", OnlineAt: fixedNow}},
	}))
	select {
	case <-s.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal")
	}
}

func TestOpen_WaiterRetriesWhenOpenerCancelled(t *testing.T) {
	st := &stubStore{gate: make(chan struct{})}
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, st, me())

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Open(ctx1, "R1")
		firstErr <- err
	}()
	eventually(t, func() bool {
		s, ok := c.Active("R1")
		return ok && s.State() == StateFetchingHistory
	})

	type result struct {
		s   *Session
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := c.Open(context.Background(), "R1")
		second <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel1()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(st.gate)

	var r result
	select {
	case r = <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not reopen")
	}
	require.NoError(t, r.err)
	defer r.s.Teardown()
	assert.Equal(t, StateSubscribed, r.s.State())
	assert.Equal(t, 1, tr.Dials())
}

func TestTeardown_ClearsParticipantsForGood(t *testing.T) {
	tr := realtimetest.NewTransport()
	c := newCoordinator(tr, &stubStore{}, me())
	s, err := c.Open(context.Background(), "R1")
	require.NoError(t, err)

	a := realtime.PresenceMeta{Ref: "r1", UserID: "user_a", OnlineAt: fixedNow}
	require.NoError(t, tr.Last().Push(realtime.FramePresenceState, realtime.PresenceStatePayload{
		RoomID: "R1", Presences: realtime.PresenceState{"user_a": {a}},
	}))
	eventually(t, func() bool { return len(s.Participants()) == 1 })

	s.Teardown()
	s.tracker.Sync(realtime.PresenceState{"user_a": {a}})
	assert.Empty(t, s.Participants())
}
