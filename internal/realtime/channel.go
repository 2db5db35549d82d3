package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/pkg/logger"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status — сигнал жизненного цикла подписки для владельца канала.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

type StatusFunc func(Status, error)

const DefaultSubscribeTimeout = 10 * time.Second

type Options struct {
	SubscribeTimeout time.Duration
	Logger           *slog.Logger
}

// Channel — подписка на live-события одной комнаты.
// Обработчики вызываются последовательно из горутины чтения.
type Channel struct {
	transport Transport
	roomID    string
	log       *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	state    State
	conn     Conn
	cancel   context.CancelFunc
	onInsert []func(domain.Message)
	onSync   []func(PresenceState)
	onJoin   []func(PresenceDiff)
	onLeave  []func(PresenceDiff)
}

func NewChannel(t Transport, roomID string, opts Options) *Channel {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	return &Channel{
		transport: t,
		roomID:    roomID,
		timeout:   opts.SubscribeTimeout,
		log:       opts.Logger.With(slog.String("room", roomID)),
	}
}

func (c *Channel) RoomID() string { return c.roomID }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) OnMessageInsert(h func(domain.Message)) {
	c.mu.Lock()
	c.onInsert = append(c.onInsert, h)
	c.mu.Unlock()
}

func (c *Channel) OnPresenceSync(h func(PresenceState)) {
	c.mu.Lock()
	c.onSync = append(c.onSync, h)
	c.mu.Unlock()
}

func (c *Channel) OnPresenceJoin(h func(PresenceDiff)) {
	c.mu.Lock()
	c.onJoin = append(c.onJoin, h)
	c.mu.Unlock()
}

func (c *Channel) OnPresenceLeave(h func(PresenceDiff)) {
	c.mu.Lock()
	c.onLeave = append(c.onLeave, h)
	c.mu.Unlock()
}

// Subscribe открывает соединение в фоне. Повторный вызов — no-op:
// физическое соединение у канала максимум одно.
func (c *Channel) Subscribe(ctx context.Context, fn StatusFunc) {
	if fn == nil {
		fn = func(Status, error) {}
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.log.Debug("channel subscribe ignored", "state", c.state.String())
		return
	}
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, fn)
}

func (c *Channel) run(ctx context.Context, fn StatusFunc) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.timeout)
	conn, err := c.transport.Dial(dialCtx, c.roomID)
	cancelDial()
	if err != nil {
		if c.degrade(StateConnecting) {
			fn(StatusChannelError, fmt.Errorf("%w: %v", domain.ErrChannelConnectFailed, err))
		}
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// ack должен прийти за timeout, иначе TIMED_OUT
	timer := time.AfterFunc(c.timeout, func() {
		if c.degrade(StateConnecting) {
			_ = conn.Close()
			fn(StatusTimedOut, fmt.Errorf("%w: no subscribe ack within %s", domain.ErrChannelConnectFailed, c.timeout))
		}
	})
	defer timer.Stop()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if c.degrade(StateConnecting, StateSubscribed) {
				fn(StatusChannelError, err)
			}
			return
		}

		if f.Type == FrameSubscribed {
			timer.Stop()
			c.mu.Lock()
			ok := c.state == StateConnecting
			if ok {
				c.state = StateSubscribed
			}
			c.mu.Unlock()
			if ok {
				c.log.Debug("channel subscribed")
				fn(StatusSubscribed, nil)
			}
			continue
		}
		c.dispatch(f)
	}
}

// degrade переводит канал в Degraded, если он в одном из from.
func (c *Channel) degrade(from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = StateDegraded
			return true
		}
	}
	return false
}

func (c *Channel) dispatch(f Frame) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	onInsert := c.onInsert
	onSync := c.onSync
	onJoin := c.onJoin
	onLeave := c.onLeave
	c.mu.Unlock()

	switch f.Type {
	case FrameMessageInsert:
		var p MessageInsertPayload
		if err := f.Decode(&p); err != nil {
			c.log.Warn("channel bad insert frame", "err", err)
			return
		}
		for _, h := range onInsert {
			h(p.Record)
		}
	case FramePresenceState:
		var p PresenceStatePayload
		if err := f.Decode(&p); err != nil {
			c.log.Warn("channel bad presence state frame", "err", err)
			return
		}
		for _, h := range onSync {
			h(p.Presences)
		}
	case FramePresenceJoin, FramePresenceLeave:
		var d PresenceDiff
		if err := f.Decode(&d); err != nil {
			c.log.Warn("channel bad presence diff frame", "type", f.Type, "err", err)
			return
		}
		hs := onJoin
		if f.Type == FramePresenceLeave {
			hs = onLeave
		}
		for _, h := range hs {
			h(d)
		}
	case FrameError:
		var p ErrorPayload
		_ = f.Decode(&p)
		c.log.Warn("channel server error", "msg", p.Message)
	default:
		c.log.Debug("channel unknown frame", "type", f.Type)
	}
}

// AnnouncePresence отправляет track. Допустимо только в Subscribed.
func (c *Channel) AnnouncePresence(ctx context.Context, meta PresenceMeta) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	switch {
	case state == StateClosed:
		return domain.ErrClosed
	case state != StateSubscribed || conn == nil:
		return domain.ErrNotSubscribed
	}

	f, err := NewFrame(FrameTrack, TrackPayload{Meta: meta})
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

// Close идемпотентен. После него события не доставляются.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.onInsert, c.onSync, c.onJoin, c.onLeave = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrConnClosed) {
			return err
		}
	}
	c.log.Debug("channel closed")
	return nil
}
