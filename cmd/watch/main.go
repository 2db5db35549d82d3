// watch — консольный клиент комнаты: печатает ленту и участников, отправляет строки stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v5"

	"github.com/dexterr404/watch-room/internal/api"
	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/realtime"
	"github.com/dexterr404/watch-room/internal/session"
	"github.com/dexterr404/watch-room/pkg/logger"
)

type cliConfig struct {
	APIURL           string        `env:"WATCH_API_URL" envDefault:"http://localhost:8080"`
	WSURL            string        `env:"WATCH_WS_URL"` // по умолчанию из WATCH_API_URL
	Token            string        `env:"WATCH_TOKEN"`
	Room             string        `env:"WATCH_ROOM,required,notEmpty"`
	LogLevel         string        `env:"WATCH_LOG_LEVEL" envDefault:"warn"`
	SubscribeTimeout time.Duration `env:"WATCH_SUBSCRIBE_TIMEOUT" envDefault:"10s"`
}

func (c cliConfig) wsURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u := strings.TrimRight(c.APIURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func main() {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Init(logger.Config{
		Service: "watch-cli",
		Backend: logger.BackendStd,
		Level:   logger.ParseLevel(cfg.LogLevel),
		Output:  os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.APIURL, cfg.Token, nil)
	coord := session.NewCoordinator(session.Deps{
		Identity:         client,
		Store:            client,
		Profiles:         client,
		Transport:        realtime.NewWebSocketTransport(cfg.wsURL(), cfg.Token),
		Logger:           logger.For("session"),
		SubscribeTimeout: cfg.SubscribeTimeout,
	})
	defer coord.Close()

	lines := make(chan string)
	go readLines(ctx, os.Stdin, lines)

	if err := run(ctx, coord, cfg.Room, lines, newPrinter(os.Stdout)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("watch: %v", err)
	}
}

// run держит сессию открытой: при деградации разбирает её и переоткрывает с backoff.
func run(ctx context.Context, coord *session.Coordinator, room string, lines <-chan string, out *printer) error {
	for {
		s, err := open(ctx, coord, room)
		if err != nil {
			return err
		}
		if herr := s.HistoryErr(); herr != nil {
			out.status("history unavailable: %v", herr)
		}
		if s.State() == session.StateSubscribed {
			out.status("joined %s", room)
		}

		err = serve(ctx, s, lines, out)
		s.Teardown()
		if err != nil {
			return err
		}
		out.status("connection lost, reconnecting")
	}
}

func open(ctx context.Context, coord *session.Coordinator, room string) (*session.Session, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	return backoff.Retry(ctx, func() (*session.Session, error) {
		s, err := coord.Open(ctx, room)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) || errors.Is(err, session.ErrEmptyRoomID) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if s.State() == session.StateDegraded {
			derr := s.Err()
			s.Teardown()
			return nil, fmt.Errorf("channel: %w", derr)
		}
		return s, nil
	}, backoff.WithBackOff(b))
}

// serve возвращает nil, когда сессия деградировала и её надо переоткрыть.
func serve(ctx context.Context, s *session.Session, lines <-chan string, out *printer) error {
	out.update(s.Messages(), s.Participants())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return nil
		case <-s.Changes():
			out.update(s.Messages(), s.Participants())
			if s.State() == session.StateDegraded {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return context.Canceled
			}
			if err := s.Send(ctx, line); err != nil {
				out.status("send failed: %v", err)
			}
		}
	}
}

func readLines(ctx context.Context, f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}
