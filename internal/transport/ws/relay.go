package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dexterr404/watch-room/internal/domain"
)

// Relay разносит message_insert между инстансами через Redis Pub/Sub:
// PublishInsert пишет в room:{id}:inserts, Start слушает шаблон и
// пересылает в локальный Hub.
type Relay struct {
	client  *redis.Client
	hub     *Hub
	pattern string // room:*:inserts

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRelay(client *redis.Client, hub *Hub, pattern string) *Relay {
	if pattern == "" || !strings.Contains(pattern, "*") {
		pattern = "room:*:inserts"
	}
	return &Relay{client: client, hub: hub, pattern: pattern}
}

func (r *Relay) topic(roomID string) string {
	return strings.Replace(r.pattern, "*", roomID, 1)
}

func (r *Relay) PublishInsert(ctx context.Context, m domain.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.topic(m.RoomID), b).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Start подписывается и дожидается подтверждения, дальше читает в фоне.
func (r *Relay) Start(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("relay psubscribe %s: %w", r.pattern, err)
	}

	r.mu.Lock()
	r.pubsub = ps
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var m domain.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("relay bad payload", "channel", msg.Channel, "err", err)
				continue
			}
			_ = r.hub.PublishInsert(ctx, m)
		}
	}()
	slog.Info("relay subscribed", "pattern", r.pattern)
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
