// Package presence хранит «кто сейчас в комнате» по событиям канала.
//
// Sync (полный снапшот) заменяет всё состояние и является точкой
// согласования; Join/Leave — быстрые инкременты между синками.
package presence

import (
	"sort"
	"sync"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/realtime"
)

type Tracker struct {
	mu     sync.RWMutex
	closed bool
	users  map[string]map[string]realtime.PresenceMeta // user_id -> ref -> meta
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]map[string]realtime.PresenceMeta)}
}

// Attach подписывает трекер на presence-события канала.
func (t *Tracker) Attach(ch *realtime.Channel, changed func()) {
	notify := func(applied bool) {
		if applied && changed != nil {
			changed()
		}
	}
	ch.OnPresenceSync(func(s realtime.PresenceState) { notify(t.Sync(s)) })
	ch.OnPresenceJoin(func(d realtime.PresenceDiff) { notify(t.Join(d)) })
	ch.OnPresenceLeave(func(d realtime.PresenceDiff) { notify(t.Leave(d)) })
}

// Sync заменяет всё состояние. После Close возвращает false.
func (t *Tracker) Sync(state realtime.PresenceState) bool {
	next := make(map[string]map[string]realtime.PresenceMeta, len(state))
	for key, metas := range state {
		for _, m := range metas {
			add(next, key, m)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.users = next
	return true
}

func (t *Tracker) Join(d realtime.PresenceDiff) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	for _, m := range d.Metas {
		add(t.users, d.Key, m)
	}
	return true
}

// Leave убирает ушедшие вкладки; пользователь пропадает, когда вкладок не осталось.
// Diff без metas убирает пользователя целиком.
func (t *Tracker) Leave(d realtime.PresenceDiff) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if len(d.Metas) == 0 {
		delete(t.users, d.Key)
		return true
	}
	for _, m := range d.Metas {
		user := userKey(d.Key, m)
		tabs, ok := t.users[user]
		if !ok {
			continue
		}
		delete(tabs, refKey(d.Key, m))
		if len(tabs) == 0 {
			delete(t.users, user)
		}
	}
	return true
}

// Participants — по одному на пользователя (самая свежая вкладка),
// упорядочены по connected_at, затем user_id.
func (t *Tracker) Participants() []domain.Participant {
	t.mu.RLock()
	out := make([]domain.Participant, 0, len(t.users))
	for _, tabs := range t.users {
		out = append(out, latest(tabs).Participant())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// Close очищает состояние; поздние события после него игнорируются. Идемпотентен.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.users = make(map[string]map[string]realtime.PresenceMeta)
	t.mu.Unlock()
}

func add(set map[string]map[string]realtime.PresenceMeta, key string, m realtime.PresenceMeta) {
	if m.UserID == "" {
		return
	}
	tabs, ok := set[m.UserID]
	if !ok {
		tabs = make(map[string]realtime.PresenceMeta)
		set[m.UserID] = tabs
	}
	tabs[refKey(key, m)] = m
}

// latest: при равном online_at выигрывает больший ref, чтобы выбор был стабильным.
func latest(tabs map[string]realtime.PresenceMeta) realtime.PresenceMeta {
	var (
		best    realtime.PresenceMeta
		bestRef string
		found   bool
	)
	for ref, m := range tabs {
		if !found || m.OnlineAt.After(best.OnlineAt) || (m.OnlineAt.Equal(best.OnlineAt) && ref > bestRef) {
			best, bestRef, found = m, ref, true
		}
	}
	return best
}

func userKey(key string, m realtime.PresenceMeta) string {
	if m.UserID != "" {
		return m.UserID
	}
	return key
}

// refKey — вкладка; meta без ref считается единственной вкладкой ключа.
func refKey(key string, m realtime.PresenceMeta) string {
	if m.Ref != "" {
		return m.Ref
	}
	return "key:" + key
}
