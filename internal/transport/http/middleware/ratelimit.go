package httpmw

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter — token bucket на пользователя; простаивающие ключи вычищаются.
type RateLimiter struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RateLimiter {
	rl := &RateLimiter{
		m:    make(map[string]*keyLimiter),
		r:    r,
		b:    burst,
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go rl.gc()
	return rl
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	kl, ok := rl.m[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(rl.r, rl.b)}
		rl.m[key] = kl
	}
	kl.seen = time.Now()
	rl.mu.Unlock()
	return kl.lim.Allow()
}

func (rl *RateLimiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for k, v := range rl.m {
				if now.Sub(v.seen) > rl.ttl {
					delete(rl.m, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// PerUser ограничивает запросы аутентифицированного пользователя;
// ставится после AuthMiddleware, без пользователя ключом служит адрес.
func (rl *RateLimiter) PerUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if u := UserFromCtx(r.Context()); u != nil {
			key = u.ID
		}
		if !rl.Allow(key) {
			L(r.Context()).Warn("rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
