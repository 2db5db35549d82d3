package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dexterr404/watch-room/internal/metrics"
	httpmw "github.com/dexterr404/watch-room/internal/transport/http/middleware"
)

type RouterDeps struct {
	Handler        *Handler
	Auth           httpmw.Authenticator
	WS             http.HandlerFunc
	AllowedOrigins []string
	// PostLimiter ограничивает POST сообщений; nil — без лимита
	PostLimiter *httpmw.RateLimiter
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLoggerCtx)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// WS endpoint: токен в query, без таймаута и без обёртки ResponseWriter
	if d.WS != nil {
		r.Get("/ws/rooms/{id}", d.WS)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(metrics.Middleware)
		pr.Use(httpmw.RequestLogger)
		pr.Use(httpmw.AuthMiddleware(d.Auth))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Get("/me", d.Handler.Me)
		pr.Get("/profiles/{id}", d.Handler.GetProfile)
		pr.Get("/rooms/{id}/messages", d.Handler.GetMessages)
		post := http.Handler(http.HandlerFunc(d.Handler.PostMessage))
		if d.PostLimiter != nil {
			post = d.PostLimiter.PerUser(post)
		}
		pr.Method(http.MethodPost, "/rooms/{id}/messages", post)
	})

	r.Handle("/metrics", promhttp.Handler())

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
