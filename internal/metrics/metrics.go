// Package metrics — prometheus-метрики шлюза: соединения комнат, кадры, HTTP.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watch_ws_connections",
		Help: "Current number of room websocket connections",
	})
	WSFramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watch_ws_frames_sent_total",
		Help: "Frames broadcast to room connections",
	}, []string{"type"})
	MessagesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watch_messages_posted_total",
		Help: "Chat messages persisted",
	})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watch_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watch_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WSConnections, WSFramesSent, MessagesPosted, HTTPRequestsTotal, HTTPRequestDuration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware считает запросы по шаблону маршрута chi, а не по сырому пути.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(rec.status)}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
