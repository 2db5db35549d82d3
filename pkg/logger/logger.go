// Package logger настраивает общий slog для сервера и CLI.
package logger

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	def      atomic.Pointer[slog.Logger]
	initOnce sync.Once
	flush    atomic.Pointer[func() error]
)

// Init настраивает slog в зависимости от среды и делает его default.
func Init(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "watch-room"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	// Выбор бекенда по умолчанию
	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var (
		h       slog.Handler
		flushFn = func() error { return nil }
	)
	switch cfg.Backend {
	case BackendZap:
		h, flushFn = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = traceHandler{h.WithAttrs(commonAttr(cfg))}

	base := slog.New(h)
	slog.SetDefault(base)
	def.Store(base)
	flush.Store(&flushFn)
	return base
}

func L() *slog.Logger {
	if l := def.Load(); l != nil {
		return l
	}
	initOnce.Do(func() {
		if def.Load() == nil {
			Init(Config{})
		}
	})
	return def.Load()
}

// For — логгер компонента: L().With("component", name).
func For(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync сбрасывает буферы zap; для std — no-op.
func Sync() error {
	if f := flush.Load(); f != nil {
		return (*f)()
	}
	return nil
}
