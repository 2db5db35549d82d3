package httpmw

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dexterr404/watch-room/internal/domain"
)

type ctxKey string

const (
	ctxKeyToken ctxKey = "token"
	ctxKeyUser  ctxKey = "user"
)

type Authenticator interface {
	Authenticate(token string) (*domain.User, error)
}

// AuthMiddleware требует Authorization: Bearer <jwt> и кладёт пользователя в контекст.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || len(header) <= 7 {
				unauthorized(w, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[7:])

			user, err := auth.Authenticate(token)
			if err != nil {
				L(r.Context()).Debug("auth rejected", slog.Any("err", err))
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyToken, token)
			ctx = context.WithValue(ctx, ctxKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func UserFromCtx(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(ctxKeyUser).(*domain.User); ok {
		return u
	}
	return nil
}

func TokenFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyToken).(string)
	return s
}
