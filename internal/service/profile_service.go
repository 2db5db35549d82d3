package service

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/dexterr404/watch-room/internal/domain"
)

type ProfileRepo interface {
	Get(ctx context.Context, userID string) (*domain.Profile, error)
}

// ProfileCache — cache-aside хранилище; nil отключает кэш.
type ProfileCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type ProfileService struct {
	repo  ProfileRepo
	cache ProfileCache
	sf    singleflight.Group
}

func NewProfileService(repo ProfileRepo, cache ProfileCache) *ProfileService {
	return &ProfileService{repo: repo, cache: cache}
}

// Get: кэш, затем БД; параллельные промахи по одному user схлопываются.
func (s *ProfileService) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	key := "profile:" + userID

	if s.cache != nil {
		var cached domain.Profile
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			slog.Warn("profile cache get failed", "user", userID, "err", err)
		}
		if found {
			return &cached, nil
		}
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.repo.Get(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	p := v.(*domain.Profile)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, p); err != nil {
			slog.Warn("profile cache set failed", "user", userID, "err", err)
		}
	}
	return p, nil
}
