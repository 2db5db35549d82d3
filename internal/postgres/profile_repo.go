package postgres

import (
	"context"
	"errors"

	"github.com/dexterr404/watch-room/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProfileRepository struct {
	db *pgxpool.Pool
}

func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := r.db.QueryRow(ctx,
		`SELECT id, COALESCE(username, ''), COALESCE(avatar_url, '') FROM profiles WHERE id=$1`,
		userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}
