package postgres

import (
	"context"
	"fmt"

	"github.com/dexterr404/watch-room/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	db *pgxpool.Pool
}

func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Save(ctx context.Context, m domain.NewMessage) (*domain.Message, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO messages (room_id, user_id, content)
		VALUES ($1, $2, $3)
		RETURNING id::text, room_id, user_id, content, created_at
	`, m.RoomID, m.UserID, m.Content)

	var out domain.Message
	if err := row.Scan(&out.ID, &out.RoomID, &out.UserID, &out.Content, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &out, nil
}

// History возвращает историю комнаты по возрастанию (created_at,id) вместе с профилем автора.
// after — курсор последнего полученного сообщения.
func (r *ChatRepository) History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	cur, err := DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}

	const q = `
		SELECT m.id::text, m.room_id, m.user_id, m.content, m.created_at,
		       COALESCE(p.username, ''), COALESCE(p.avatar_url, '')
		FROM messages AS m
		LEFT JOIN profiles AS p ON p.id = m.user_id
		WHERE m.room_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR m.created_at > $2
		    OR (m.created_at = $2 AND m.id::text > $3)
		  )
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $4
	`

	createdAt, id := cur.queryArgs()
	rows, err := r.db.Query(ctx, q, roomID, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt,
			&m.AuthorDisplayName, &m.AuthorAvatarRef); err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) == limit {
		next = CursorAfter(out[len(out)-1]).Encode()
	}
	return out, next, nil
}
