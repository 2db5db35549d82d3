package domain

import "time"

// Message — сообщение чата комнаты. После сохранения не меняется.
type Message struct {
	ID        string    `json:"id" db:"id"`
	RoomID    string    `json:"room_id" db:"room_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	AuthorDisplayName string `json:"author_display_name,omitempty"`
	AuthorAvatarRef   string `json:"author_avatar_ref,omitempty"`
}

// Before задаёт порядок истории: created_at, при равенстве — id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type NewMessage struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}
