package domain

import "time"

// Participant существует только пока жива подписка на канал комнаты.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"username,omitempty"`
	AvatarRef   string    `json:"avatar_url,omitempty"`
	ConnectedAt time.Time `json:"online_at"`
}
