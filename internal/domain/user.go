package domain

import "strings"

const anonymousName = "Anonymous"

type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Profile struct {
	UserID      string `json:"id" db:"id"`
	DisplayName string `json:"username" db:"username"`
	AvatarRef   string `json:"avatar_url" db:"avatar_url"`
}

// PresenceName: username из профиля, иначе локальная часть email, иначе Anonymous.
func PresenceName(u *User, p *Profile) string {
	if p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	if u != nil && u.Email != "" {
		if local, _, _ := strings.Cut(u.Email, "@"); local != "" {
			return local
		}
	}
	return anonymousName
}

func PresenceAvatar(u *User, p *Profile) string {
	if p != nil && p.AvatarRef != "" {
		return p.AvatarRef
	}
	if u != nil {
		if v, ok := u.Metadata["avatar_url"].(string); ok {
			return v
		}
	}
	return ""
}
