package postgres

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dexterr404/watch-room/internal/domain"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor — позиция последнего отданного сообщения в порядке (created_at, id).
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func CursorAfter(m domain.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt.UTC(), ID: m.ID}
}

func (c Cursor) Encode() string {
	data, _ := json.Marshal(c) // time.Time и string маршалятся всегда
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor: пустая строка — начало истории (nil, nil).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: incomplete position", ErrInvalidCursor)
	}
	return &c, nil
}

// queryArgs — параметры ($2, $3) для условия keyset-пагинации; nil без курсора.
func (c *Cursor) queryArgs() (createdAt, id any) {
	if c == nil {
		return nil, nil
	}
	return c.CreatedAt, c.ID
}
