package http

import "github.com/dexterr404/watch-room/internal/domain"

type ErrorResponse struct {
	Error string `json:"error"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type MessagesResponse struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}
