package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/dexterr404/watch-room/internal/domain"
)

type ChatRepo interface {
	Save(ctx context.Context, m domain.NewMessage) (*domain.Message, error)
	History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error)
}

// InsertPublisher рассылает сохранённое сообщение подписчикам комнаты.
type InsertPublisher interface {
	PublishInsert(ctx context.Context, m domain.Message) error
}

type ChatService struct {
	chatRepo  ChatRepo
	publisher InsertPublisher
	maxLen    int
}

func NewChatService(chatRepo ChatRepo, publisher InsertPublisher, maxLen int) *ChatService {
	if maxLen <= 0 {
		maxLen = 4000
	}
	return &ChatService{chatRepo: chatRepo, publisher: publisher, maxLen: maxLen}
}

// Save сначала сохраняет, потом рассылает message_insert (в том числе автору — эхо).
func (s *ChatService) Save(ctx context.Context, m domain.NewMessage) (*domain.Message, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return nil, domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(m.Content) > s.maxLen {
		return nil, domain.ErrMessageTooLong
	}

	msg, err := s.chatRepo.Save(ctx, m)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		// best-effort: сообщение уже сохранено и будет в истории
		if err := s.publisher.PublishInsert(ctx, *msg); err != nil {
			slog.Warn("chat publish insert failed", "room", msg.RoomID, "msg_id", msg.ID, "err", err)
		}
	}
	return msg, nil
}

func (s *ChatService) History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error) {
	return s.chatRepo.History(ctx, roomID, after, limit)
}
