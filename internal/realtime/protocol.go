package realtime

import (
	"encoding/json"
	"time"

	"github.com/dexterr404/watch-room/internal/domain"
)

// Типы кадров канала комнаты.
const (
	FrameSubscribed    = "subscribed"     // handshake завершён (server -> client)
	FramePresenceState = "presence_state" // полный снапшот присутствия
	FramePresenceJoin  = "presence_join"  // подключение (инкремент)
	FramePresenceLeave = "presence_leave" // отключение (инкремент)
	FrameMessageInsert = "message_insert" // новое сохранённое сообщение
	FrameTrack         = "track"          // анонс присутствия (client -> server)
	FrameError         = "error"
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewFrame(typ string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: b}, nil
}

func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}

// PresenceMeta — то, что соединение анонсирует через track.
// Ref уникален для соединения: у одного пользователя может быть несколько вкладок.
type PresenceMeta struct {
	Ref       string    `json:"ref,omitempty"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	OnlineAt  time.Time `json:"online_at"`
}

func (m PresenceMeta) Participant() domain.Participant {
	return domain.Participant{
		UserID:      m.UserID,
		DisplayName: m.Username,
		AvatarRef:   m.AvatarURL,
		ConnectedAt: m.OnlineAt,
	}
}

// PresenceState: presence key -> metas всех соединений с этим ключом.
type PresenceState map[string][]PresenceMeta

type PresenceDiff struct {
	Key   string         `json:"key"`
	Metas []PresenceMeta `json:"metas"`
}

type SubscribedPayload struct {
	RoomID string `json:"room_id"`
	Ref    string `json:"ref"`
}

type PresenceStatePayload struct {
	RoomID    string        `json:"room_id"`
	Presences PresenceState `json:"presences"`
}

type MessageInsertPayload struct {
	Record domain.Message `json:"record"`
}

type TrackPayload struct {
	Meta PresenceMeta `json:"meta"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
