package chat

import (
	"encoding/json"
	"time"

	"github.com/thereayou/tapin/internal/models"
)

// FrameType определяет типы кадров протокола
type FrameType string

const (
	// Клиент -> сервер
	TypeJoin           FrameType = "join"
	TypeJoinLocal      FrameType = "join_local"
	TypeJoinCell       FrameType = "join_cell"
	TypeJoinDM         FrameType = "join_dm"
	TypeMessage        FrameType = "message"
	TypeTyping         FrameType = "typing"
	TypeLocationUpdate FrameType = "location_update"
	TypeReaction       FrameType = "reaction"
	TypeRead           FrameType = "read"

	// Сервер -> клиент
	TypeJoined         FrameType = "joined"
	TypeMessageHistory FrameType = "message_history"
	TypeNewMessage     FrameType = "new_message"
	TypeMessageUpdate  FrameType = "message_update"
	TypeUserJoined     FrameType = "user_joined"
	TypeUserLeft       FrameType = "user_left"
	TypeUserTyping     FrameType = "user_typing"
	TypeError          FrameType = "error"
)

// Frame — tagged union: дискриминатор плюс полезная нагрузка
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type JoinLocalPayload struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	Token        string   `json:"token"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	SearchRadius *float64 `json:"search_radius,omitempty"`
}

type JoinCellPayload struct {
	CellKey  string `json:"cell_key"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type JoinDMPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	Token          string `json:"token"`
}

type MessagePayload struct {
	Content string `json:"content"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type LocationUpdatePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

type JoinedPayload struct {
	RoomID    string `json:"room_id"`
	RoomName  string `json:"room_name"`
	Scheme    string `json:"scheme"`
	IsNewRoom bool   `json:"is_new_room"`
	UserCount int    `json:"user_count"`
}

type MessageHistoryPayload struct {
	Messages []MessageView `json:"messages"`
}

type MessageUpdatePayload struct {
	MessageID string         `json:"message_id"`
	Reactions []ReactionView `json:"reactions"`
}

type UserEventPayload struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// MessageView — представление сообщения для клиента
type MessageView struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	EditedAt  *time.Time     `json:"edited_at,omitempty"`
	Deleted   bool           `json:"deleted"`
	Reactions []ReactionView `json:"reactions"`
}

type ReactionView struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

func NewMessageView(m *models.Message) MessageView {
	reactions := make([]ReactionView, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, ReactionView{UserID: r.UserID, Emoji: r.Emoji})
	}
	return MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  m.Username,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		EditedAt:  m.EditedAt,
		Deleted:   m.Deleted,
		Reactions: reactions,
	}
}

// NewDirectMessageView кладет conversation id в room_id, клиент различает
// их по схеме
func NewDirectMessageView(m *models.DirectMessage) MessageView {
	return MessageView{
		ID:        m.ID,
		RoomID:    m.ConversationID,
		UserID:    m.SenderID,
		Username:  m.SenderUsername,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		EditedAt:  m.EditedAt,
		Deleted:   m.Deleted,
		Reactions: []ReactionView{},
	}
}

// EncodeFrame собирает кадр с полезной нагрузкой
func EncodeFrame(frameType FrameType, data interface{}) ([]byte, error) {
	frame := Frame{Type: frameType}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}

	return json.Marshal(frame)
}
