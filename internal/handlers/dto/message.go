package dto

import (
	"time"

	"github.com/thereayou/tapin/internal/models"
)

type ReactionInfo struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

type MessageResponse struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	EditedAt  *time.Time     `json:"edited_at,omitempty"`
	Deleted   bool           `json:"deleted"`
	Reactions []ReactionInfo `json:"reactions"`
}

func NewMessageResponse(m *models.Message) MessageResponse {
	reactions := make([]ReactionInfo, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, ReactionInfo{UserID: r.UserID, Emoji: r.Emoji})
	}
	return MessageResponse{
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

type DirectMessageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderUsername string     `json:"sender_username"`
	Content        string     `json:"content"`
	Timestamp      time.Time  `json:"timestamp"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Deleted        bool       `json:"deleted"`
	ReadBy         []string   `json:"read_by"`
}

func NewDirectMessageResponse(m *models.DirectMessage) DirectMessageResponse {
	readBy := make([]string, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, r.UserID)
	}
	return DirectMessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Timestamp:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		ReadBy:         readBy,
	}
}

type RoomResponse struct {
	ID             string    `json:"id"`
	Scheme         string    `json:"scheme"`
	Name           string    `json:"name"`
	CenterLat      *float64  `json:"center_lat,omitempty"`
	CenterLon      *float64  `json:"center_lon,omitempty"`
	Radius         *float64  `json:"radius,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	ActiveUsers    int       `json:"active_users"`
	MaxUsers       int       `json:"max_users"`
	RateLimit      int       `json:"rate_limit"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func NewRoomResponse(r *models.Room) RoomResponse {
	return RoomResponse{
		ID:             r.ID,
		Scheme:         r.Scheme,
		Name:           r.Name,
		CenterLat:      r.CenterLat,
		CenterLon:      r.CenterLon,
		Radius:         r.Radius,
		CreatedBy:      r.CreatedBy,
		ActiveUsers:    r.ActiveUsers,
		MaxUsers:       r.MaxUsers,
		RateLimit:      r.RateLimit,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}
