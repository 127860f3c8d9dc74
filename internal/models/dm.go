package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation — личная переписка. ID приходит от user-сервиса.
type Conversation struct {
	ID           string `gorm:"primaryKey"`
	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ConversationParticipant struct {
	ConversationID string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
}

type DirectMessage struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	ConversationID string `gorm:"not null;index"`
	SenderID       string `gorm:"not null"`
	SenderUsername string `gorm:"not null"`
	Content        string `gorm:"not null"`
	CreatedAt      time.Time
	EditedAt       *time.Time
	Deleted        bool `gorm:"default:false"`

	// Связи
	ReadBy []ReadReceipt `gorm:"foreignKey:MessageID"`
}

func (m *DirectMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ReadReceipt — кто прочитал сообщение; пара уникальна
type ReadReceipt struct {
	MessageID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
}
