package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Message struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	RoomID    string `gorm:"not null;index"`
	UserID    string `gorm:"not null"`
	Username  string `gorm:"not null"`
	Content   string `gorm:"not null"`
	CreatedAt time.Time
	EditedAt  *time.Time
	Deleted   bool `gorm:"default:false"`

	// Связи
	Reactions []Reaction `gorm:"foreignKey:MessageID"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Reaction — append-only список, реакции не редактируются
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID string `gorm:"not null;index"`
	UserID    string `gorm:"not null"`
	Emoji     string `gorm:"not null"`
	CreatedAt time.Time
}
