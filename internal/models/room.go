package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Схемы адресации комнат
const (
	SchemeFlat = "flat"
	SchemeGeo  = "geo"
	SchemeCell = "cell"
)

type Room struct {
	ID     string `gorm:"type:uuid;primaryKey"`
	Scheme string `gorm:"not null;uniqueIndex:idx_rooms_scheme_key;check:scheme IN ('flat','geo','cell')"`
	// Канонический ключ адресации: flat id, округленные координаты
	// ("lat_lon") или ключ ячейки сетки
	Key  string `gorm:"not null;uniqueIndex:idx_rooms_scheme_key"`
	Name string `gorm:"not null"`

	// Только для geo схемы
	CenterLat *float64
	CenterLon *float64
	Radius    *float64
	CreatedBy string

	ActiveUsers    int `gorm:"default:0"`
	MaxUsers       int `gorm:"default:1000"`
	RateLimit      int `gorm:"default:10"` // сообщений в минуту
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (r *Room) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RoomMember — персистентное членство. User ids могут приходить из
// внешнего auth сервиса, поэтому без FK на users.
type RoomMember struct {
	RoomID   string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey"`
	JoinedAt time.Time
}
