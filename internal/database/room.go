package database

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/thereayou/tapin/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const earthRadiusM = 6371000.0

// GeoKey — канонический ключ geo комнаты, координаты округляются до
// 4 знаков (~11м), чтобы конкурентные создатели в одной точке сходились
// на одной записи
func GeoKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f_%.4f", lat, lon)
}

// GetOrCreateRoom получает или создает flat комнату по точному id
func (d *Database) GetOrCreateRoom(flatID string) (*models.Room, error) {
	return d.getOrCreateByKey(models.SchemeFlat, flatID, flatID, nil, nil, nil)
}

// GetOrCreateCellRoom получает или создает комнату по ключу ячейки сетки
func (d *Database) GetOrCreateCellRoom(cellKey string) (*models.Room, error) {
	return d.getOrCreateByKey(models.SchemeCell, cellKey, "Cell "+cellKey, nil, nil, nil)
}

func (d *Database) getOrCreateByKey(scheme, key, name string, lat, lon, radius *float64) (*models.Room, error) {
	var room models.Room
	err := d.db.Where("scheme = ? AND key = ?", scheme, key).First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	room = models.Room{
		Scheme:         scheme,
		Key:            key,
		Name:           name,
		CenterLat:      lat,
		CenterLon:      lon,
		Radius:         radius,
		MaxUsers:       1000,
		RateLimit:      10,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	// Условная вставка: при гонке выигрывает одна запись
	res := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scheme"}, {Name: "key"}},
		DoNothing: true,
	}).Create(&room)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		// Проигравший гонку перечитывает комнату победителя. Свежий
		// struct: у room уже проставлен свой PK, и он попал бы в условия
		// запроса.
		var winner models.Room
		if err := d.db.Where("scheme = ? AND key = ?", scheme, key).First(&winner).Error; err != nil {
			return nil, err
		}
		return &winner, nil
	}

	return &room, nil
}

// CreateRoom создает geo комнату с центром в точке. Возвращает isNew=false,
// если конкурентный создатель успел раньше.
func (d *Database) CreateRoom(name string, lat, lon, radius float64, creator string) (*models.Room, bool, error) {
	key := GeoKey(lat, lon)

	var existing models.Room
	err := d.db.Where("scheme = ? AND key = ?", models.SchemeGeo, key).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := time.Now()
	room := models.Room{
		Scheme:         models.SchemeGeo,
		Key:            key,
		Name:           name,
		CenterLat:      &lat,
		CenterLon:      &lon,
		Radius:         &radius,
		CreatedBy:      creator,
		MaxUsers:       1000,
		RateLimit:      10,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	res := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scheme"}, {Name: "key"}},
		DoNothing: true,
	}).Create(&room)
	if res.Error != nil {
		return nil, false, res.Error
	}

	if res.RowsAffected == 0 {
		var winner models.Room
		if err := d.db.Where("scheme = ? AND key = ?", models.SchemeGeo, key).First(&winner).Error; err != nil {
			return nil, false, err
		}
		return &winner, false, nil
	}

	return &room, true, nil
}

// FindNearbyRooms ищет geo комнаты, чей центр лежит в пределах radius
// метров от точки, отсортированные по расстоянию. Грубый bounding box в
// SQL, точный haversine уже в памяти — работает на любом диалекте.
func (d *Database) FindNearbyRooms(lat, lon, radius float64, limit int) ([]models.Room, error) {
	latDelta := radius / 111320.0
	cosLat := math.Cos(lat * math.Pi / 180.0)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonDelta := radius / (111320.0 * cosLat)

	var candidates []models.Room
	err := d.db.
		Where("scheme = ?", models.SchemeGeo).
		Where("center_lat BETWEEN ? AND ?", lat-latDelta, lat+latDelta).
		Where("center_lon BETWEEN ? AND ?", lon-lonDelta, lon+lonDelta).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	type withDistance struct {
		room models.Room
		dist float64
	}

	matched := make([]withDistance, 0, len(candidates))
	for _, room := range candidates {
		if room.CenterLat == nil || room.CenterLon == nil {
			continue
		}
		dist := haversine(lat, lon, *room.CenterLat, *room.CenterLon)
		if dist <= radius {
			matched = append(matched, withDistance{room: room, dist: dist})
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].dist < matched[j].dist })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	rooms := make([]models.Room, len(matched))
	for i, m := range matched {
		rooms[i] = m.room
	}
	return rooms, nil
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

func (d *Database) GetRoom(id string) (*models.Room, error) {
	var room models.Room
	if err := d.db.First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// UpdateRoomActivity выставляет счетчик активных пользователей и
// обновляет last_activity_at
func (d *Database) UpdateRoomActivity(roomID string, activeUsers int) error {
	return d.db.Model(&models.Room{}).
		Where("id = ?", roomID).
		Updates(map[string]interface{}{
			"active_users":     activeUsers,
			"last_activity_at": time.Now(),
		}).Error
}

func (d *Database) AddUserToRoom(roomID, userID string) error {
	member := models.RoomMember{
		RoomID:   roomID,
		UserID:   userID,
		JoinedAt: time.Now(),
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
}

func (d *Database) RemoveUserFromRoom(roomID, userID string) error {
	return d.db.Delete(&models.RoomMember{}, "room_id = ? AND user_id = ?", roomID, userID).Error
}
