// Package resolver переводит запрос адресации (flat id, точка с радиусом
// или ячейка сетки) в каноническую комнату, создавая её идемпотентно.
package resolver

import (
	"errors"
	"fmt"

	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/models"
)

// ErrResolutionFailed — ошибки хранилища при поиске/создании комнаты
var ErrResolutionFailed = errors.New("room resolution failed")

const nearbyLimit = 10

type Config struct {
	// Радиус поиска по умолчанию, метры
	DefaultSearchRadius float64
	// Разрешение сетки фиксируется на уровне деплоя, из ключа ячейки
	// не выводится
	CellResolution int
}

type Resolver struct {
	db  *database.Database
	cfg Config
}

func New(db *database.Database, cfg Config) *Resolver {
	if cfg.DefaultSearchRadius <= 0 {
		cfg.DefaultSearchRadius = 5000
	}
	return &Resolver{db: db, cfg: cfg}
}

// ResolveFlat — get-or-create по точному id
func (r *Resolver) ResolveFlat(id string) (*models.Room, error) {
	room, err := r.db.GetOrCreateRoom(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return room, nil
}

// ResolveGeo ищет существующие комнаты в радиусе поиска от точки; из
// найденных побеждает ближайшая. Если таких нет — создает новую с центром
// в точке от имени creator. Разрешение детерминировано при любом порядке
// конкурентных вызовов.
func (r *Resolver) ResolveGeo(lat, lon, radius float64, creator string) (*models.Room, bool, error) {
	if radius <= 0 {
		radius = r.cfg.DefaultSearchRadius
	}

	rooms, err := r.db.FindNearbyRooms(lat, lon, radius, nearbyLimit)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	if len(rooms) > 0 {
		return &rooms[0], false, nil
	}

	room, isNew, err := r.db.CreateRoom(RoomName(lat, lon), lat, lon, radius, creator)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return room, isNew, nil
}

// ResolveCell — get-or-create по ключу ячейки
func (r *Resolver) ResolveCell(cellKey string) (*models.Room, error) {
	room, err := r.db.GetOrCreateCellRoom(cellKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return room, nil
}

// CellResolution возвращает разрешение сетки этого деплоя
func (r *Resolver) CellResolution() int {
	return r.cfg.CellResolution
}

// DefaultSearchRadius возвращает радиус поиска по умолчанию
func (r *Resolver) DefaultSearchRadius() float64 {
	return r.cfg.DefaultSearchRadius
}

// RoomName — отображаемое имя geo комнаты из округленных координат
func RoomName(lat, lon float64) string {
	return fmt.Sprintf("Local Chat @ %.4f, %.4f", lat, lon)
}
