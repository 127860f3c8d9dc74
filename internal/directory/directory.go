// Package directory держит локальный для процесса реестр активных сессий
// по комнатам. Истинное членство сессии знает только инстанс, держащий её
// сокет, поэтому реестр не переживает рестарт и не нуждается в I/O.
package directory

import "sync"

// Member — сводка об участнике комнаты на этом инстансе. Send — исходящая
// очередь его сессии, используется для локальной доставки.
type Member struct {
	SessionID string
	UserID    string
	Username  string
	Send      chan []byte
}

type Directory struct {
	mu sync.RWMutex
	// room id -> session id -> участник
	rooms map[string]map[string]Member
	// session id -> room id, обратный индекс для быстрого выхода
	sessionRoom map[string]string
}

func New() *Directory {
	return &Directory{
		rooms:       make(map[string]map[string]Member),
		sessionRoom: make(map[string]string),
	}
}

// Add вставляет участника в комнату, заменяя прежнюю запись той же сессии.
// Сессия состоит максимум в одной комнате: запись в старой комнате
// снимается здесь же.
func (d *Directory) Add(roomID string, m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if oldRoomID, ok := d.sessionRoom[m.SessionID]; ok && oldRoomID != roomID {
		d.removeLocked(oldRoomID, m.SessionID)
	}

	room, ok := d.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		d.rooms[roomID] = room
	}
	room[m.SessionID] = m
	d.sessionRoom[m.SessionID] = roomID
}

// Remove удаляет сессию из комнаты и возвращает удаленную запись
func (d *Directory) Remove(roomID, sessionID string) (Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(roomID, sessionID)
}

// RemoveSession удаляет сессию, где бы она ни состояла
func (d *Directory) RemoveSession(sessionID string) (string, Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	roomID, ok := d.sessionRoom[sessionID]
	if !ok {
		return "", Member{}, false
	}
	m, ok := d.removeLocked(roomID, sessionID)
	return roomID, m, ok
}

func (d *Directory) removeLocked(roomID, sessionID string) (Member, bool) {
	room, ok := d.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	m, ok := room[sessionID]
	if !ok {
		return Member{}, false
	}

	delete(room, sessionID)
	if len(room) == 0 {
		delete(d.rooms, roomID)
	}
	delete(d.sessionRoom, sessionID)
	return m, true
}

func (d *Directory) Count(roomID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms[roomID])
}

// List возвращает снимок текущих участников комнаты
func (d *Directory) List(roomID string) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room := d.rooms[roomID]
	members := make([]Member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	return members
}

// RoomOf возвращает комнату, в которой состоит сессия
func (d *Directory) RoomOf(sessionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.sessionRoom[sessionID]
	return roomID, ok
}
