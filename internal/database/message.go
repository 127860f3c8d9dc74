package database

import (
	"time"

	"github.com/thereayou/tapin/internal/models"
)

const maxHistoryLimit = 100

func (d *Database) CreateMessage(message *models.Message) error {
	return d.db.Create(message).Error
}

func (d *Database) GetMessage(id string) (*models.Message, error) {
	var message models.Message
	if err := d.db.Preload("Reactions").First(&message, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

// GetMessages возвращает историю комнаты в хронологическом порядке.
// Выбираем limit новейших, затем разворачиваем, чтобы старые были первыми.
func (d *Database) GetMessages(roomID string, limit int, before *time.Time) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := d.db.Where("room_id = ?", roomID)
	if before != nil {
		query = query.Where("created_at < ?", *before)
	}

	var messages []models.Message
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Preload("Reactions").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// EditMessage меняет текст и проставляет edited_at
func (d *Database) EditMessage(id, content string) error {
	now := time.Now()
	return d.db.Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":   content,
			"edited_at": now,
		}).Error
}

// DeleteMessage — мягкое удаление, запись остается
func (d *Database) DeleteMessage(id string) error {
	return d.db.Model(&models.Message{}).
		Where("id = ?", id).
		Update("deleted", true).Error
}

// AddReaction дописывает реакцию; существующие не трогаются
func (d *Database) AddReaction(messageID, userID, emoji string) error {
	var message models.Message
	if err := d.db.Select("id").First(&message, "id = ?", messageID).Error; err != nil {
		return err
	}

	reaction := models.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now(),
	}
	return d.db.Create(&reaction).Error
}

func (d *Database) GetReactions(messageID string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	err := d.db.
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&reactions).Error
	return reactions, err
}
