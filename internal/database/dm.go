package database

import (
	"time"

	"github.com/thereayou/tapin/internal/models"
	"gorm.io/gorm/clause"
)

func (d *Database) CreateDirectMessage(message *models.DirectMessage) error {
	if err := d.db.Create(message).Error; err != nil {
		return err
	}
	return d.db.Model(&models.Conversation{}).
		Where("id = ?", message.ConversationID).
		Update("updated_at", time.Now()).Error
}

// GetDirectMessages — как GetMessages, но для переписки
func (d *Database) GetDirectMessages(conversationID string, limit int, before *time.Time) ([]models.DirectMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := d.db.Where("conversation_id = ?", conversationID)
	if before != nil {
		query = query.Where("created_at < ?", *before)
	}

	var messages []models.DirectMessage
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Preload("ReadBy").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkMessagesRead отмечает все чужие сообщения переписки прочитанными.
// Одним запросом, повторные отметки игнорируются.
func (d *Database) MarkMessagesRead(conversationID, userID string) error {
	return d.db.Exec(
		`INSERT INTO read_receipts (message_id, user_id)
		 SELECT id, ? FROM direct_messages
		 WHERE conversation_id = ? AND sender_id <> ?
		 ON CONFLICT DO NOTHING`,
		userID, conversationID, userID,
	).Error
}

func (d *Database) GetConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := d.db.Preload("Participants").First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation регистрирует переписку, пришедшую от user-сервиса
func (d *Database) CreateConversation(id string, participantIDs []string) (*models.Conversation, error) {
	now := time.Now()
	conv := models.Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, userID := range participantIDs {
		conv.Participants = append(conv.Participants, models.ConversationParticipant{
			ConversationID: id,
			UserID:         userID,
		})
	}

	if err := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// IsParticipant — авторизация уровня "состоит ли в переписке"
func (d *Database) IsParticipant(conversationID, userID string) (bool, error) {
	var count int64
	err := d.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	return count > 0, err
}
