package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/handlers/dto"
	"github.com/thereayou/tapin/internal/middleware"
	"github.com/thereayou/tapin/internal/models"
)

// HTTPMessageHandler — тонкие REST обертки над хранилищем, альтернатива
// WebSocket для истории и отправки
type HTTPMessageHandler struct {
	db *database.Database
}

func NewHTTPMessageHandler(db *database.Database) *HTTPMessageHandler {
	return &HTTPMessageHandler{db: db}
}

func parsePaging(c *gin.Context) (int, *time.Time) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var before *time.Time
	if b := c.Query("before"); b != "" {
		if t, err := time.Parse(time.RFC3339, b); err == nil {
			before = &t
		}
	}

	return limit, before
}

// GetRoomMessages получает историю сообщений комнаты
func (h *HTTPMessageHandler) GetRoomMessages(c *gin.Context) {
	roomID := c.Param("room")
	limit, before := parsePaging(c)

	messages, err := h.db.GetMessages(roomID, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get messages"})
		return
	}

	result := make([]dto.MessageResponse, len(messages))
	for i := range messages {
		result[i] = dto.NewMessageResponse(&messages[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": result,
		"has_more": len(messages) == limit,
	})
}

// SendMessage отправляет сообщение через HTTP (альтернатива WebSocket).
// Рассылки по комнатам отсюда нет — клиенты подберут его по истории.
func (h *HTTPMessageHandler) SendMessage(c *gin.Context) {
	userID := c.MustGet(middleware.UserIDKey).(string)

	var req struct {
		RoomID   string `json:"room_id" binding:"required"`
		Username string `json:"username" binding:"required"`
		Content  string `json:"content" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message := &models.Message{
		RoomID:    req.RoomID,
		UserID:    userID,
		Username:  req.Username,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}

	if err := h.db.CreateMessage(message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save message"})
		return
	}

	c.JSON(http.StatusCreated, dto.NewMessageResponse(message))
}

// GetDMMessages получает историю переписки; доступ только участникам
func (h *HTTPMessageHandler) GetDMMessages(c *gin.Context) {
	userID := c.MustGet(middleware.UserIDKey).(string)
	conversationID := c.Param("conversation")

	ok, err := h.db.IsParticipant(conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	limit, before := parsePaging(c)

	messages, err := h.db.GetDirectMessages(conversationID, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get messages"})
		return
	}

	result := make([]dto.DirectMessageResponse, len(messages))
	for i := range messages {
		result[i] = dto.NewDirectMessageResponse(&messages[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": result,
		"has_more": len(messages) == limit,
	})
}
