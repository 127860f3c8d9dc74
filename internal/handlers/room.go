package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/directory"
	"github.com/thereayou/tapin/internal/handlers/dto"
	"github.com/thereayou/tapin/internal/resolver"
)

type RoomHandler struct {
	db        *database.Database
	resolver  *resolver.Resolver
	directory *directory.Directory
}

func NewRoomHandler(db *database.Database, res *resolver.Resolver, dir *directory.Directory) *RoomHandler {
	return &RoomHandler{db: db, resolver: res, directory: dir}
}

// GetRoom получает (или создает) flat комнату по id
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.resolver.ResolveFlat(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve room"})
		return
	}

	response := dto.NewRoomResponse(room)
	c.JSON(http.StatusOK, gin.H{
		"room":         response,
		"online_count": h.directory.Count(room.ID),
	})
}

// JoinRoom — HTTP вариант входа: персистентное членство без сокета
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Username string `json:"username" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.resolver.ResolveFlat(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve room"})
		return
	}

	if err := h.db.AddUserToRoom(room.ID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"room_id":      room.ID,
		"active_users": room.ActiveUsers,
	})
}

// Config отдает клиенту параметры адресации этого деплоя: разрешение
// сетки нужно знать заранее, чтобы считать ключи ячеек
func (h *RoomHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cell_resolution":       h.resolver.CellResolution(),
		"default_search_radius": h.resolver.DefaultSearchRadius(),
	})
}

// FindNearbyRooms отдает geo комнаты вокруг точки, ближние первыми
func (h *RoomHandler) FindNearbyRooms(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lon, lonErr := strconv.ParseFloat(c.Query("lon"), 64)
	if latErr != nil || lonErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lon are required"})
		return
	}

	radius := h.resolver.DefaultSearchRadius()
	if r, err := strconv.ParseFloat(c.Query("radius"), 64); err == nil && r > 0 {
		radius = r
	}

	rooms, err := h.db.FindNearbyRooms(lat, lon, radius, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search rooms"})
		return
	}

	result := make([]dto.RoomResponse, len(rooms))
	for i := range rooms {
		result[i] = dto.NewRoomResponse(&rooms[i])
	}

	c.JSON(http.StatusOK, gin.H{"rooms": result})
}
