package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereayou/tapin/internal/broker"
	"github.com/thereayou/tapin/internal/chat"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/directory"
	"github.com/thereayou/tapin/internal/resolver"
	"github.com/thereayou/tapin/pkg/auth"
)

// WebSocketHandler апгрейдит соединение и запускает сессию.
// Аутентификация происходит внутри сокета первым join-кадром.
type WebSocketHandler struct {
	db        *database.Database
	resolver  *resolver.Resolver
	directory *directory.Directory
	broker    broker.Broker
	jwt       *auth.JWTManager
	upgrader  websocket.Upgrader
}

func NewWebSocketHandler(
	db *database.Database,
	res *resolver.Resolver,
	dir *directory.Directory,
	b broker.Broker,
	jwtManager *auth.JWTManager,
) *WebSocketHandler {
	return &WebSocketHandler{
		db:        db,
		resolver:  res,
		directory: dir,
		broker:    b,
		jwt:       jwtManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Проверить origin в prod
				return true
			},
		},
	}
}

// HandleWebSocket обрабатывает WebSocket соединения
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	session := chat.NewSession(conn, h.db, h.resolver, h.directory, h.broker, h.jwt)
	go session.Run()
}
