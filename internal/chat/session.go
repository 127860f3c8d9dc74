package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/thereayou/tapin/internal/broker"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/directory"
	"github.com/thereayou/tapin/internal/models"
	"github.com/thereayou/tapin/internal/resolver"
	"github.com/thereayou/tapin/pkg/auth"
)

const (
	// Время ожидания записи
	writeWait = 10 * time.Second

	// Время ожидания pong от клиента
	pongWait = 60 * time.Second

	// Интервал отправки ping
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер кадра
	maxFrameSize = 64 * 1024

	// Емкость исходящей очереди; переполнение фатально для сессии
	sendQueueSize = 256

	// Размер страницы истории при входе в комнату
	historyLimit = 50
)

// SchemeDM — личная переписка, отдельная от комнатных схем адресации
const SchemeDM = "dm"

// State — состояние жизненного цикла сессии
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateIdle
	StateJoined
	StateClosed
)

// Session владеет жизненным циклом одного соединения: три задачи
// (чтение, запись, ретрансляция брокера) под общим контекстом, первая
// завершившаяся гасит остальные.
type Session struct {
	ID string

	conn      *websocket.Conn
	db        *database.Database
	resolver  *resolver.Resolver
	directory *directory.Directory
	fanout    *Fanout
	jwt       *auth.JWTManager

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// Закрывается при выходе writePump; cleanup ждет его, чтобы не
	// закрыть сокет раньше, чем уйдут поставленные в очередь кадры
	writeDone chan struct{}

	closeOnce sync.Once

	// Выставляются один раз при аутентификации
	userID   string
	username string

	mu           sync.Mutex
	state        State
	roomID       string
	channel      string
	scheme       string
	searchRadius float64
}

func NewSession(
	conn *websocket.Conn,
	db *database.Database,
	res *resolver.Resolver,
	dir *directory.Directory,
	b broker.Broker,
	jwtManager *auth.JWTManager,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		db:        db,
		resolver:  res,
		directory: dir,
		jwt:       jwtManager,
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
		state:     StateConnecting,
	}
	s.fanout = NewFanout(b, s.ID, s.deliver)
	return s
}

// Run ведет сессию до разрыва соединения. Блокирует; очистка выполняется
// ровно один раз независимо от того, какая задача завершилась первой.
func (s *Session) Run() {
	log.Printf("Session %s connected", s.ID)
	s.setState(StateAuthenticating)

	go s.writePump()
	go s.readPump()

	<-s.ctx.Done()
	s.cleanup()
}

// readPump читает кадры клиента и диспетчеризует их
func (s *Session) readPump() {
	defer s.cancel()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Session %s: read error: %v", s.ID, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if s.getState() == StateAuthenticating {
				s.sendError("invalid frame")
				return
			}
			log.Printf("Session %s: malformed frame dropped: %v", s.ID, err)
			continue
		}

		if err := s.handleFrame(&frame); err != nil {
			// Фатально: ошибка аутентификации или протокольная ошибка
			// до аутентификации
			return
		}
	}
}

// writePump отправляет кадры клиенту и пингует его
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cancel()
		close(s.writeDone)
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.drainAndClose()
			return

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainAndClose дописывает кадры, поставленные в очередь до закрытия
// (error-кадр при фатальном завершении должен дойти до клиента), и
// завершает рукопожатием close
func (s *Session) drainAndClose() {
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleFrame — единственная точка диспетчеризации кадров
func (s *Session) handleFrame(frame *Frame) error {
	switch s.getState() {
	case StateAuthenticating:
		switch frame.Type {
		case TypeJoin, TypeJoinLocal, TypeJoinCell, TypeJoinDM:
			return s.handleJoin(frame)
		default:
			s.sendError("authentication required")
			return ErrUnauthorized
		}

	case StateIdle, StateJoined:
		switch frame.Type {
		case TypeJoin, TypeJoinLocal, TypeJoinCell, TypeJoinDM:
			// Повторный join = переключение комнаты
			return s.handleJoin(frame)
		case TypeMessage:
			s.handleMessage(frame)
		case TypeTyping:
			s.handleTyping(frame)
		case TypeLocationUpdate:
			s.handleLocationUpdate(frame)
		case TypeReaction:
			s.handleReaction(frame)
		case TypeRead:
			s.handleRead(frame)
		default:
			log.Printf("Session %s: unknown frame type %q dropped", s.ID, frame.Type)
		}
		return nil
	}

	return nil
}

// authenticate проверяет токен и совпадение user id. Несовпадение
// фатально для сессии.
func (s *Session) authenticate(token, userID, username string) error {
	if err := s.jwt.VerifyUser(token, userID); err != nil {
		s.sendError("authentication failed")
		return ErrUnauthorized
	}

	s.userID = userID
	s.username = username
	if s.getState() == StateAuthenticating {
		s.setState(StateIdle)
	}
	return nil
}

func (s *Session) handleJoin(frame *Frame) error {
	authenticating := s.getState() == StateAuthenticating

	// Протокольная ошибка фатальна только во время аутентификации
	fail := func(err error) error {
		if authenticating {
			s.sendError("invalid frame")
			return ErrInvalidFrame
		}
		log.Printf("Session %s: malformed join payload dropped: %v", s.ID, err)
		return nil
	}

	switch frame.Type {
	case TypeJoin:
		var p JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fail(err)
		}
		if err := s.authenticate(p.Token, p.UserID, p.Username); err != nil {
			return err
		}

		room, err := s.resolver.ResolveFlat(p.RoomID)
		if err != nil {
			s.joinFailed(err)
			return nil
		}
		s.completeJoin(room, models.SchemeFlat, false)

	case TypeJoinLocal:
		var p JoinLocalPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fail(err)
		}
		if err := s.authenticate(p.Token, p.UserID, p.Username); err != nil {
			return err
		}

		radius := s.resolver.DefaultSearchRadius()
		if p.SearchRadius != nil && *p.SearchRadius > 0 {
			radius = *p.SearchRadius
		}
		s.setSearchRadius(radius)

		room, isNew, err := s.resolver.ResolveGeo(p.Latitude, p.Longitude, radius, s.userID)
		if err != nil {
			s.joinFailed(err)
			return nil
		}
		s.completeJoin(room, models.SchemeGeo, isNew)

	case TypeJoinCell:
		var p JoinCellPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fail(err)
		}
		if err := s.authenticate(p.Token, p.UserID, p.Username); err != nil {
			return err
		}

		room, err := s.resolver.ResolveCell(p.CellKey)
		if err != nil {
			s.joinFailed(err)
			return nil
		}
		s.completeJoin(room, models.SchemeCell, false)

	case TypeJoinDM:
		var p JoinDMPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fail(err)
		}
		if err := s.authenticate(p.Token, p.UserID, p.Username); err != nil {
			return err
		}

		if _, err := s.db.GetConversation(p.ConversationID); err != nil {
			s.sendError("conversation not found")
			return nil
		}
		ok, err := s.db.IsParticipant(p.ConversationID, s.userID)
		if err != nil {
			s.joinFailed(err)
			return nil
		}
		if !ok {
			s.sendError("access denied")
			return nil
		}
		s.completeDMJoin(p.ConversationID)
	}

	return nil
}

// joinFailed сообщает клиенту о неудаче; сессия остается в Idle, запись
// в реестре не создается
func (s *Session) joinFailed(err error) {
	log.Printf("Session %s: room resolution failed: %v", s.ID, err)
	s.sendError("failed to join room")
}

// completeJoin выполняет побочные эффекты входа в комнату по порядку:
// реестр, активность в хранилище, подписка, подтверждение с историей,
// событие user_joined для остальных. Переключение комнат атомарно для
// клиента: ровно одно подтверждение joined.
func (s *Session) completeJoin(room *models.Room, scheme string, isNew bool) {
	s.mu.Lock()
	oldRoomID, oldChannel, oldScheme := s.roomID, s.channel, s.scheme
	s.mu.Unlock()

	if oldRoomID != "" && oldRoomID != room.ID {
		s.leaveRoom(oldRoomID, oldChannel, oldScheme)
	}

	s.directory.Add(room.ID, directory.Member{
		SessionID: s.ID,
		UserID:    s.userID,
		Username:  s.username,
		Send:      s.send,
	})
	count := s.directory.Count(room.ID)

	if err := s.db.UpdateRoomActivity(room.ID, count); err != nil {
		log.Printf("Session %s: failed to update room activity: %v", s.ID, err)
	}
	if err := s.db.AddUserToRoom(room.ID, s.userID); err != nil {
		log.Printf("Session %s: failed to persist membership: %v", s.ID, err)
	}

	channel := "room:" + room.ID
	// Ошибка подписки не рвет сессию: деградация до локальной доставки
	_ = s.fanout.Subscribe(s.ctx, channel)

	s.mu.Lock()
	s.roomID = room.ID
	s.channel = channel
	s.scheme = scheme
	s.state = StateJoined
	s.mu.Unlock()

	s.sendFrame(TypeJoined, JoinedPayload{
		RoomID:    room.ID,
		RoomName:  room.Name,
		Scheme:    scheme,
		IsNewRoom: isNew,
		UserCount: count,
	})
	s.sendHistory(room.ID, scheme)
	s.publish(TypeUserJoined, UserEventPayload{Username: s.username, Timestamp: time.Now()})
}

func (s *Session) completeDMJoin(conversationID string) {
	s.mu.Lock()
	oldRoomID, oldChannel, oldScheme := s.roomID, s.channel, s.scheme
	s.mu.Unlock()

	if oldRoomID != "" && oldRoomID != conversationID {
		s.leaveRoom(oldRoomID, oldChannel, oldScheme)
	}

	s.directory.Add(conversationID, directory.Member{
		SessionID: s.ID,
		UserID:    s.userID,
		Username:  s.username,
		Send:      s.send,
	})
	count := s.directory.Count(conversationID)

	channel := "dm:" + conversationID
	_ = s.fanout.Subscribe(s.ctx, channel)

	s.mu.Lock()
	s.roomID = conversationID
	s.channel = channel
	s.scheme = SchemeDM
	s.state = StateJoined
	s.mu.Unlock()

	s.sendFrame(TypeJoined, JoinedPayload{
		RoomID:    conversationID,
		RoomName:  "Direct",
		Scheme:    SchemeDM,
		UserCount: count,
	})
	s.sendHistory(conversationID, SchemeDM)
	s.publish(TypeUserJoined, UserEventPayload{Username: s.username, Timestamp: time.Now()})
}

func (s *Session) sendHistory(roomID, scheme string) {
	var views []MessageView

	if scheme == SchemeDM {
		messages, err := s.db.GetDirectMessages(roomID, historyLimit, nil)
		if err != nil {
			log.Printf("Session %s: failed to load history: %v", s.ID, err)
			return
		}
		views = make([]MessageView, len(messages))
		for i := range messages {
			views[i] = NewDirectMessageView(&messages[i])
		}
	} else {
		messages, err := s.db.GetMessages(roomID, historyLimit, nil)
		if err != nil {
			log.Printf("Session %s: failed to load history: %v", s.ID, err)
			return
		}
		views = make([]MessageView, len(messages))
		for i := range messages {
			views[i] = NewMessageView(&messages[i])
		}
	}

	s.sendFrame(TypeMessageHistory, MessageHistoryPayload{Messages: views})
}

// handleMessage: сперва персистентность, потом рассылка — чужие не должны
// видеть сообщение, которого нет у отправителя
func (s *Session) handleMessage(frame *Frame) {
	roomID, scheme, joined := s.joinedRoom()
	if !joined {
		return
	}

	var p MessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.Content == "" {
		log.Printf("Session %s: malformed message payload dropped", s.ID)
		return
	}

	var view MessageView
	if scheme == SchemeDM {
		dm := &models.DirectMessage{
			ConversationID: roomID,
			SenderID:       s.userID,
			SenderUsername: s.username,
			Content:        p.Content,
			CreatedAt:      time.Now(),
		}
		if err := s.db.CreateDirectMessage(dm); err != nil {
			log.Printf("Session %s: failed to save direct message: %v", s.ID, err)
			s.sendError("failed to send message")
			return
		}
		view = NewDirectMessageView(dm)
	} else {
		msg := &models.Message{
			RoomID:    roomID,
			UserID:    s.userID,
			Username:  s.username,
			Content:   p.Content,
			CreatedAt: time.Now(),
		}
		if err := s.db.CreateMessage(msg); err != nil {
			log.Printf("Session %s: failed to save message: %v", s.ID, err)
			s.sendError("failed to send message")
			return
		}
		view = NewMessageView(msg)
	}

	s.publish(TypeNewMessage, view)
}

// handleTyping — только рассылка, без персистентности
func (s *Session) handleTyping(frame *Frame) {
	if _, _, joined := s.joinedRoom(); !joined {
		return
	}

	var p TypingPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		log.Printf("Session %s: malformed typing payload dropped", s.ID)
		return
	}

	s.publish(TypeUserTyping, UserTypingPayload{Username: s.username, IsTyping: p.IsTyping})
}

// handleLocationUpdate переключает geo сессию на комнату нового
// местоположения
func (s *Session) handleLocationUpdate(frame *Frame) {
	roomID, scheme, joined := s.joinedRoom()
	if !joined || scheme != models.SchemeGeo {
		return
	}

	var p LocationUpdatePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		log.Printf("Session %s: malformed location update dropped", s.ID)
		return
	}

	room, isNew, err := s.resolver.ResolveGeo(p.Latitude, p.Longitude, s.getSearchRadius(), s.userID)
	if err != nil {
		s.joinFailed(err)
		return
	}
	if room.ID == roomID {
		return
	}

	s.completeJoin(room, models.SchemeGeo, isNew)
}

// handleReaction — append-only запись, рассылается как message_update
func (s *Session) handleReaction(frame *Frame) {
	_, scheme, joined := s.joinedRoom()
	if !joined || scheme == SchemeDM {
		return
	}

	var p ReactionPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.MessageID == "" || p.Emoji == "" {
		log.Printf("Session %s: malformed reaction payload dropped", s.ID)
		return
	}

	if err := s.db.AddReaction(p.MessageID, s.userID, p.Emoji); err != nil {
		log.Printf("Session %s: failed to add reaction: %v", s.ID, err)
		s.sendError("failed to add reaction")
		return
	}

	reactions, err := s.db.GetReactions(p.MessageID)
	if err != nil {
		log.Printf("Session %s: failed to load reactions: %v", s.ID, err)
		return
	}

	views := make([]ReactionView, len(reactions))
	for i, r := range reactions {
		views[i] = ReactionView{UserID: r.UserID, Emoji: r.Emoji}
	}
	s.publish(TypeMessageUpdate, MessageUpdatePayload{MessageID: p.MessageID, Reactions: views})
}

// handleRead — только персистентность, без рассылки
func (s *Session) handleRead(frame *Frame) {
	roomID, scheme, joined := s.joinedRoom()
	if !joined || scheme != SchemeDM {
		return
	}

	var p ReadPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.ConversationID != roomID {
		log.Printf("Session %s: malformed read payload dropped", s.ID)
		return
	}

	if err := s.db.MarkMessagesRead(roomID, s.userID); err != nil {
		log.Printf("Session %s: failed to mark messages read: %v", s.ID, err)
	}
}

// publish рассылает кадр в текущий канал; при недоступном брокере
// деградирует до доставки сессиям этого инстанса
func (s *Session) publish(frameType FrameType, data interface{}) {
	s.mu.Lock()
	channel, roomID := s.channel, s.roomID
	s.mu.Unlock()
	if channel == "" {
		return
	}
	s.publishTo(s.ctx, channel, roomID, frameType, data)
}

func (s *Session) publishTo(ctx context.Context, channel, roomID string, frameType FrameType, data interface{}) {
	frame, err := EncodeFrame(frameType, data)
	if err != nil {
		log.Printf("Session %s: failed to encode %s frame: %v", s.ID, frameType, err)
		return
	}

	if err := s.fanout.Publish(ctx, channel, frame); err != nil {
		s.broadcastLocal(roomID, frame)
	}
}

// broadcastLocal доставляет кадр сессиям этого инстанса в той же комнате,
// кроме собственной
func (s *Session) broadcastLocal(roomID string, frame []byte) {
	for _, m := range s.directory.List(roomID) {
		if m.SessionID == s.ID {
			continue
		}
		select {
		case m.Send <- frame:
		default:
			log.Printf("Session %s: send queue full, local frame dropped", m.SessionID)
		}
	}
}

// leaveRoom выполняет побочные эффекты выхода: реестр, активность,
// событие user_left для остальных
func (s *Session) leaveRoom(roomID, channel, scheme string) {
	s.directory.Remove(roomID, s.ID)
	count := s.directory.Count(roomID)

	if scheme != SchemeDM {
		if err := s.db.UpdateRoomActivity(roomID, count); err != nil {
			log.Printf("Session %s: failed to update room activity: %v", s.ID, err)
		}
		if err := s.db.RemoveUserFromRoom(roomID, s.userID); err != nil {
			log.Printf("Session %s: failed to remove membership: %v", s.ID, err)
		}
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	s.publishTo(ctx, channel, roomID, TypeUserLeft, UserEventPayload{Username: s.username, Timestamp: time.Now()})
}

// cleanup выполняется ровно один раз на сессию, какая бы задача ни
// завершилась первой
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		roomID, channel, scheme := s.roomID, s.channel, s.scheme
		s.roomID, s.channel = "", ""
		s.state = StateClosed
		s.mu.Unlock()

		if roomID != "" {
			s.leaveRoom(roomID, channel, scheme)
		}

		s.fanout.Unsubscribe()

		// Сокет закрывается только после выхода writePump: он еще
		// дописывает очередь. Его собственные дедлайны ограничивают
		// ожидание.
		<-s.writeDone
		s.conn.Close()

		log.Printf("Session %s disconnected", s.ID)
	})
}

// deliver кладет кадр в исходящую очередь. Переполнение означает мертвый
// или безнадежно медленный сокет — сессия закрывается, издатели не
// блокируются.
func (s *Session) deliver(frame []byte) {
	select {
	case s.send <- frame:
	default:
		log.Printf("Session %s: send queue overflow, closing", s.ID)
		s.cancel()
	}
}

func (s *Session) sendFrame(frameType FrameType, data interface{}) {
	frame, err := EncodeFrame(frameType, data)
	if err != nil {
		log.Printf("Session %s: failed to encode %s frame: %v", s.ID, frameType, err)
		return
	}
	s.deliver(frame)
}

func (s *Session) sendError(message string) {
	s.sendFrame(TypeError, ErrorPayload{Message: message})
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) joinedRoom() (roomID, scheme string, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.scheme, s.state == StateJoined
}

func (s *Session) getSearchRadius() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchRadius <= 0 {
		return s.resolver.DefaultSearchRadius()
	}
	return s.searchRadius
}

func (s *Session) setSearchRadius(radius float64) {
	s.mu.Lock()
	s.searchRadius = radius
	s.mu.Unlock()
}
