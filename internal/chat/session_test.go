package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thereayou/tapin/internal/broker"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/directory"
	"github.com/thereayou/tapin/internal/models"
	"github.com/thereayou/tapin/internal/resolver"
	"github.com/thereayou/tapin/pkg/auth"
)

// testEnv поднимает один инстанс: общая база, общий брокер, websocket
// endpoint поверх httptest
type testEnv struct {
	db        *database.Database
	directory *directory.Directory
	resolver  *resolver.Resolver
	jwt       *auth.JWTManager
	broker    broker.Broker
	server    *httptest.Server
}

func newTestEnv(t *testing.T, b broker.Broker) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	env := &testEnv{
		db:        database.NewDatabase(db),
		directory: directory.New(),
		jwt:       auth.NewJWTManager("test-secret", time.Hour),
		broker:    b,
	}
	env.resolver = resolver.New(env.db, resolver.Config{DefaultSearchRadius: 5000, CellResolution: 8})
	env.startServer(t)

	return env
}

func (env *testEnv) startServer(t *testing.T) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewSession(conn, env.db, env.resolver, env.directory, env.broker, env.jwt)
		go session.Run()
	}))
	t.Cleanup(env.server.Close)
}

// secondInstance поднимает еще один сервер над теми же базой и брокером:
// собственный реестр, как у отдельного процесса за балансировщиком
func (env *testEnv) secondInstance(t *testing.T) *testEnv {
	t.Helper()

	other := &testEnv{
		db:        env.db,
		directory: directory.New(),
		resolver:  env.resolver,
		jwt:       env.jwt,
		broker:    env.broker,
	}
	other.startServer(t)
	return other
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := env.jwt.Generate(userID)
	require.NoError(t, err)
	return token
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (env *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frameType FrameType, payload interface{}) {
	c.t.Helper()
	frame, err := EncodeFrame(frameType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *testClient) next(timeout time.Duration) (*Frame, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// expect читает кадры, пропуская прочие типы, до первого кадра нужного типа
func (c *testClient) expect(frameType FrameType) *Frame {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.next(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s frame", frameType)
		if frame.Type == frameType {
			return frame
		}
	}
	c.t.Fatalf("timed out waiting for %s frame", frameType)
	return nil
}

// expectNone проверяет, что кадр типа не приходит. Ошибка дедлайна рвет
// соединение gorilla, поэтому это всегда последнее чтение клиента.
func (c *testClient) expectNone(frameType FrameType, wait time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		frame, err := c.next(time.Until(deadline))
		if err != nil {
			return
		}
		if frame.Type == frameType {
			c.t.Fatalf("unexpected %s frame", frameType)
		}
	}
}

func (c *testClient) joinFlat(env *testEnv, roomID, userID, username string) JoinedPayload {
	c.t.Helper()
	c.send(TypeJoin, JoinPayload{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		Token:    env.token(c.t, userID),
	})
	var joined JoinedPayload
	require.NoError(c.t, json.Unmarshal(c.expect(TypeJoined).Data, &joined))
	return joined
}

func decodeMessage(t *testing.T, frame *Frame) MessageView {
	t.Helper()
	var view MessageView
	require.NoError(t, json.Unmarshal(frame.Data, &view))
	return view
}

func TestFlatRoomConversation(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	clientA := env.dial(t)
	joinedA := clientA.joinFlat(env, "lobby", "user-a", "alice")
	assert.Equal(t, models.SchemeFlat, joinedA.Scheme)
	assert.Equal(t, 1, joinedA.UserCount)

	var history MessageHistoryPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeMessageHistory).Data, &history))
	assert.Empty(t, history.Messages)

	clientA.send(TypeMessage, MessagePayload{Content: "hi"})

	// Дожидаемся персистентности перед входом второго участника
	require.Eventually(t, func() bool {
		messages, err := env.db.GetMessages(joinedA.RoomID, 50, nil)
		return err == nil && len(messages) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Второй участник видит историю и счетчик
	clientB := env.dial(t)
	joinedB := clientB.joinFlat(env, "lobby", "user-b", "bob")
	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)
	assert.Equal(t, 2, joinedB.UserCount)

	require.NoError(t, json.Unmarshal(clientB.expect(TypeMessageHistory).Data, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hi", history.Messages[0].Content)

	// A видит вход B
	var userEvent UserEventPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeUserJoined).Data, &userEvent))
	assert.Equal(t, "bob", userEvent.Username)

	clientA.send(TypeMessage, MessagePayload{Content: "hello"})

	view := decodeMessage(t, clientB.expect(TypeNewMessage))
	assert.Equal(t, "hello", view.Content)
	assert.Equal(t, "alice", view.Username)
	assert.Equal(t, joinedA.RoomID, view.RoomID)

	// Отправитель не получает собственного эха
	clientA.expectNone(TypeNewMessage, 200*time.Millisecond)
}

func TestTypingBroadcast(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	clientA := env.dial(t)
	clientA.joinFlat(env, "lobby", "user-a", "alice")
	clientB := env.dial(t)
	clientB.joinFlat(env, "lobby", "user-b", "bob")

	clientB.send(TypeTyping, TypingPayload{IsTyping: true})

	var typing UserTypingPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeUserTyping).Data, &typing))
	assert.Equal(t, "bob", typing.Username)
	assert.True(t, typing.IsTyping)
}

func TestAuthFailureClosesSession(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	client := env.dial(t)
	client.send(TypeJoin, JoinPayload{
		RoomID:   "lobby",
		UserID:   "user-a",
		Username: "alice",
		Token:    "garbage",
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(client.expect(TypeError).Data, &errPayload))
	assert.Equal(t, "authentication failed", errPayload.Message)

	// Сессия закрывается
	_, err := client.next(2 * time.Second)
	assert.Error(t, err)
}

// Фатальное закрытие гонится с записью error-кадра: сокет нельзя
// закрывать, пока writePump не допишет очередь. Многократный прогон
// ловит потерю кадра.
func TestFatalErrorFrameDeliveredBeforeClose(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	for i := 0; i < 30; i++ {
		client := env.dial(t)
		client.send(TypeJoin, JoinPayload{
			RoomID:   "lobby",
			UserID:   "user-a",
			Username: "alice",
			Token:    "garbage",
		})

		frame, err := client.next(2 * time.Second)
		require.NoError(t, err, "iteration %d: error frame lost", i)
		require.Equal(t, TypeError, frame.Type, "iteration %d", i)

		_, err = client.next(2 * time.Second)
		require.Error(t, err, "iteration %d: session not closed", i)
		client.conn.Close()
	}
}

func TestTokenSubjectMismatchFatal(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	client := env.dial(t)
	client.send(TypeJoin, JoinPayload{
		RoomID:   "lobby",
		UserID:   "user-a",
		Username: "alice",
		Token:    env.token(t, "user-b"),
	})

	client.expect(TypeError)
	_, err := client.next(2 * time.Second)
	assert.Error(t, err)
}

func TestNonJoinFrameBeforeAuthFatal(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	client := env.dial(t)
	client.send(TypeMessage, MessagePayload{Content: "hi"})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(client.expect(TypeError).Data, &errPayload))
	assert.Equal(t, "authentication required", errPayload.Message)

	_, err := client.next(2 * time.Second)
	assert.Error(t, err)
}

func TestUserLeftOnDisconnect(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	clientA := env.dial(t)
	clientA.joinFlat(env, "lobby", "user-a", "alice")
	clientB := env.dial(t)
	clientB.joinFlat(env, "lobby", "user-b", "bob")
	clientA.expect(TypeUserJoined)

	clientB.conn.Close()

	var userEvent UserEventPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeUserLeft).Data, &userEvent))
	assert.Equal(t, "bob", userEvent.Username)
}

func TestGeoJoinAndLocationUpdate(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	joinLocal := func(c *testClient, userID, username string, lat, lon float64) JoinedPayload {
		c.send(TypeJoinLocal, JoinLocalPayload{
			UserID:    userID,
			Username:  username,
			Token:     env.token(t, userID),
			Latitude:  lat,
			Longitude: lon,
		})
		var joined JoinedPayload
		require.NoError(t, json.Unmarshal(c.expect(TypeJoined).Data, &joined))
		return joined
	}

	clientA := env.dial(t)
	joinedA := joinLocal(clientA, "user-a", "alice", 40.7306, -73.9352)
	assert.Equal(t, models.SchemeGeo, joinedA.Scheme)
	assert.True(t, joinedA.IsNewRoom)
	assert.Equal(t, "Local Chat @ 40.7306, -73.9352", joinedA.RoomName)

	// Сосед попадает в ту же комнату
	clientB := env.dial(t)
	joinedB := joinLocal(clientB, "user-b", "bob", 40.7308, -73.9350)
	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)
	assert.False(t, joinedB.IsNewRoom)

	clientA.expect(TypeUserJoined)

	// A уезжает: ровно одно новое подтверждение joined, другая комната
	clientA.send(TypeLocationUpdate, LocationUpdatePayload{Latitude: 40.7128, Longitude: -74.0060})

	var joinedFar JoinedPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeJoined).Data, &joinedFar))
	assert.NotEqual(t, joinedA.RoomID, joinedFar.RoomID)
	assert.True(t, joinedFar.IsNewRoom)

	// B видит уход A
	var userEvent UserEventPayload
	require.NoError(t, json.Unmarshal(clientB.expect(TypeUserLeft).Data, &userEvent))
	assert.Equal(t, "alice", userEvent.Username)

	// Комнаты больше не пересекаются
	clientB.send(TypeMessage, MessagePayload{Content: "still here"})
	clientA.send(TypeMessage, MessagePayload{Content: "moved away"})

	clientA.expectNone(TypeNewMessage, 200*time.Millisecond)
	clientB.expectNone(TypeNewMessage, 200*time.Millisecond)
}

func TestLocationUpdateSamePointIsNoop(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	clientA := env.dial(t)
	clientA.send(TypeJoinLocal, JoinLocalPayload{
		UserID:    "user-a",
		Username:  "alice",
		Token:     env.token(t, "user-a"),
		Latitude:  40.7306,
		Longitude: -73.9352,
	})
	clientA.expect(TypeJoined)
	clientA.expect(TypeMessageHistory)

	// Та же точка: без повторного joined
	clientA.send(TypeLocationUpdate, LocationUpdatePayload{Latitude: 40.7306, Longitude: -73.9352})
	clientA.expectNone(TypeJoined, 200*time.Millisecond)
}

func TestCellJoin(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	join := func(c *testClient, userID, username string) JoinedPayload {
		c.send(TypeJoinCell, JoinCellPayload{
			CellKey:  "8828308281fffff",
			UserID:   userID,
			Username: username,
			Token:    env.token(t, userID),
		})
		var joined JoinedPayload
		require.NoError(t, json.Unmarshal(c.expect(TypeJoined).Data, &joined))
		return joined
	}

	clientA := env.dial(t)
	joinedA := join(clientA, "user-a", "alice")
	assert.Equal(t, models.SchemeCell, joinedA.Scheme)

	clientB := env.dial(t)
	joinedB := join(clientB, "user-b", "bob")
	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)

	clientB.send(TypeMessage, MessagePayload{Content: "same cell"})
	view := decodeMessage(t, clientA.expect(TypeNewMessage))
	assert.Equal(t, "same cell", view.Content)
}

func TestDMConversation(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())
	_, err := env.db.CreateConversation("conv-1", []string{"user-a", "user-b"})
	require.NoError(t, err)

	joinDM := func(c *testClient, userID, username string) {
		c.send(TypeJoinDM, JoinDMPayload{
			ConversationID: "conv-1",
			UserID:         userID,
			Username:       username,
			Token:          env.token(t, userID),
		})
	}

	clientA := env.dial(t)
	joinDM(clientA, "user-a", "alice")
	var joined JoinedPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeJoined).Data, &joined))
	assert.Equal(t, SchemeDM, joined.Scheme)
	assert.Equal(t, "conv-1", joined.RoomID)

	clientB := env.dial(t)
	joinDM(clientB, "user-b", "bob")
	clientB.expect(TypeJoined)

	clientA.send(TypeMessage, MessagePayload{Content: "секрет"})
	view := decodeMessage(t, clientB.expect(TypeNewMessage))
	assert.Equal(t, "секрет", view.Content)
	assert.Equal(t, "conv-1", view.RoomID)

	// Отметка о прочтении персистентна
	clientB.send(TypeRead, ReadPayload{ConversationID: "conv-1"})

	require.Eventually(t, func() bool {
		messages, err := env.db.GetDirectMessages("conv-1", 50, nil)
		if err != nil || len(messages) != 1 {
			return false
		}
		return len(messages[0].ReadBy) == 1 && messages[0].ReadBy[0].UserID == "user-b"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDMAccessDeniedKeepsSessionUsable(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())
	_, err := env.db.CreateConversation("conv-1", []string{"user-a", "user-b"})
	require.NoError(t, err)

	client := env.dial(t)
	client.send(TypeJoinDM, JoinDMPayload{
		ConversationID: "conv-1",
		UserID:         "user-c",
		Username:       "carol",
		Token:          env.token(t, "user-c"),
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(client.expect(TypeError).Data, &errPayload))
	assert.Equal(t, "access denied", errPayload.Message)

	// Отказ не фатален: сессия аутентифицирована и может войти в комнату
	joined := client.joinFlat(env, "lobby", "user-c", "carol")
	assert.Equal(t, models.SchemeFlat, joined.Scheme)
}

func TestDMUnknownConversation(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	client := env.dial(t)
	client.send(TypeJoinDM, JoinDMPayload{
		ConversationID: "no-such-conv",
		UserID:         "user-a",
		Username:       "alice",
		Token:          env.token(t, "user-a"),
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(client.expect(TypeError).Data, &errPayload))
	assert.Equal(t, "conversation not found", errPayload.Message)
}

func TestReactionBroadcast(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	clientA := env.dial(t)
	clientA.joinFlat(env, "lobby", "user-a", "alice")
	clientB := env.dial(t)
	clientB.joinFlat(env, "lobby", "user-b", "bob")

	clientA.send(TypeMessage, MessagePayload{Content: "react to this"})
	view := decodeMessage(t, clientB.expect(TypeNewMessage))

	clientB.send(TypeReaction, ReactionPayload{MessageID: view.ID, Emoji: "👍"})

	var update MessageUpdatePayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeMessageUpdate).Data, &update))
	assert.Equal(t, view.ID, update.MessageID)
	require.Len(t, update.Reactions, 1)
	assert.Equal(t, "👍", update.Reactions[0].Emoji)
	assert.Equal(t, "user-b", update.Reactions[0].UserID)
}

// Два инстанса за общим брокером: сообщение с одного доходит до сокетов
// другого
func TestCrossInstanceDelivery(t *testing.T) {
	env1 := newTestEnv(t, newFakeBroker())
	env2 := env1.secondInstance(t)

	clientA := env1.dial(t)
	joinedA := clientA.joinFlat(env1, "lobby", "user-a", "alice")
	// Реестры не разделяются — счетчик у каждого инстанса свой
	assert.Equal(t, 1, joinedA.UserCount)

	clientB := env2.dial(t)
	joinedB := clientB.joinFlat(env2, "lobby", "user-b", "bob")
	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)
	assert.Equal(t, 1, joinedB.UserCount)

	// user_joined перелетает через брокер
	var userEvent UserEventPayload
	require.NoError(t, json.Unmarshal(clientA.expect(TypeUserJoined).Data, &userEvent))
	assert.Equal(t, "bob", userEvent.Username)

	clientA.send(TypeMessage, MessagePayload{Content: "hi from the other box"})

	view := decodeMessage(t, clientB.expect(TypeNewMessage))
	assert.Equal(t, "hi from the other box", view.Content)
	assert.Equal(t, "alice", view.Username)
}

// Отказ брокера изолирует инстансы: локальные соседи получают сообщение,
// чужой инстанс — нет, персистентность не страдает
func TestBrokerOutageIsolatesOtherInstance(t *testing.T) {
	b := newFakeBroker()
	env1 := newTestEnv(t, b)
	env2 := env1.secondInstance(t)

	clientA := env1.dial(t)
	joinedA := clientA.joinFlat(env1, "lobby", "user-a", "alice")
	clientB := env1.dial(t)
	clientB.joinFlat(env1, "lobby", "user-b", "bob")
	clientC := env2.dial(t)
	clientC.joinFlat(env2, "lobby", "user-c", "carol")

	b.setDown(true)

	clientA.send(TypeMessage, MessagePayload{Content: "degraded"})

	// Сосед по инстансу получает через локальный обход реестра
	view := decodeMessage(t, clientB.expect(TypeNewMessage))
	assert.Equal(t, "degraded", view.Content)

	messages, err := env1.db.GetMessages(joinedA.RoomID, 50, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "degraded", messages[0].Content)

	// Второй инстанс сообщение не видит
	clientC.expectNone(TypeNewMessage, 200*time.Millisecond)
}

// Недоступный брокер деградирует до локальной доставки в рамках инстанса:
// сообщения персистентны и доходят до соседей
func TestBrokerOutageDegradesToLocalDelivery(t *testing.T) {
	b := newFakeBroker()
	b.setDown(true)
	env := newTestEnv(t, b)

	clientA := env.dial(t)
	clientA.joinFlat(env, "lobby", "user-a", "alice")
	clientB := env.dial(t)
	clientB.joinFlat(env, "lobby", "user-b", "bob")

	clientA.send(TypeMessage, MessagePayload{Content: "offline hi"})

	view := decodeMessage(t, clientB.expect(TypeNewMessage))
	assert.Equal(t, "offline hi", view.Content)

	// Сообщение сохранено несмотря на отказ брокера
	room, err := env.resolver.ResolveFlat("lobby")
	require.NoError(t, err)
	messages, err := env.db.GetMessages(room.ID, 50, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "offline hi", messages[0].Content)

	clientA.expectNone(TypeNewMessage, 200*time.Millisecond)
}

func TestMalformedFrameAfterAuthIsDropped(t *testing.T) {
	env := newTestEnv(t, newFakeBroker())

	client := env.dial(t)
	joined := client.joinFlat(env, "lobby", "user-a", "alice")

	// Мусор после аутентификации не рвет сессию
	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	client.send(TypeMessage, MessagePayload{Content: "still alive"})

	require.Eventually(t, func() bool {
		messages, err := env.db.GetMessages(joined.RoomID, 50, nil)
		return err == nil && len(messages) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Сессия жива: второй клиент получает сообщение
	clientB := env.dial(t)
	clientB.joinFlat(env, "lobby", "user-b", "bob")
	var history MessageHistoryPayload
	require.NoError(t, json.Unmarshal(clientB.expect(TypeMessageHistory).Data, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "still alive", history.Messages[0].Content)
}
