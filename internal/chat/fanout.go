package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/thereayou/tapin/internal/broker"
)

// envelope оборачивает кадр для транспортировки через брокер. Получатель
// сравнивает origin со своим session id и отбрасывает собственные кадры:
// у отправителя уже есть авторитетное локальное состояние.
type envelope struct {
	OriginSessionID string          `json:"origin_session_id"`
	Payload         json.RawMessage `json:"payload"`
}

// Fanout связывает одну сессию с брокером: публикует локальные события и
// ретранслирует чужие в исходящую очередь сессии.
type Fanout struct {
	broker  broker.Broker
	origin  string
	deliver func([]byte)

	mu      sync.Mutex
	channel string
	sub     broker.Subscription
}

func NewFanout(b broker.Broker, originSessionID string, deliver func([]byte)) *Fanout {
	return &Fanout{
		broker:  b,
		origin:  originSessionID,
		deliver: deliver,
	}
}

// Subscribe начинает ретрансляцию канала в сессию. Повторная подписка на
// тот же канал — no-op; подписка на новый сперва снимает старую, чтобы
// каналы не утекали и кадры чужой комнаты не просачивались.
func (f *Fanout) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil && f.channel == channel {
		return nil
	}

	if f.sub != nil {
		_ = f.sub.Close()
		f.sub = nil
		f.channel = ""
	}

	sub, err := f.broker.Subscribe(ctx, channel)
	if err != nil {
		log.Printf("Broker subscribe to %s failed, session %s degrades to local-only delivery: %v", channel, f.origin, err)
		return err
	}

	f.sub = sub
	f.channel = channel
	go f.relay(sub)
	return nil
}

// relay живет, пока жива подписка; смена канала закрывает старый поток
// и ретранслятор выходит сам
func (f *Fanout) relay(sub broker.Subscription) {
	for raw := range sub.Messages() {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("Malformed broker envelope dropped: %v", err)
			continue
		}
		if env.OriginSessionID == f.origin {
			continue
		}
		f.deliver(env.Payload)
	}
}

// Publish отправляет кадр в канал от имени сессии
func (f *Fanout) Publish(ctx context.Context, channel string, frame []byte) error {
	env := envelope{
		OriginSessionID: f.origin,
		Payload:         frame,
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := f.broker.Publish(ctx, channel, payload); err != nil {
		log.Printf("Broker publish to %s failed, falling back to local delivery: %v", channel, err)
		return err
	}
	return nil
}

// Unsubscribe снимает текущую подписку, если есть
func (f *Fanout) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil {
		_ = f.sub.Close()
		f.sub = nil
		f.channel = ""
	}
}

// Channel возвращает текущий подписанный канал
func (f *Fanout) Channel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}
