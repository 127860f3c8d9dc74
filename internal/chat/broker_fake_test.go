package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/thereayou/tapin/internal/broker"
)

// fakeBroker — брокер в памяти для тестов: разделяемый экземпляр ведет
// себя как общий Redis для нескольких сессий
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]*fakeSubscription
	down bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: map[string][]*fakeSubscription{}}
}

type fakeSubscription struct {
	broker  *fakeBroker
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *fakeSubscription) Messages() <-chan []byte { return s.out }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.out)
	})
	return nil
}

var errBrokerDown = errors.New("broker unavailable")

// setDown имитирует отказ брокера
func (b *fakeBroker) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return errBrokerDown
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.out <- payload:
		default:
		}
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, errBrokerDown
	}

	sub := &fakeSubscription{
		broker:  b,
		channel: channel,
		out:     make(chan []byte, 64),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *fakeBroker) remove(target *fakeSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *fakeBroker) subscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
