// Package broker — pub/sub примитив для межсерверной рассылки,
// канал на комнату.
package broker

import "context"

// Subscription — поток сырых сообщений одного канала. Close снимает
// подписку и закрывает Messages.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
