package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

// ChannelPrefix namespaces per-node pub/sub channels.
const ChannelPrefix = "relay:node:"

// Bus implements interfaces.Bus over Redis pub/sub. Delivery is at most
// once; a node that is down misses its messages.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewBus(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logging.OrDefault(logger)}
}

func (b *Bus) Publish(ctx context.Context, nodeID string, data []byte) error {
	return b.rdb.Publish(ctx, ChannelPrefix+nodeID, data).Err()
}

// Subscribe confirms the subscription before returning, then delivers
// messages on a background goroutine until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, nodeID string, handler func(data []byte)) error {
	pubsub := b.rdb.Subscribe(ctx, ChannelPrefix+nodeID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Debug("bus subscribed", logging.Node(nodeID))
	return nil
}
