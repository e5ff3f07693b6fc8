package converge

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

// RedisBackplane fans committed changes out across processes with redis
// pub/sub. redis pub/sub drops messages for absent subscribers, which the
// engine tolerates: every cluster message carries the full tree, so the
// next message reconverges the resource.
type RedisBackplane struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *redis.Client
}

func NewRedisBackplane(ctx context.Context, redisUrl string) (*RedisBackplane, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisBackplane{
		ctx:    cancelCtx,
		cancel: cancel,
		client: client,
	}, nil
}

func (self *RedisBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	return self.client.Publish(ctx, channel, payload).Err()
}

func (self *RedisBackplane) Subscribe(ctx context.Context, pattern string, handler func(string, []byte)) (func(), error) {
	pubsub := self.client.PSubscribe(ctx, pattern)
	// confirm the subscription before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-self.ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				HandleError(func() {
					handler(message.Channel, []byte(message.Payload))
				}, func(err error) {
					glog.Warningf("[backplane]handler err on %s = %s\n", message.Channel, err)
				})
			}
		}
	}()

	unsub := func() {
		pubsub.Close()
	}
	return unsub, nil
}

func (self *RedisBackplane) Close() {
	self.cancel()
	self.client.Close()
}
