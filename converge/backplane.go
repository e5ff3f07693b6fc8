package converge

import (
	"context"
	"fmt"
	"strings"
)

// Backplane carries committed changes between sibling processes with
// at-least-once delivery. the store's idempotency rule makes duplicates and
// reordering safe, so implementations never need exactly-once semantics.
type Backplane interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for channels matching `pattern`, where a
	// trailing `*` matches any suffix. returns an unsubscribe.
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error)
}

// ClusterChannel is the backplane channel for one resource.
func ClusterChannel(resourceId string) string {
	return fmt.Sprintf("changes:%s", resourceId)
}

// ClusterChannelPattern matches every resource channel.
const ClusterChannelPattern = "changes:*"

func matchChannel(pattern string, channel string) bool {
	if i := strings.IndexByte(pattern, '*'); 0 <= i {
		return strings.HasPrefix(channel, pattern[:i])
	}
	return pattern == channel
}

type memorySubscription struct {
	pattern string
	handler func(string, []byte)
}

// MemoryBackplane is an in-process backplane for tests and single node
// deployments. delivery is synchronous in publish order.
type MemoryBackplane struct {
	subscriptions *CallbackList[*memorySubscription]
}

func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{
		subscriptions: NewCallbackList[*memorySubscription](),
	}
}

func (self *MemoryBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	for _, subscription := range self.subscriptions.Get() {
		if matchChannel(subscription.pattern, channel) {
			subscription.handler(channel, payload)
		}
	}
	return nil
}

func (self *MemoryBackplane) Subscribe(ctx context.Context, pattern string, handler func(string, []byte)) (func(), error) {
	subscription := &memorySubscription{
		pattern: pattern,
		handler: handler,
	}
	callbackId := self.subscriptions.Add(subscription)
	unsub := func() {
		self.subscriptions.Remove(callbackId)
	}
	return unsub, nil
}
