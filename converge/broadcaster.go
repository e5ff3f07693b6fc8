package converge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/commonstate/converge/protocol"

	"github.com/golang/glog"
)

// Broadcaster fans committed changes out: locally through session outboxes,
// and across the cluster through the backplane.

type BroadcasterSettings struct {
	// bounded async retries for a cluster publish
	PublishRetryCount   int
	PublishRetryTimeout time.Duration
	// per attempt bound
	PublishTimeout time.Duration
}

func DefaultBroadcasterSettings() *BroadcasterSettings {
	return &BroadcasterSettings{
		PublishRetryCount:   3,
		PublishRetryTimeout: 500 * time.Millisecond,
		PublishTimeout:      5 * time.Second,
	}
}

type Broadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *ConnectionRegistry
	backplane Backplane
	settings  *BroadcasterSettings
}

func NewBroadcasterWithDefaults(ctx context.Context, registry *ConnectionRegistry, backplane Backplane) *Broadcaster {
	return NewBroadcaster(ctx, registry, backplane, DefaultBroadcasterSettings())
}

func NewBroadcaster(ctx context.Context, registry *ConnectionRegistry, backplane Backplane, settings *BroadcasterSettings) *Broadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Broadcaster{
		ctx:       cancelCtx,
		cancel:    cancel,
		registry:  registry,
		backplane: backplane,
		settings:  settings,
	}
}

// PublishLocal queues `data_changed` on the outbox of every local subscriber
// of the resource. called while the resource lease is held, so per client
// delivery order matches version order. `excludeClientId` skips one client;
// the zero value excludes no one. returns the number of queued deliveries.
func (self *Broadcaster) PublishLocal(resource *Resource, change *Change, excludeClientId Id) int {
	message := &protocol.DataChanged{
		Type:       protocol.MessageTypeDataChanged,
		ResourceId: resource.ResourceId,
		Change:     wireChange(change),
		Data:       resource.Data,
	}
	frame, err := json.Marshal(message)
	if err != nil {
		glog.Errorf("[broadcast]encode data_changed err = %s\n", err)
		return 0
	}

	count := 0
	for _, session := range self.registry.Subscribers(resource.ResourceId) {
		if session.ClientId == excludeClientId {
			continue
		}
		if session.Send(frame) {
			count += 1
		}
	}
	return count
}

// PublishCluster hands a committed change to the backplane. the local
// commit already acked, so this runs async with bounded retries. exhausted
// retries are logged and never rolled back: the local commit stays the
// source of truth, and a later message reconverges the cluster because
// every message carries the full tree.
func (self *Broadcaster) PublishCluster(resource *Resource, change *Change) {
	if self.backplane == nil {
		return
	}

	payload, err := json.Marshal(wireClusterMessage(resource, change))
	if err != nil {
		glog.Errorf("[broadcast]encode cluster message err = %s\n", err)
		return
	}
	channel := ClusterChannel(resource.ResourceId)

	go HandleError(func() {
		var publishErr error
		for i := 0; i < self.settings.PublishRetryCount; i += 1 {
			if 0 < i {
				select {
				case <-self.ctx.Done():
					return
				case <-time.After(self.settings.PublishRetryTimeout):
				}
			}

			publishCtx, cancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
			publishErr = self.backplane.Publish(publishCtx, channel, payload)
			cancel()
			if publishErr == nil {
				return
			}
		}
		glog.Errorf("[broadcast]%s\n", &BackplanePublishError{
			Channel:  channel,
			Attempts: self.settings.PublishRetryCount,
			Err:      publishErr,
		})
	})
}

func (self *Broadcaster) Close() {
	self.cancel()
}
