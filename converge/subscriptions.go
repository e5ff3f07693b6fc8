package converge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// ConnectionRegistry indexes the sessions and subscriptions this process
// owns. it is process local and rebuilt from connects, never shared across
// the cluster. every process independently fans out to whichever local
// subscribers it has.

type RegistrySettings struct {
	// per session outbound queue drained by the transport writer
	OutboxSize int
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		OutboxSize: 128,
	}
}

type ConnectionRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RegistrySettings

	mutex    sync.Mutex
	sessions map[Id]*ClientSession
	// resourceId to subscribed clientIds
	subscribers map[string]map[Id]bool
}

func NewConnectionRegistryWithDefaults(ctx context.Context) *ConnectionRegistry {
	return NewConnectionRegistry(ctx, DefaultRegistrySettings())
}

func NewConnectionRegistry(ctx context.Context, settings *RegistrySettings) *ConnectionRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionRegistry{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		sessions:    map[Id]*ClientSession{},
		subscribers: map[string]map[Id]bool{},
	}
}

// AddClient registers a session for a connected client. a second connect for
// the same clientId replaces the first, which is closed with its
// subscriptions dropped.
func (self *ConnectionRegistry) AddClient(clientId Id) *ClientSession {
	self.mutex.Lock()
	previous := self.sessions[clientId]
	if previous != nil {
		self.removeClientLocked(clientId)
	}
	session := newClientSession(clientId, self.settings.OutboxSize)
	self.sessions[clientId] = session
	self.mutex.Unlock()

	if previous != nil {
		previous.close()
	}
	return session
}

// Client returns the live session for a clientId, or nil.
func (self *ConnectionRegistry) Client(clientId Id) *ClientSession {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.sessions[clientId]
}

func (self *ConnectionRegistry) Subscribe(clientId Id, resourceId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[clientId]
	if !ok {
		return ErrInvalidClient
	}
	session.addSubscription(resourceId)

	clientIds, ok := self.subscribers[resourceId]
	if !ok {
		clientIds = map[Id]bool{}
		self.subscribers[resourceId] = clientIds
	}
	clientIds[clientId] = true
	return nil
}

// Unsubscribe removes one subscription. unknown clients and resources are
// no-ops.
func (self *ConnectionRegistry) Unsubscribe(clientId Id, resourceId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if session, ok := self.sessions[clientId]; ok {
		session.removeSubscription(resourceId)
	}
	if clientIds, ok := self.subscribers[resourceId]; ok {
		delete(clientIds, clientId)
		if len(clientIds) == 0 {
			delete(self.subscribers, resourceId)
		}
	}
}

// RemoveClient drops the session and cascades over all its subscriptions.
// idempotent.
func (self *ConnectionRegistry) RemoveClient(clientId Id) {
	self.mutex.Lock()
	session := self.sessions[clientId]
	self.removeClientLocked(clientId)
	self.mutex.Unlock()

	if session != nil {
		session.close()
	}
}

// RemoveSession drops one specific session. a session already replaced by a
// newer connection for the same client is left alone.
func (self *ConnectionRegistry) RemoveSession(session *ClientSession) {
	self.mutex.Lock()
	current, ok := self.sessions[session.ClientId]
	if !ok || current != session {
		self.mutex.Unlock()
		return
	}
	self.removeClientLocked(session.ClientId)
	self.mutex.Unlock()

	session.close()
}

func (self *ConnectionRegistry) removeClientLocked(clientId Id) {
	session, ok := self.sessions[clientId]
	if !ok {
		return
	}
	for _, resourceId := range session.Subscriptions() {
		if clientIds, ok := self.subscribers[resourceId]; ok {
			delete(clientIds, clientId)
			if len(clientIds) == 0 {
				delete(self.subscribers, resourceId)
			}
		}
	}
	delete(self.sessions, clientId)
}

// Subscribers returns the local sessions subscribed to a resource, ordered
// by clientId.
func (self *ConnectionRegistry) Subscribers(resourceId string) []*ClientSession {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	clientIds, ok := self.subscribers[resourceId]
	if !ok {
		return []*ClientSession{}
	}
	sessions := make([]*ClientSession, 0, len(clientIds))
	for clientId := range clientIds {
		if session, ok := self.sessions[clientId]; ok {
			sessions = append(sessions, session)
		}
	}
	slices.SortFunc(sessions, func(a *ClientSession, b *ClientSession) int {
		if a.ClientId.LessThan(b.ClientId) {
			return -1
		} else if b.ClientId.LessThan(a.ClientId) {
			return 1
		}
		return 0
	})
	return sessions
}

// Touch refreshes liveness for a client on any inbound message.
func (self *ConnectionRegistry) Touch(clientId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if session, ok := self.sessions[clientId]; ok {
		session.touch()
	}
}

func (self *ConnectionRegistry) ClientIds() []Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.sessions)
}

func (self *ConnectionRegistry) ClientCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.sessions)
}

func (self *ConnectionRegistry) SubscriptionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := 0
	for _, clientIds := range self.subscribers {
		count += len(clientIds)
	}
	return count
}

func (self *ConnectionRegistry) Close() {
	self.cancel()

	self.mutex.Lock()
	sessions := maps.Values(self.sessions)
	self.sessions = map[Id]*ClientSession{}
	self.subscribers = map[string]map[Id]bool{}
	self.mutex.Unlock()

	for _, session := range sessions {
		session.close()
	}
}

// ClientSession is one connected client. outbound messages queue on the
// session outbox in commit order and the transport writer drains them, so
// per client delivery order always matches version order.
type ClientSession struct {
	ClientId    Id
	ConnectedAt time.Time

	stateMutex    sync.Mutex
	lastSeen      time.Time
	subscriptions map[string]bool

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newClientSession(clientId Id, outboxSize int) *ClientSession {
	now := time.Now()
	return &ClientSession{
		ClientId:      clientId,
		ConnectedAt:   now,
		lastSeen:      now,
		subscriptions: map[string]bool{},
		outbox:        make(chan []byte, outboxSize),
		closed:        make(chan struct{}),
	}
}

// Send queues one serialized message. a full outbox drops the message with
// a warning rather than block a commit. the client notices the version gap
// and recovers with a fresh subscribe.
func (self *ClientSession) Send(message []byte) bool {
	select {
	case <-self.closed:
		return false
	default:
	}

	select {
	case self.outbox <- message:
		return true
	default:
		glog.Warningf("[sub]outbox full for c(%s). dropped message.\n", self.ClientId)
		return false
	}
}

// Outbox is drained by the transport writer.
func (self *ClientSession) Outbox() <-chan []byte {
	return self.outbox
}

// Done closes when the session is removed from the registry.
func (self *ClientSession) Done() <-chan struct{} {
	return self.closed
}

func (self *ClientSession) LastSeen() time.Time {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.lastSeen
}

func (self *ClientSession) Subscriptions() []string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	resourceIds := maps.Keys(self.subscriptions)
	slices.Sort(resourceIds)
	return resourceIds
}

func (self *ClientSession) Subscribed(resourceId string) bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.subscriptions[resourceId]
}

func (self *ClientSession) touch() {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.lastSeen = time.Now()
}

func (self *ClientSession) addSubscription(resourceId string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.subscriptions[resourceId] = true
}

func (self *ClientSession) removeSubscription(resourceId string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	delete(self.subscriptions, resourceId)
}

func (self *ClientSession) close() {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}
