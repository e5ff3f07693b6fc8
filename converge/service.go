package converge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/commonstate/converge/protocol"

	"github.com/golang/glog"
)

// SyncService runs the full update pipeline: validate, detect, resolve,
// commit, fan out. client-facing outcomes travel through session outboxes;
// committed changes broadcast to every local subscriber and to the cluster.

const DefaultUserChoiceTimeout = 30 * time.Second

type ServiceSettings struct {
	// suspended conflicts auto reject after this
	UserChoiceTimeout time.Duration
	// most log entries returned with a snapshot or history request
	HistoryLimit int

	DetectorSettings    *ConflictDetectorSettings
	BroadcasterSettings *BroadcasterSettings
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		UserChoiceTimeout:   DefaultUserChoiceTimeout,
		HistoryLimit:        50,
		DetectorSettings:    DefaultConflictDetectorSettings(),
		BroadcasterSettings: DefaultBroadcasterSettings(),
	}
}

type SubscribeOptions struct {
	IncludeHistory bool
}

// ChangeEvent describes one committed change observed by this process.
type ChangeEvent struct {
	Resource *Resource
	Change   *Change
	// true when the commit arrived over the backplane
	Remote bool
}

type ChangeListener func(event *ChangeEvent)

type choiceDecision struct {
	choice string
	values Tree
}

// pendingChoice is one suspended conflict waiting on the client.
type pendingChoice struct {
	clientId   Id
	resourceId string
	change     *Change
	conflict   *Conflict
	candidates []*ResolutionCandidate
	decision   chan *choiceDecision
}

type SyncService struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       *VersionedStore
	registry    *ConnectionRegistry
	detector    *ConflictDetector
	resolver    *ConflictResolver
	broadcaster *Broadcaster
	settings    *ServiceSettings

	mutex          sync.Mutex
	pendingChoices map[Id]*pendingChoice

	changeListeners *CallbackList[ChangeListener]

	unsubCluster func()
	closers      []func()
	closeOnce    sync.Once
}

// NewSyncServiceWithDefaults is a single node, in-memory service.
func NewSyncServiceWithDefaults(ctx context.Context) *SyncService {
	store := NewVersionedStoreWithDefaults(ctx)
	registry := NewConnectionRegistryWithDefaults(ctx)
	service, _ := NewSyncService(ctx, store, registry, nil, DefaultServiceSettings())
	service.closers = append(service.closers, store.Close, registry.Close)
	return service
}

// NewSyncService wires the pipeline over caller-owned collaborators. a nil
// backplane runs single node. the error is the backplane subscription
// failing.
func NewSyncService(ctx context.Context, store *VersionedStore, registry *ConnectionRegistry, backplane Backplane, settings *ServiceSettings) (*SyncService, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	service := &SyncService{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		registry:        registry,
		detector:        NewConflictDetector(settings.DetectorSettings),
		resolver:        NewConflictResolver(),
		broadcaster:     NewBroadcaster(cancelCtx, registry, backplane, settings.BroadcasterSettings),
		settings:        settings,
		pendingChoices:  map[Id]*pendingChoice{},
		changeListeners: NewCallbackList[ChangeListener](),
	}

	if backplane != nil {
		unsub, err := backplane.Subscribe(cancelCtx, ClusterChannelPattern, service.handleClusterMessage)
		if err != nil {
			cancel()
			return nil, err
		}
		service.unsubCluster = unsub
	}
	return service, nil
}

func (self *SyncService) Store() *VersionedStore {
	return self.store
}

func (self *SyncService) Registry() *ConnectionRegistry {
	return self.registry
}

// Connect registers a session for an authenticated client.
func (self *SyncService) Connect(clientId Id) *ClientSession {
	session := self.registry.AddClient(clientId)
	glog.V(1).Infof("[service]connect c(%s)\n", clientId)
	return session
}

// Disconnect removes the session and cascades its subscriptions. suspended
// conflicts for the client reject through their own watchers when the
// session closes.
func (self *SyncService) Disconnect(clientId Id) {
	self.registry.RemoveClient(clientId)
	glog.V(1).Infof("[service]disconnect c(%s)\n", clientId)
}

// DisconnectSession removes one specific session. when the client already
// reconnected, the newer session stays.
func (self *SyncService) DisconnectSession(session *ClientSession) {
	self.registry.RemoveSession(session)
	glog.V(1).Infof("[service]disconnect c(%s)\n", session.ClientId)
}

// Subscribe registers the subscription and queues a `data_snapshot` on the
// session outbox. registration and snapshot happen inside the resource
// critical section, so no commit can slip between them and every later
// `data_changed` follows the snapshot in version order.
func (self *SyncService) Subscribe(ctx context.Context, clientId Id, resourceId string, options *SubscribeOptions) error {
	session := self.registry.Client(clientId)
	if session == nil {
		return ErrInvalidClient
	}
	self.registry.Touch(clientId)

	return self.store.Update(ctx, resourceId, func(lease *ResourceLease) error {
		if err := self.registry.Subscribe(clientId, resourceId); err != nil {
			return err
		}
		current := lease.Current()

		snapshot := &protocol.DataSnapshot{
			Type:       protocol.MessageTypeDataSnapshot,
			ResourceId: resourceId,
			Data:       current.Data,
			Version:    current.Version,
			Timestamp:  wireTime(current.UpdatedAt),
		}
		if options != nil && options.IncludeHistory {
			history := lease.Recent(self.settings.HistoryLimit)
			slices.Reverse(history)
			snapshot.History = wireChanges(history)
		}

		frame, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		session.Send(frame)
		return nil
	})
}

func (self *SyncService) Unsubscribe(clientId Id, resourceId string) {
	self.registry.Touch(clientId)
	self.registry.Unsubscribe(clientId, resourceId)
}

// Update runs one proposed change through the pipeline. the outcome reaches
// the origin through its outbox: `data_changed` on commit, or
// `conflict_detected`/`update_failed`. the returned error covers internal
// failures only, never client-facing outcomes.
func (self *SyncService) Update(ctx context.Context, clientId Id, change *Change, strategy ResolutionStrategy) error {
	session := self.registry.Client(clientId)
	if session == nil {
		return ErrClientRemoved
	}
	self.registry.Touch(clientId)

	if err := change.Validate(); err != nil {
		self.sendUpdateFailed(session, change.ResourceId, "validation_error", err.Error(), change.ChangeId)
		return nil
	}

	err := self.store.Update(ctx, change.ResourceId, func(lease *ResourceLease) error {
		return self.updateLocked(lease, session, change, strategy)
	})
	if err != nil {
		lockTimeout := &LockTimeoutError{}
		if errors.As(err, &lockTimeout) {
			// transient. the client retries with backoff.
			self.sendUpdateFailed(session, change.ResourceId, "lock_timeout", err.Error(), change.ChangeId)
			return nil
		}
		return err
	}
	return nil
}

// updateLocked is the pipeline inside the resource critical section.
func (self *SyncService) updateLocked(lease *ResourceLease, session *ClientSession, change *Change, strategy ResolutionStrategy) error {
	now := time.Now()
	current := lease.Current()

	if current.Version < change.BaseVersion {
		message := newValidationError(
			"baseVersion %d is ahead of version %d",
			change.BaseVersion,
			current.Version,
		)
		self.sendUpdateFailed(session, change.ResourceId, "validation_error", message.Error(), change.ChangeId)
		return nil
	}

	var history []*Change
	if change.BaseVersion < current.Version {
		if since, ok := lease.CommittedSince(change.BaseVersion); ok {
			history = since
		} else {
			history = lease.CommittedWithin(self.detector.ConflictWindow(), now)
		}
	} else {
		history = lease.CommittedWithin(self.detector.ConflictWindow(), now)
	}

	conflict := self.detector.Detect(change, current, history, now)
	if conflict == nil {
		return self.commitLocked(lease, session, change)
	}

	// no strategy from the client: concurrent text edits transform
	// automatically, same-field edits suspend for the user, and version
	// conflicts go back to the client with a suggestion.
	if strategy == "" {
		suggestion := self.resolver.Suggest(conflict)
		if suggestion.Strategy == StrategyOperationalTransform {
			strategy = StrategyOperationalTransform
		} else if conflict.Type == ConflictTypeField {
			strategy = StrategyUserChoice
		} else {
			self.sendConflict(session, conflict, suggestion, nil)
			return nil
		}
	}

	resolution := self.resolver.Resolve(conflict, strategy, &ResolveOptions{
		Current: current,
		Now:     now,
	})

	switch resolution.Status {
	case ResolutionStatusResolved:
		if resolution.Result == nil {
			change.Status = ChangeStatusRejected
			self.sendUpdateFailed(session, change.ResourceId, "change_rejected", resolution.Message, change.ChangeId)
			return nil
		}
		return self.commitLocked(lease, session, resolution.Result)
	case ResolutionStatusNeedsUserInput:
		self.suspendChoice(session, change, conflict, resolution)
		return nil
	default:
		change.Status = ChangeStatusRejected
		self.sendUpdateFailed(session, change.ResourceId, "resolution_failed", resolution.Message, change.ChangeId)
		return nil
	}
}

func (self *SyncService) commitLocked(lease *ResourceLease, session *ClientSession, change *Change) error {
	committed, err := lease.Commit(change)
	if err != nil {
		validationErr := &ValidationError{}
		if errors.As(err, &validationErr) {
			self.sendUpdateFailed(session, change.ResourceId, "validation_error", err.Error(), change.ChangeId)
			return nil
		}
		return err
	}

	glog.V(1).Infof("[service]commit %s@%d by c(%s)\n", committed.ResourceId, committed.Version, change.ClientId)
	self.broadcaster.PublishLocal(committed, change, Id{})
	self.broadcaster.PublishCluster(committed, change)
	self.notifyListeners(&ChangeEvent{
		Resource: committed,
		Change:   change,
		Remote:   false,
	})
	return nil
}

// suspendChoice parks the change as awaiting-user-choice and queues
// `conflict_detected` with the candidates. a watcher goroutine resolves the
// wait: a decision commits, while disconnect, timeout, or shutdown rejects.
func (self *SyncService) suspendChoice(session *ClientSession, change *Change, conflict *Conflict, resolution *Resolution) {
	change.Status = ChangeStatusAwaitingUserChoice
	pending := &pendingChoice{
		clientId:   session.ClientId,
		resourceId: change.ResourceId,
		change:     change,
		conflict:   conflict,
		candidates: resolution.Candidates,
		decision:   make(chan *choiceDecision),
	}

	self.mutex.Lock()
	self.pendingChoices[change.ChangeId] = pending
	self.mutex.Unlock()

	suggestion := &ResolutionSuggestion{
		Strategy: StrategyUserChoice,
		Reason:   resolution.Message,
	}
	self.sendConflict(session, conflict, suggestion, resolution.Candidates)

	go HandleError(func() {
		defer func() {
			self.mutex.Lock()
			delete(self.pendingChoices, change.ChangeId)
			self.mutex.Unlock()
		}()

		select {
		case decision := <-pending.decision:
			if err := self.completeChoice(pending, decision); err != nil {
				glog.Warningf("[service]complete choice %s err = %s\n", change.ChangeId, err)
			}
		case <-session.Done():
			self.rejectChoice(pending, "Client disconnected before choosing.")
		case <-time.After(self.settings.UserChoiceTimeout):
			self.rejectChoice(pending, "Timed out waiting for a choice.")
		case <-self.ctx.Done():
		}
	})
}

// ResolveChoice completes a suspended conflict with the client's decision,
// either a named candidate or custom values. the decision commits as a new
// change on the current version.
func (self *SyncService) ResolveChoice(ctx context.Context, clientId Id, changeId Id, choice string, values Tree) error {
	self.registry.Touch(clientId)

	self.mutex.Lock()
	pending, ok := self.pendingChoices[changeId]
	self.mutex.Unlock()
	if !ok || pending.clientId != clientId {
		return ErrChangeNotFound
	}

	decision := &choiceDecision{
		choice: choice,
		values: values,
	}
	if choice != "" {
		candidate := findCandidate(pending.candidates, choice)
		if candidate == nil {
			return newValidationError("unknown candidate %q", choice)
		}
		decision.values = candidate.Values
	} else if len(values) == 0 {
		return newValidationError("choice names no candidate and carries no values")
	}

	select {
	case pending.decision <- decision:
		return nil
	default:
		// watcher already resolved the wait
		return ErrChangeNotFound
	}
}

// completeChoice commits the decided values on the current version. chosen
// keys with nil values are removals and commit as a follow-up delete.
func (self *SyncService) completeChoice(pending *pendingChoice, decision *choiceDecision) error {
	setValues, deletePaths := splitChoice(decision.values)

	return self.store.Update(self.ctx, pending.resourceId, func(lease *ResourceLease) error {
		session := self.registry.Client(pending.clientId)

		commit := func(change *Change) error {
			change.BaseVersion = lease.Current().Version
			committed, err := lease.Commit(change)
			if err != nil {
				if session != nil {
					self.sendUpdateFailed(session, pending.resourceId, "validation_error", err.Error(), pending.change.ChangeId)
				}
				return err
			}
			self.broadcaster.PublishLocal(committed, change, Id{})
			self.broadcaster.PublishCluster(committed, change)
			self.notifyListeners(&ChangeEvent{
				Resource: committed,
				Change:   change,
				Remote:   false,
			})
			return nil
		}

		if 0 < len(setValues) {
			change := &Change{
				ChangeId:   pending.change.ChangeId,
				ResourceId: pending.resourceId,
				ClientId:   pending.clientId,
				Type:       ChangeTypeSet,
				Values:     setValues,
				Timestamp:  time.Now(),
			}
			if err := commit(change); err != nil {
				return err
			}
		}
		if 0 < len(deletePaths) {
			change := &Change{
				ChangeId:   NewId(),
				ResourceId: pending.resourceId,
				ClientId:   pending.clientId,
				Type:       ChangeTypeDelete,
				Paths:      deletePaths,
				Timestamp:  time.Now(),
			}
			if err := commit(change); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *SyncService) rejectChoice(pending *pendingChoice, message string) {
	pending.change.Status = ChangeStatusRejected
	glog.V(1).Infof("[service]reject choice %s. %s\n", pending.change.ChangeId, message)
	if session := self.registry.Client(pending.clientId); session != nil {
		self.sendUpdateFailed(session, pending.resourceId, "change_rejected", message, pending.change.ChangeId)
	}
}

// handleClusterMessage applies one backplane message. versions at or behind
// the local one are no-ops, so duplicate and reordered delivery is safe.
func (self *SyncService) handleClusterMessage(channel string, payload []byte) {
	message := &protocol.ClusterMessage{}
	if err := json.Unmarshal(payload, message); err != nil {
		glog.Warningf("[service]decode cluster message on %s err = %s\n", channel, err)
		return
	}

	change := coreClusterChange(message.Change, message.ResourceId)
	err := self.store.Update(self.ctx, message.ResourceId, func(lease *ResourceLease) error {
		applied, committed := lease.ApplyRemote(
			message.Version,
			message.Data,
			change,
			time.UnixMilli(message.Timestamp),
		)
		if !applied {
			return nil
		}

		glog.V(1).Infof("[service]cluster apply %s@%d\n", committed.ResourceId, committed.Version)
		self.broadcaster.PublishLocal(committed, change, Id{})
		self.notifyListeners(&ChangeEvent{
			Resource: committed,
			Change:   change,
			Remote:   true,
		})
		return nil
	})
	if err != nil {
		glog.Warningf("[service]cluster apply %s err = %s\n", message.ResourceId, err)
	}
}

// AddChangeListener observes every commit this process applies, local and
// remote. listeners run inside the resource critical section and must not
// block. returns an unsubscribe.
func (self *SyncService) AddChangeListener(listener ChangeListener) func() {
	callbackId := self.changeListeners.Add(listener)
	return func() {
		self.changeListeners.Remove(callbackId)
	}
}

func (self *SyncService) notifyListeners(event *ChangeEvent) {
	for _, listener := range self.changeListeners.Get() {
		HandleError(func() {
			listener(event)
		})
	}
}

type ServiceStatus struct {
	ClientCount        int `json:"clientCount"`
	SubscriptionCount  int `json:"subscriptionCount"`
	ResourceCount      int `json:"resourceCount"`
	PendingChoiceCount int `json:"pendingChoiceCount"`
}

func (self *SyncService) Status() *ServiceStatus {
	self.mutex.Lock()
	pendingChoiceCount := len(self.pendingChoices)
	self.mutex.Unlock()

	return &ServiceStatus{
		ClientCount:        self.registry.ClientCount(),
		SubscriptionCount:  self.registry.SubscriptionCount(),
		ResourceCount:      len(self.store.ResourceIds()),
		PendingChoiceCount: pendingChoiceCount,
	}
}

// Snapshot returns the current state of a resource as a wire snapshot.
func (self *SyncService) Snapshot(ctx context.Context, resourceId string) (*protocol.DataSnapshot, error) {
	resource, err := self.store.Get(ctx, resourceId)
	if err != nil {
		return nil, err
	}
	return &protocol.DataSnapshot{
		Type:       protocol.MessageTypeDataSnapshot,
		ResourceId: resourceId,
		Data:       resource.Data,
		Version:    resource.Version,
		Timestamp:  wireTime(resource.UpdatedAt),
	}, nil
}

// History returns up to limit retained changes, oldest first.
func (self *SyncService) History(resourceId string, limit int) []*protocol.Change {
	changes := self.store.RecentChanges(resourceId, limit)
	slices.Reverse(changes)
	return wireChanges(changes)
}

func (self *SyncService) sendConflict(session *ClientSession, conflict *Conflict, suggestion *ResolutionSuggestion, candidates []*ResolutionCandidate) {
	frame, err := json.Marshal(wireConflict(conflict, suggestion, candidates))
	if err != nil {
		glog.Errorf("[service]encode conflict err = %s\n", err)
		return
	}
	session.Send(frame)
}

func (self *SyncService) sendUpdateFailed(session *ClientSession, resourceId string, name string, message string, changeId Id) {
	failed := &protocol.UpdateFailed{
		Type:       protocol.MessageTypeUpdateFailed,
		ResourceId: resourceId,
		Error: &protocol.ErrorInfo{
			Name:     name,
			Message:  message,
			ChangeId: changeId.String(),
		},
	}
	frame, err := json.Marshal(failed)
	if err != nil {
		glog.Errorf("[service]encode update_failed err = %s\n", err)
		return
	}
	session.Send(frame)
}

func (self *SyncService) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		if self.unsubCluster != nil {
			self.unsubCluster()
		}
		self.broadcaster.Close()
		for _, closer := range self.closers {
			closer()
		}
	})
}

func findCandidate(candidates []*ResolutionCandidate, name string) *ResolutionCandidate {
	for _, candidate := range candidates {
		if candidate.Name == name {
			return candidate
		}
	}
	return nil
}

// splitChoice separates decided values into assignments and removals. a nil
// value marks a key the decision removes.
func splitChoice(values Tree) (Tree, []string) {
	setValues := Tree{}
	deletePaths := []string{}
	for key, value := range values {
		if value == nil {
			deletePaths = append(deletePaths, key)
		} else {
			setValues[key] = value
		}
	}
	slices.Sort(deletePaths)
	return setValues, deletePaths
}
