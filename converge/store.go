package converge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// VersionedStore keeps the authoritative state of every resource in this
// process. each resource advances through strictly monotonic versions, one
// per committed change, behind a single writer lease. writers on different
// resources never contend.

type StoreSettings struct {
	ChangeLogCapacity int
	// bound on waiting for a resource's writer lease
	LockTimeout time.Duration
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		ChangeLogCapacity: DefaultChangeLogCapacity,
		LockTimeout:       10 * time.Second,
	}
}

// Resource is an immutable snapshot of one resource at one version.
type Resource struct {
	ResourceId string
	Version    int64
	Data       Tree
	UpdatedAt  time.Time
}

func zeroResource(resourceId string) *Resource {
	return &Resource{
		ResourceId: resourceId,
		Version:    0,
		Data:       Tree{},
	}
}

type VersionedStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	persistence Persistence
	settings    *StoreSettings

	mutex     sync.Mutex
	resources map[string]*resourceEntry
}

func NewVersionedStoreWithDefaults(ctx context.Context) *VersionedStore {
	return NewVersionedStore(ctx, nil, DefaultStoreSettings())
}

func NewVersionedStore(ctx context.Context, persistence Persistence, settings *StoreSettings) *VersionedStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &VersionedStore{
		ctx:         cancelCtx,
		cancel:      cancel,
		persistence: persistence,
		settings:    settings,
		resources:   map[string]*resourceEntry{},
	}
}

// open pins the entry for a resource, creating it on first use. every open
// is paired with a close.
func (self *VersionedStore) openResource(resourceId string) *resourceEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.resources[resourceId]
	if !ok {
		entry = newResourceEntry(resourceId, self.settings.ChangeLogCapacity)
		self.resources[resourceId] = entry
	}
	entry.openCount += 1
	return entry
}

// close unpins the entry. entries that never committed anything are dropped
// on the last close so reads of unknown resources do not accumulate state.
func (self *VersionedStore) closeResource(resourceId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.resources[resourceId]
	if !ok {
		return
	}
	entry.openCount -= 1
	if entry.openCount == 0 && entry.discardable() {
		delete(self.resources, resourceId)
	}
}

// Get returns a snapshot. an unknown resource reads as an empty tree at
// version 0 and is not created.
func (self *VersionedStore) Get(ctx context.Context, resourceId string) (*Resource, error) {
	self.mutex.Lock()
	entry, ok := self.resources[resourceId]
	self.mutex.Unlock()

	if !ok {
		if self.persistence == nil {
			return zeroResource(resourceId), nil
		}
		entry = self.openResource(resourceId)
		defer self.closeResource(resourceId)
	}

	if err := entry.ensureLoaded(ctx, self.persistence, self.settings.LockTimeout); err != nil {
		return nil, err
	}
	return entry.snapshot(), nil
}

// Update runs `fn` inside the resource's single writer critical section.
// once the lease is held the update runs to completion regardless of ctx.
// a contended lease surfaces LockTimeoutError after the settings bound.
func (self *VersionedStore) Update(ctx context.Context, resourceId string, fn func(*ResourceLease) error) error {
	entry := self.openResource(resourceId)
	defer self.closeResource(resourceId)

	if err := entry.acquire(ctx, self.settings.LockTimeout); err != nil {
		return err
	}
	defer entry.release()

	if err := entry.loadLocked(ctx, self.persistence); err != nil {
		return err
	}

	lease := &ResourceLease{
		ctx:   ctx,
		store: self,
		entry: entry,
	}
	return fn(lease)
}

// ChangesSince returns the committed changes after `version`, oldest first.
// ok is false when the retained window no longer reaches back that far.
func (self *VersionedStore) ChangesSince(resourceId string, version int64) ([]*Change, bool) {
	self.mutex.Lock()
	entry, ok := self.resources[resourceId]
	self.mutex.Unlock()

	if !ok {
		if version == 0 {
			return []*Change{}, true
		}
		return nil, false
	}
	return entry.log.Since(version)
}

// RecentChanges returns up to `limit` committed changes, newest first.
func (self *VersionedStore) RecentChanges(resourceId string, limit int) []*Change {
	self.mutex.Lock()
	entry, ok := self.resources[resourceId]
	self.mutex.Unlock()

	if !ok {
		return []*Change{}
	}
	return entry.log.Recent(limit)
}

// WaitForVersion blocks until the resource reaches at least `version`.
// timeout < 0 blocks until ctx ends, timeout == 0 checks once, timeout > 0
// bounds the whole wait. returns the snapshot that satisfied the wait, or
// nil when the wait ended first.
func (self *VersionedStore) WaitForVersion(ctx context.Context, resourceId string, version int64, timeout time.Duration) *Resource {
	entry := self.openResource(resourceId)
	defer self.closeResource(resourceId)

	enterTime := time.Now()
	for {
		notify := entry.updateMonitor.NotifyChannel()

		snapshot := entry.snapshot()
		if version <= snapshot.Version {
			return snapshot
		}

		if timeout < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-self.ctx.Done():
				return nil
			case <-notify:
			}
		} else {
			remainingTimeout := enterTime.Add(timeout).Sub(time.Now())
			if remainingTimeout <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-self.ctx.Done():
				return nil
			case <-notify:
			case <-time.After(remainingTimeout):
				return nil
			}
		}
	}
}

func (self *VersionedStore) ResourceIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	resourceIds := maps.Keys(self.resources)
	slices.Sort(resourceIds)
	return resourceIds
}

func (self *VersionedStore) Close() {
	self.cancel()
}

type resourceEntry struct {
	resourceId string

	// single writer lease. holding a slot in the channel is holding the lease.
	lease chan struct{}

	// guarded by the store mutex
	openCount int

	// written only under the lease. snapshot reads take stateMutex.
	stateMutex sync.Mutex
	version    int64
	data       Tree
	updatedAt  time.Time
	loaded     bool

	log *changeLog

	// notified on every version advance
	updateMonitor *Monitor
}

func newResourceEntry(resourceId string, logCapacity int) *resourceEntry {
	return &resourceEntry{
		resourceId:    resourceId,
		lease:         make(chan struct{}, 1),
		data:          Tree{},
		log:           newChangeLog(logCapacity),
		updateMonitor: NewMonitor(),
	}
}

// acquire takes the writer lease. timeout < 0 blocks until ctx ends,
// timeout == 0 tries once, timeout > 0 waits the bound.
func (self *resourceEntry) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout < 0 {
		select {
		case self.lease <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if timeout == 0 {
		select {
		case self.lease <- struct{}{}:
			return nil
		default:
			return &LockTimeoutError{
				ResourceId: self.resourceId,
				Timeout:    timeout,
			}
		}
	} else {
		select {
		case self.lease <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return &LockTimeoutError{
				ResourceId: self.resourceId,
				Timeout:    timeout,
			}
		}
	}
}

func (self *resourceEntry) release() {
	<-self.lease
}

func (self *resourceEntry) snapshot() *Resource {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return &Resource{
		ResourceId: self.resourceId,
		Version:    self.version,
		Data:       copyTree(self.data),
		UpdatedAt:  self.updatedAt,
	}
}

// discardable when nothing was ever committed or loaded into the entry
func (self *resourceEntry) discardable() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.version == 0 && self.log.Len() == 0
}

func (self *resourceEntry) ensureLoaded(ctx context.Context, persistence Persistence, timeout time.Duration) error {
	if persistence == nil {
		return nil
	}

	self.stateMutex.Lock()
	loaded := self.loaded
	self.stateMutex.Unlock()
	if loaded {
		return nil
	}

	if err := self.acquire(ctx, timeout); err != nil {
		return err
	}
	defer self.release()
	return self.loadLocked(ctx, persistence)
}

// loadLocked seeds the entry from persistence on first access.
// requires the lease. a load error is returned, not masked, so a reachable
// but failing backend cannot silently fork resource history.
func (self *resourceEntry) loadLocked(ctx context.Context, persistence Persistence) error {
	self.stateMutex.Lock()
	loaded := self.loaded
	self.stateMutex.Unlock()
	if loaded || persistence == nil {
		if !loaded {
			self.stateMutex.Lock()
			self.loaded = true
			self.stateMutex.Unlock()
		}
		return nil
	}

	resource, err := persistence.Load(ctx, self.resourceId)
	if err != nil {
		return err
	}

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if resource != nil {
		self.version = resource.Version
		self.data = copyTree(resource.Data)
		self.updatedAt = resource.UpdatedAt
	}
	self.loaded = true
	return nil
}

// ResourceLease is the view of one resource inside its writer critical
// section. it is only valid for the duration of the Update callback.
type ResourceLease struct {
	ctx   context.Context
	store *VersionedStore
	entry *resourceEntry
}

func (self *ResourceLease) ResourceId() string {
	return self.entry.resourceId
}

func (self *ResourceLease) Current() *Resource {
	return self.entry.snapshot()
}

// CommittedWithin returns committed changes inside the conflict window,
// newest first.
func (self *ResourceLease) CommittedWithin(window time.Duration, now time.Time) []*Change {
	return self.entry.log.RecentWithin(window, now)
}

func (self *ResourceLease) CommittedSince(version int64) ([]*Change, bool) {
	return self.entry.log.Since(version)
}

// Recent returns up to `limit` committed changes, newest first.
func (self *ResourceLease) Recent(limit int) []*Change {
	return self.entry.log.Recent(limit)
}

// Commit applies the change to the current tree and advances the version by
// one. the change must already be rebased so its base matches the current
// version. the committed change enters the log, and a configured persistence
// is told best-effort. the commit stands even when the save fails.
func (self *ResourceLease) Commit(change *Change) (*Resource, error) {
	current := self.entry.snapshot()
	if change.BaseVersion != current.Version {
		return nil, newValidationError(
			"commit base %d does not match version %d of %s",
			change.BaseVersion,
			current.Version,
			self.entry.resourceId,
		)
	}

	data, err := applyChangeToTree(current.Data, change)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if change.Timestamp.IsZero() {
		change.Timestamp = now
	}
	change.Version = current.Version + 1
	change.Status = ChangeStatusCommitted

	self.entry.stateMutex.Lock()
	self.entry.version = change.Version
	self.entry.data = data
	self.entry.updatedAt = now
	self.entry.stateMutex.Unlock()

	self.entry.log.Append(change)
	self.entry.updateMonitor.NotifyAll()

	committed := self.entry.snapshot()
	if self.store.persistence != nil {
		if err := self.store.persistence.Save(self.ctx, self.entry.resourceId, committed); err != nil {
			glog.Warningf("[store]save %s@%d err = %s\n", self.entry.resourceId, committed.Version, err)
		}
	}
	return committed, nil
}

// ApplyRemote applies a cluster message. the message is dropped unless its
// version is ahead of the local one, which makes redelivery and reordering
// safe. a contiguous version appends the carried change to the local log;
// a gap restarts the log window at the incoming version. the origin process
// already persisted the commit, so no save happens here.
func (self *ResourceLease) ApplyRemote(version int64, data Tree, change *Change, timestamp time.Time) (bool, *Resource) {
	current := self.entry.snapshot()
	if version <= current.Version {
		return false, current
	}

	self.entry.stateMutex.Lock()
	self.entry.version = version
	self.entry.data = copyTree(data)
	self.entry.updatedAt = timestamp
	self.entry.loaded = true
	self.entry.stateMutex.Unlock()

	if change != nil {
		change.Version = version
		change.Status = ChangeStatusCommitted
		self.entry.log.Append(change)
	}
	self.entry.updateMonitor.NotifyAll()
	return true, self.entry.snapshot()
}

func applyChangeToTree(data Tree, change *Change) (Tree, error) {
	switch change.Type {
	case ChangeTypeSet:
		return setKeys(data, change.Values), nil
	case ChangeTypePatch:
		return deepMerge(data, change.Values), nil
	case ChangeTypeDelete:
		return deletePaths(data, change.Paths), nil
	case ChangeTypeOpSequence:
		if err := ValidateOps(data, change.Ops); err != nil {
			return nil, err
		}
		return applyTreeOps(data, change.Ops)
	default:
		return nil, newValidationError("unknown change type %q", change.Type)
	}
}
