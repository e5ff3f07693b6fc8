package converge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func commitSet(t *testing.T, store *VersionedStore, resourceId string, baseVersion int64, values Tree) *Resource {
	var committed *Resource
	err := store.Update(context.Background(), resourceId, func(lease *ResourceLease) error {
		resource, err := lease.Commit(&Change{
			ChangeId:    NewId(),
			ResourceId:  resourceId,
			ClientId:    NewId(),
			BaseVersion: baseVersion,
			Type:        ChangeTypeSet,
			Values:      values,
		})
		committed = resource
		return err
	})
	assert.Equal(t, err, nil)
	return committed
}

func TestStoreCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	committed := commitSet(t, store, "settings", 0, Tree{"a": 1, "b": 2})
	assert.Equal(t, int64(1), committed.Version)

	// a patch against the current version deep-merges
	err := store.Update(ctx, "settings", func(lease *ResourceLease) error {
		_, err := lease.Commit(&Change{
			ChangeId:    NewId(),
			ResourceId:  "settings",
			ClientId:    NewId(),
			BaseVersion: 1,
			Type:        ChangeTypePatch,
			Values:      Tree{"b": 3},
		})
		return err
	})
	assert.Equal(t, err, nil)

	resource, err := store.Get(ctx, "settings")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(2), resource.Version)
	assert.Equal(t, Tree{"a": 1, "b": 3}, resource.Data)

	// snapshots never alias store state
	resource.Data["a"] = 100
	again, err := store.Get(ctx, "settings")
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, again.Data["a"])
}

func TestStoreCommitBaseMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	commitSet(t, store, "doc1", 0, Tree{"text": "hello"})

	err := store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		_, err := lease.Commit(&Change{
			ChangeId:    NewId(),
			ResourceId:  "doc1",
			ClientId:    NewId(),
			BaseVersion: 0,
			Type:        ChangeTypeSet,
			Values:      Tree{"text": "stale"},
		})
		return err
	})
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))

	resource, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), resource.Version)
	assert.Equal(t, "hello", resource.Data["text"])
}

func TestStoreUnknownResource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	// an unknown resource reads as an empty tree at version 0 and does not
	// come into existence from the read
	resource, err := store.Get(ctx, "nothing")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(0), resource.Version)
	assert.Equal(t, Tree{}, resource.Data)
	assert.Equal(t, 0, len(store.ResourceIds()))

	changes, ok := store.ChangesSince("nothing", 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(changes))
}

// any snapshot plus the retained changes after it reproduces the current
// state exactly
func TestStoreReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	commitSet(t, store, "doc1", 0, Tree{"text": "a", "n": 1})
	commitSet(t, store, "doc1", 1, Tree{"text": "ab"})

	atVersion2, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)

	err = store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		if _, err := lease.Commit(&Change{
			ChangeId:    NewId(),
			ResourceId:  "doc1",
			ClientId:    NewId(),
			BaseVersion: 2,
			Type:        ChangeTypePatch,
			Values:      Tree{"meta": Tree{"rev": 3}},
		}); err != nil {
			return err
		}
		current := lease.Current()
		_, err := lease.Commit(&Change{
			ChangeId:    NewId(),
			ResourceId:  "doc1",
			ClientId:    NewId(),
			BaseVersion: current.Version,
			Type:        ChangeTypeDelete,
			Paths:       []string{"n"},
		})
		return err
	})
	assert.Equal(t, err, nil)

	changes, ok := store.ChangesSince("doc1", atVersion2.Version)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, len(changes))

	replayed := atVersion2.Data
	for _, change := range changes {
		replayed, err = applyChangeToTree(replayed, change)
		assert.Equal(t, err, nil)
	}

	current, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(4), current.Version)
	assert.Equal(t, current.Data, replayed)
}

func TestStoreMonotonicVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	n := 8
	m := 25

	errs := make(chan error, n*m)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < m; j += 1 {
				err := store.Update(ctx, "doc1", func(lease *ResourceLease) error {
					current := lease.Current()
					_, err := lease.Commit(&Change{
						ChangeId:    NewId(),
						ResourceId:  "doc1",
						ClientId:    NewId(),
						BaseVersion: current.Version,
						Type:        ChangeTypeSet,
						Values:      Tree{fmt.Sprintf("w%d", i): j},
					})
					return err
				})
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Equal(t, err, nil)
	}

	resource, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(n*m), resource.Version)

	// one log entry per version, contiguous
	changes, ok := store.ChangesSince("doc1", 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, n*m, len(changes))
	for i, change := range changes {
		assert.Equal(t, int64(i+1), change.Version)
	}
}

func TestStoreParallelResources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	n := 10
	m := 20

	errs := make(chan error, n*m)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resourceId := fmt.Sprintf("doc%d", i)
			for j := 0; j < m; j += 1 {
				err := store.Update(ctx, resourceId, func(lease *ResourceLease) error {
					current := lease.Current()
					_, err := lease.Commit(&Change{
						ChangeId:    NewId(),
						ResourceId:  resourceId,
						ClientId:    NewId(),
						BaseVersion: current.Version,
						Type:        ChangeTypeSet,
						Values:      Tree{"j": j},
					})
					return err
				})
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, n, len(store.ResourceIds()))
	for i := 0; i < n; i += 1 {
		resource, err := store.Get(ctx, fmt.Sprintf("doc%d", i))
		assert.Equal(t, err, nil)
		assert.Equal(t, int64(m), resource.Version)
	}
}

func TestStoreLockTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStore(ctx, nil, &StoreSettings{
		ChangeLogCapacity: DefaultChangeLogCapacity,
		LockTimeout:       50 * time.Millisecond,
	})
	defer store.Close()

	holding := make(chan struct{})
	done := make(chan struct{})
	release := make(chan struct{})

	go func() {
		defer close(done)
		store.Update(ctx, "doc1", func(lease *ResourceLease) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		return nil
	})
	var lockErr *LockTimeoutError
	assert.Equal(t, true, errors.As(err, &lockErr))
	assert.Equal(t, "doc1", lockErr.ResourceId)

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.FailNow()
	}

	// the lease is free again
	err = store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		return nil
	})
	assert.Equal(t, err, nil)
}

func TestStoreWaitForVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	commitSet(t, store, "doc1", 0, Tree{"text": "a"})

	// already satisfied
	resource := store.WaitForVersion(ctx, "doc1", 1, 0)
	assert.NotEqual(t, resource, nil)
	assert.Equal(t, int64(1), resource.Version)

	// not satisfied, check once
	resource = store.WaitForVersion(ctx, "doc1", 2, 0)
	assert.Equal(t, resource, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Update(ctx, "doc1", func(lease *ResourceLease) error {
			_, err := lease.Commit(&Change{
				ChangeId:    NewId(),
				ResourceId:  "doc1",
				ClientId:    NewId(),
				BaseVersion: 1,
				Type:        ChangeTypeSet,
				Values:      Tree{"text": "ab"},
			})
			return err
		})
	}()

	resource = store.WaitForVersion(ctx, "doc1", 2, 5*time.Second)
	assert.NotEqual(t, resource, nil)
	assert.Equal(t, int64(2), resource.Version)

	// bounded wait for a version that never comes
	resource = store.WaitForVersion(ctx, "doc1", 100, 50*time.Millisecond)
	assert.Equal(t, resource, nil)
}

func TestStoreApplyRemoteIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewVersionedStoreWithDefaults(ctx)
	defer store.Close()

	commitSet(t, store, "doc1", 0, Tree{"text": "a"})

	remoteData := Tree{"text": "ab"}
	remoteChange := func() *Change {
		return &Change{
			ChangeId:    NewId(),
			ResourceId:  "doc1",
			ClientId:    NewId(),
			BaseVersion: 1,
			Version:     2,
			Type:        ChangeTypeSet,
			Values:      Tree{"text": "ab"},
			Status:      ChangeStatusCommitted,
			Timestamp:   time.Now(),
		}
	}

	err := store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		applied, resource := lease.ApplyRemote(2, remoteData, remoteChange(), time.Now())
		assert.Equal(t, true, applied)
		assert.Equal(t, int64(2), resource.Version)
		return nil
	})
	assert.Equal(t, err, nil)

	// the same message delivered again changes nothing
	err = store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		applied, resource := lease.ApplyRemote(2, remoteData, remoteChange(), time.Now())
		assert.Equal(t, false, applied)
		assert.Equal(t, int64(2), resource.Version)
		return nil
	})
	assert.Equal(t, err, nil)

	resource, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(2), resource.Version)
	changes, ok := store.ChangesSince("doc1", 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, len(changes))

	// a version gap restarts the log window at the incoming version
	err = store.Update(ctx, "doc1", func(lease *ResourceLease) error {
		applied, resource := lease.ApplyRemote(7, Tree{"text": "far"}, remoteChange(), time.Now())
		assert.Equal(t, true, applied)
		assert.Equal(t, int64(7), resource.Version)
		return nil
	})
	assert.Equal(t, err, nil)

	_, ok = store.ChangesSince("doc1", 1)
	assert.Equal(t, false, ok)
	changes, ok = store.ChangesSince("doc1", 6)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(changes))
}

type memoryPersistence struct {
	mutex sync.Mutex

	resources map[string]*Resource
	saveCount int
	loadErr   error
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{
		resources: map[string]*Resource{},
	}
}

func (self *memoryPersistence) Save(ctx context.Context, resourceId string, resource *Resource) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.resources[resourceId] = resource
	self.saveCount += 1
	return nil
}

func (self *memoryPersistence) Load(ctx context.Context, resourceId string) (*Resource, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.loadErr != nil {
		return nil, self.loadErr
	}
	return self.resources[resourceId], nil
}

func TestStorePersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persistence := newMemoryPersistence()
	persistence.resources["doc1"] = &Resource{
		ResourceId: "doc1",
		Version:    5,
		Data:       Tree{"text": "seeded"},
		UpdatedAt:  time.Now(),
	}

	store := NewVersionedStore(ctx, persistence, DefaultStoreSettings())
	defer store.Close()

	// first access seeds from persistence
	resource, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(5), resource.Version)
	assert.Equal(t, "seeded", resource.Data["text"])

	// commits save through
	commitSet(t, store, "doc1", 5, Tree{"text": "edited"})
	assert.Equal(t, 1, persistence.saveCount)
	assert.Equal(t, int64(6), persistence.resources["doc1"].Version)

	// a failing backend surfaces instead of forking history
	persistence.loadErr = errors.New("backend down")
	err = store.Update(ctx, "doc2", func(lease *ResourceLease) error {
		return nil
	})
	assert.NotEqual(t, err, nil)
	_, err = store.Get(ctx, "doc2")
	assert.NotEqual(t, err, nil)
}
