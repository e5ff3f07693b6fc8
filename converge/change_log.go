package converge

import (
	"sync"
	"time"
)

// DefaultChangeLogCapacity bounds the per-resource history window.
const DefaultChangeLogCapacity = 1000

// changeLog is a bounded ring of committed changes for one resource, ordered
// by the version each change produced. when full, the oldest entry is pruned,
// which narrows the replay window. clients behind the window take a full
// snapshot instead of a replay.
type changeLog struct {
	mutex sync.Mutex

	capacity int
	buffer   []*Change
	head     int
	count    int

	newestVersion int64
}

func newChangeLog(capacity int) *changeLog {
	if capacity <= 0 {
		capacity = DefaultChangeLogCapacity
	}
	return &changeLog{
		capacity: capacity,
		buffer:   make([]*Change, capacity),
	}
}

// Append records a committed change. a version at or below the newest is a
// replay and is dropped. a version gap means this process missed changes
// (cluster catch up via snapshot), so the window restarts at this change.
func (self *changeLog) Append(change *Change) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 0 < self.count {
		if change.Version <= self.newestVersion {
			return
		}
		if self.newestVersion+1 < change.Version {
			self.head = 0
			self.count = 0
		}
	}

	tail := (self.head + self.count) % self.capacity
	self.buffer[tail] = change
	if self.count == self.capacity {
		self.head = (self.head + 1) % self.capacity
	} else {
		self.count += 1
	}
	self.newestVersion = change.Version
}

// Since returns the committed changes with version greater than `version`,
// oldest first. ok is false when the window no longer reaches back that far,
// in which case the caller falls back to a full snapshot.
func (self *changeLog) Since(version int64) ([]*Change, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.newestVersion <= version {
		return []*Change{}, true
	}
	if self.count == 0 {
		return nil, false
	}

	oldest := self.buffer[self.head].Version
	if version < oldest-1 {
		return nil, false
	}

	changes := []*Change{}
	for i := 0; i < self.count; i += 1 {
		change := self.buffer[(self.head+i)%self.capacity]
		if version < change.Version {
			changes = append(changes, change)
		}
	}
	return changes, true
}

// RecentWithin returns the committed changes whose timestamps fall inside
// the window ending at `now`, newest first.
func (self *changeLog) RecentWithin(window time.Duration, now time.Time) []*Change {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	changes := []*Change{}
	for i := 0; i < self.count; i += 1 {
		change := self.buffer[(self.head+self.count-1-i)%self.capacity]
		if window < now.Sub(change.Timestamp) {
			break
		}
		changes = append(changes, change)
	}
	return changes
}

// Recent returns up to `limit` committed changes, newest first.
func (self *changeLog) Recent(limit int) []*Change {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.count < limit {
		limit = self.count
	}
	changes := make([]*Change, 0, limit)
	for i := 0; i < limit; i += 1 {
		changes = append(changes, self.buffer[(self.head+self.count-1-i)%self.capacity])
	}
	return changes
}

func (self *changeLog) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.count
}

func (self *changeLog) NewestVersion() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.newestVersion
}

func (self *changeLog) OldestVersion() (int64, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.count == 0 {
		return 0, false
	}
	return self.buffer[self.head].Version, true
}
