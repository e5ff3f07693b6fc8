package converge

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testChange(version int64, timestamp time.Time) *Change {
	return &Change{
		ChangeId:   NewId(),
		ResourceId: "r1",
		ClientId:   NewId(),
		Type:       ChangeTypeSet,
		Values: Tree{
			"v": version,
		},
		Version:   version,
		Status:    ChangeStatusCommitted,
		Timestamp: timestamp,
	}
}

func TestChangeLogSince(t *testing.T) {
	log := newChangeLog(10)
	now := time.Now()

	changes, ok := log.Since(0)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(changes))

	for version := int64(1); version <= 5; version += 1 {
		log.Append(testChange(version, now))
	}

	changes, ok = log.Since(0)
	assert.Equal(t, true, ok)
	assert.Equal(t, 5, len(changes))
	// oldest first
	assert.Equal(t, int64(1), changes[0].Version)
	assert.Equal(t, int64(5), changes[4].Version)

	changes, ok = log.Since(3)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, int64(4), changes[0].Version)
	assert.Equal(t, int64(5), changes[1].Version)

	changes, ok = log.Since(5)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(changes))
}

func TestChangeLogPruning(t *testing.T) {
	log := newChangeLog(3)
	now := time.Now()

	for version := int64(1); version <= 5; version += 1 {
		log.Append(testChange(version, now))
	}
	assert.Equal(t, 3, log.Len())

	oldest, ok := log.OldestVersion()
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(3), oldest)

	// the window still covers a client at version 2: every change after 2
	// is retained
	changes, ok := log.Since(2)
	assert.Equal(t, true, ok)
	assert.Equal(t, 3, len(changes))
	assert.Equal(t, int64(3), changes[0].Version)

	// a client at version 1 is behind the window and needs a snapshot
	_, ok = log.Since(1)
	assert.Equal(t, false, ok)
}

func TestChangeLogReplayDropped(t *testing.T) {
	log := newChangeLog(10)
	now := time.Now()

	for version := int64(1); version <= 3; version += 1 {
		log.Append(testChange(version, now))
	}

	// a replayed version changes nothing
	log.Append(testChange(2, now))
	log.Append(testChange(3, now))
	assert.Equal(t, 3, log.Len())
	assert.Equal(t, int64(3), log.NewestVersion())

	changes, ok := log.Since(0)
	assert.Equal(t, true, ok)
	assert.Equal(t, 3, len(changes))
}

func TestChangeLogGapResetsWindow(t *testing.T) {
	log := newChangeLog(10)
	now := time.Now()

	log.Append(testChange(1, now))
	log.Append(testChange(2, now))

	// versions 3..6 were missed. the window restarts at 7.
	log.Append(testChange(7, now))
	assert.Equal(t, 1, log.Len())
	assert.Equal(t, int64(7), log.NewestVersion())

	changes, ok := log.Since(6)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, int64(7), changes[0].Version)

	_, ok = log.Since(2)
	assert.Equal(t, false, ok)
}

func TestChangeLogRecentWithin(t *testing.T) {
	log := newChangeLog(10)
	now := time.Now()

	log.Append(testChange(1, now.Add(-10*time.Second)))
	log.Append(testChange(2, now.Add(-3*time.Second)))
	log.Append(testChange(3, now.Add(-1*time.Second)))

	changes := log.RecentWithin(5*time.Second, now)
	// newest first, stopping at the first change outside the window
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, int64(3), changes[0].Version)
	assert.Equal(t, int64(2), changes[1].Version)

	changes = log.RecentWithin(30*time.Second, now)
	assert.Equal(t, 3, len(changes))
}

func TestChangeLogRecent(t *testing.T) {
	log := newChangeLog(10)
	now := time.Now()

	for version := int64(1); version <= 5; version += 1 {
		log.Append(testChange(version, now))
	}

	changes := log.Recent(2)
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, int64(5), changes[0].Version)
	assert.Equal(t, int64(4), changes[1].Version)

	changes = log.Recent(100)
	assert.Equal(t, 5, len(changes))
}
