package converge

import (
	"time"

	"golang.org/x/exp/slices"
)

type ConflictType string

const (
	ConflictTypeVersion ConflictType = "version_conflict"
	ConflictTypeField   ConflictType = "field_conflict"
)

// Conflict describes why a proposed change cannot commit as proposed.
type Conflict struct {
	Type       ConflictType
	ResourceId string
	// the incoming change, still unmodified
	Change *Change
	// the version the incoming change was written against
	ExpectedVersion int64
	// the version the resource is actually at
	CurrentVersion int64
	// committed changes the incoming change collides with, oldest first
	Competing []*Change
	// overlapping top-level keys, set for field conflicts
	Fields []string
}

type ConflictDetectorSettings struct {
	// how long a committed change from another client counts as concurrent
	// with an incoming change
	ConflictWindow time.Duration
}

func DefaultConflictDetectorSettings() *ConflictDetectorSettings {
	return &ConflictDetectorSettings{
		ConflictWindow: 5 * time.Second,
	}
}

type ConflictDetector struct {
	settings *ConflictDetectorSettings
}

func NewConflictDetectorWithDefaults() *ConflictDetector {
	return NewConflictDetector(DefaultConflictDetectorSettings())
}

func NewConflictDetector(settings *ConflictDetectorSettings) *ConflictDetector {
	return &ConflictDetector{
		settings: settings,
	}
}

func (self *ConflictDetector) ConflictWindow() time.Duration {
	return self.settings.ConflictWindow
}

// Detect compares an incoming change against the current snapshot and the
// retained history. `committed` is the committed changes since the incoming
// base when the log still covers them, otherwise the recent window. returns
// nil when the change can commit as proposed.
//
// runs inside the resource critical section, so the snapshot cannot move
// underneath the check. a base ahead of the current version is a validation
// failure handled before detection, never a conflict.
func (self *ConflictDetector) Detect(change *Change, current *Resource, committed []*Change, now time.Time) *Conflict {
	if change.BaseVersion < current.Version {
		competing := []*Change{}
		for _, other := range committed {
			if change.BaseVersion < other.Version {
				competing = append(competing, other)
			}
		}
		sortByVersion(competing)
		return &Conflict{
			Type:            ConflictTypeVersion,
			ResourceId:      change.ResourceId,
			Change:          change,
			ExpectedVersion: change.BaseVersion,
			CurrentVersion:  current.Version,
			Competing:       competing,
		}
	}

	// base matches. look for another client's committed change inside the
	// conflict window touching the same top-level keys.
	keys := change.TouchedKeys()
	competing := []*Change{}
	fieldSet := map[string]bool{}
	for _, other := range committed {
		if other.ClientId == change.ClientId {
			continue
		}
		if self.settings.ConflictWindow < now.Sub(other.Timestamp) {
			continue
		}
		overlap := intersectKeys(keys, other.TouchedKeys())
		if 0 < len(overlap) {
			competing = append(competing, other)
			for _, key := range overlap {
				fieldSet[key] = true
			}
		}
	}
	if 0 < len(competing) {
		fields := make([]string, 0, len(fieldSet))
		for key := range fieldSet {
			fields = append(fields, key)
		}
		slices.Sort(fields)
		sortByVersion(competing)
		return &Conflict{
			Type:            ConflictTypeField,
			ResourceId:      change.ResourceId,
			Change:          change,
			ExpectedVersion: change.BaseVersion,
			CurrentVersion:  current.Version,
			Competing:       competing,
			Fields:          fields,
		}
	}

	return nil
}

func sortByVersion(changes []*Change) {
	slices.SortFunc(changes, func(a *Change, b *Change) int {
		if a.Version < b.Version {
			return -1
		} else if b.Version < a.Version {
			return 1
		}
		return 0
	})
}

func intersectKeys(a []string, b []string) []string {
	out := []string{}
	for _, key := range a {
		if slices.Contains(b, key) {
			out = append(out, key)
		}
	}
	return out
}
