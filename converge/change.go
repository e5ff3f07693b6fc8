package converge

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the closed set of change variants. every switch over ChangeType carries a
// default arm that rejects unknown values, so new variants fail loudly at
// validation instead of silently falling through.
type ChangeType string

const (
	ChangeTypeSet        ChangeType = "set"
	ChangeTypePatch      ChangeType = "patch"
	ChangeTypeDelete     ChangeType = "delete"
	ChangeTypeOpSequence ChangeType = "op-sequence"
)

// lifecycle of a proposed change. proposed changes are transient and never
// persisted; only committed changes enter the change log.
type ChangeStatus string

const (
	ChangeStatusProposed           ChangeStatus = "proposed"
	ChangeStatusCommitted          ChangeStatus = "committed"
	ChangeStatusRejected           ChangeStatus = "rejected"
	ChangeStatusAwaitingUserChoice ChangeStatus = "awaiting-user-choice"
)

// a proposed mutation of one resource submitted by one client.
// exactly one payload group is set, matching `Type`:
// Values for set/patch, Paths for delete, Ops for op-sequence.
type Change struct {
	ChangeId    Id
	ResourceId  string
	ClientId    Id
	BaseVersion int64
	// the version this change produced. zero while proposed, set on commit.
	Version   int64
	Type      ChangeType
	Status    ChangeStatus
	Values    Tree
	Paths     []string
	Ops       []Operation
	Timestamp time.Time
}

func (self *Change) Validate() error {
	if self.ResourceId == "" {
		return newValidationError("missing resourceId")
	}
	if (self.ClientId == Id{}) {
		return newValidationError("missing clientId")
	}
	if self.BaseVersion < 0 {
		return newValidationError("baseVersion %d is negative", self.BaseVersion)
	}
	switch self.Type {
	case ChangeTypeSet, ChangeTypePatch:
		if len(self.Values) == 0 {
			return newValidationError("%s change has no values", self.Type)
		}
	case ChangeTypeDelete:
		if len(self.Paths) == 0 {
			return newValidationError("delete change has no paths")
		}
		for _, path := range self.Paths {
			if path == "" || strings.Contains(path, "..") || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
				return newValidationError("malformed delete path %q", path)
			}
		}
	case ChangeTypeOpSequence:
		if len(self.Ops) == 0 {
			return newValidationError("op-sequence change has no operations")
		}
		for i := range self.Ops {
			if err := self.Ops[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return newValidationError("unknown change type %q", self.Type)
	}
	return nil
}

// the top-level keys this change reads or writes.
// used by field conflict detection to find overlapping concurrent edits.
func (self *Change) TouchedKeys() []string {
	keySet := map[string]bool{}
	switch self.Type {
	case ChangeTypeSet, ChangeTypePatch:
		for key := range self.Values {
			keySet[key] = true
		}
	case ChangeTypeDelete:
		for _, path := range self.Paths {
			keySet[topLevelKey(path)] = true
		}
	case ChangeTypeOpSequence:
		for i := range self.Ops {
			keySet[topLevelKey(self.Ops[i].Field)] = true
		}
	}
	keys := maps.Keys(keySet)
	slices.Sort(keys)
	return keys
}

func topLevelKey(path string) string {
	if i := strings.IndexByte(path, '.'); 0 <= i {
		return path[:i]
	}
	return path
}

// a copy rebased onto `version`. the payload is shared, not copied, because
// committed changes are immutable once appended to the log.
func (self *Change) rebase(version int64) *Change {
	rebased := *self
	rebased.BaseVersion = version
	return &rebased
}

func (self *Change) withOps(ops []Operation) *Change {
	next := *self
	next.Ops = ops
	return &next
}
