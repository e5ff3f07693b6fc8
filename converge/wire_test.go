package converge

import (
	"testing"
	"time"

	"github.com/commonstate/converge/protocol"

	"github.com/go-playground/assert/v2"
)

func TestWireTime(t *testing.T) {
	assert.Equal(t, int64(0), wireTime(time.Time{}))

	now := time.Now()
	assert.Equal(t, now.UnixMilli(), wireTime(now))
}

func TestCoreChange(t *testing.T) {
	clientId := NewId()
	now := time.Now()

	// the wire id is honored for correlation, the wire clientId is not
	changeId := NewId()
	wire := &protocol.Change{
		Id:          changeId.String(),
		Type:        "set",
		ClientId:    NewId().String(),
		BaseVersion: 3,
		Values:      map[string]any{"a": "b"},
	}
	change := coreChange(wire, "doc1", clientId, now)
	assert.Equal(t, changeId, change.ChangeId)
	assert.Equal(t, clientId, change.ClientId)
	assert.Equal(t, "doc1", change.ResourceId)
	assert.Equal(t, int64(3), change.BaseVersion)
	assert.Equal(t, ChangeStatusProposed, change.Status)
	assert.Equal(t, "b", change.Values["a"])

	// an unusable wire id gets a fresh one
	wire.Id = "garbage"
	change = coreChange(wire, "doc1", clientId, now)
	assert.NotEqual(t, Id{}, change.ChangeId)

	// the payload is copied, not aliased
	wire.Id = changeId.String()
	change = coreChange(wire, "doc1", clientId, now)
	wire.Values["a"] = "mutated"
	assert.Equal(t, "b", change.Values["a"])
}

func TestWireChangeRoundTrip(t *testing.T) {
	change := &Change{
		ChangeId:    NewId(),
		ResourceId:  "doc1",
		ClientId:    NewId(),
		BaseVersion: 2,
		Version:     3,
		Type:        ChangeTypeOpSequence,
		Status:      ChangeStatusCommitted,
		Ops: []Operation{
			Insert("text", 4, "hi"),
			Delete("text", 0, 2),
		},
		Timestamp: time.Now(),
	}

	wire := wireChange(change)
	assert.Equal(t, change.ChangeId.String(), wire.Id)
	assert.Equal(t, change.ClientId.String(), wire.ClientId)
	assert.Equal(t, change.Timestamp.UnixMilli(), wire.Timestamp)

	back := coreClusterChange(wire, "doc1")
	assert.Equal(t, change.ChangeId, back.ChangeId)
	assert.Equal(t, change.ClientId, back.ClientId)
	assert.Equal(t, int64(3), back.Version)
	assert.Equal(t, ChangeStatusCommitted, back.Status)
	assert.Equal(t, change.Ops, back.Ops)

	assert.Equal(t, coreClusterChange(nil, "doc1"), nil)
}
