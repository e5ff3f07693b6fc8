package converge

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChangeValidate(t *testing.T) {
	valid := &Change{
		ChangeId:   NewId(),
		ResourceId: "doc1",
		ClientId:   NewId(),
		Type:       ChangeTypeSet,
		Values:     Tree{"a": 1},
	}
	assert.Equal(t, valid.Validate(), nil)

	invalid := []*Change{
		{ResourceId: "", ClientId: NewId(), Type: ChangeTypeSet, Values: Tree{"a": 1}},
		{ResourceId: "doc1", Type: ChangeTypeSet, Values: Tree{"a": 1}},
		{ResourceId: "doc1", ClientId: NewId(), BaseVersion: -1, Type: ChangeTypeSet, Values: Tree{"a": 1}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeSet},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypePatch},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeDelete},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeDelete, Paths: []string{""}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeDelete, Paths: []string{"a..b"}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeDelete, Paths: []string{".a"}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeDelete, Paths: []string{"a."}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeOpSequence},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeOpSequence, Ops: []Operation{{Type: OpTypeInsert, Field: "text"}}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeOpSequence, Ops: []Operation{Insert("", 0, "x")}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeTypeOpSequence, Ops: []Operation{Delete("text", 0, 0)}},
		{ResourceId: "doc1", ClientId: NewId(), Type: ChangeType("rename"), Values: Tree{"a": 1}},
	}
	for i, change := range invalid {
		if err := change.Validate(); err == nil {
			t.Fatalf("change %d validated", i)
		}
	}

	// nested delete paths are fine
	nested := &Change{
		ChangeId:   NewId(),
		ResourceId: "doc1",
		ClientId:   NewId(),
		Type:       ChangeTypeDelete,
		Paths:      []string{"a.b.c"},
	}
	assert.Equal(t, nested.Validate(), nil)
}

func TestChangeTouchedKeys(t *testing.T) {
	set := &Change{Type: ChangeTypeSet, Values: Tree{"b": 1, "a": 2}}
	assert.Equal(t, []string{"a", "b"}, set.TouchedKeys())

	// nested paths and fields roll up to their top-level key
	del := &Change{Type: ChangeTypeDelete, Paths: []string{"x.y.z", "z", "x.other"}}
	assert.Equal(t, []string{"x", "z"}, del.TouchedKeys())

	ops := &Change{Type: ChangeTypeOpSequence, Ops: []Operation{
		Insert("text", 0, "a"),
		Insert("meta.title", 0, "b"),
	}}
	assert.Equal(t, []string{"meta", "text"}, ops.TouchedKeys())
}
