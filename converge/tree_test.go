package converge

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCopyTree(t *testing.T) {
	tree := Tree{
		"a": 1,
		"nested": Tree{
			"b": "x",
			"list": []any{
				1,
				Tree{"c": 2},
			},
		},
	}

	out := copyTree(tree)
	assert.Equal(t, tree, out)

	// mutations of the copy never reach the original
	out["a"] = 2
	out["nested"].(map[string]any)["b"] = "y"
	out["nested"].(map[string]any)["list"].([]any)[1].(map[string]any)["c"] = 3

	assert.Equal(t, 1, tree["a"])
	assert.Equal(t, "x", tree["nested"].(map[string]any)["b"])
	assert.Equal(t, 2, tree["nested"].(map[string]any)["list"].([]any)[1].(map[string]any)["c"])

	assert.Equal(t, Tree{}, copyTree(nil))
}

func TestSetKeys(t *testing.T) {
	tree := Tree{
		"a": 1,
		"b": Tree{
			"x": 1,
			"y": 2,
		},
	}

	// set replaces the named keys wholesale. the nested map under b is
	// not merged.
	out := setKeys(tree, Tree{
		"b": Tree{
			"x": 9,
		},
		"c": 3,
	})

	assert.Equal(t, 1, out["a"])
	assert.Equal(t, Tree{"x": 9}, out["b"])
	assert.Equal(t, 3, out["c"])

	// the original is untouched
	assert.Equal(t, Tree{"x": 1, "y": 2}, tree["b"])
}

func TestDeepMerge(t *testing.T) {
	tree := Tree{
		"a": 1,
		"nested": Tree{
			"x": 1,
			"y": 2,
		},
		"list": []any{1, 2, 3},
	}

	out := deepMerge(tree, Tree{
		"nested": Tree{
			"y": 20,
			"z": 30,
		},
		"list": []any{4},
		"b":    2,
	})

	// maps merge recursively
	assert.Equal(t, Tree{"x": 1, "y": 20, "z": 30}, out["nested"])
	// arrays are replaced wholesale, never merged
	assert.Equal(t, []any{4}, out["list"])
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])

	// a scalar replaces a map and a map replaces a scalar
	out = deepMerge(Tree{"v": Tree{"x": 1}}, Tree{"v": 5})
	assert.Equal(t, 5, out["v"])
	out = deepMerge(Tree{"v": 5}, Tree{"v": Tree{"x": 1}})
	assert.Equal(t, Tree{"x": 1}, out["v"])
}

func TestDeletePaths(t *testing.T) {
	tree := Tree{
		"a": 1,
		"nested": Tree{
			"x": 1,
			"y": 2,
		},
	}

	out := deletePaths(tree, []string{"a", "nested.x", "missing", "nested.gone.deeper"})

	_, ok := out["a"]
	assert.Equal(t, false, ok)
	assert.Equal(t, Tree{"y": 2}, out["nested"])

	// the original is untouched
	assert.Equal(t, 1, tree["a"])
}

func TestPaths(t *testing.T) {
	tree := Tree{
		"doc": Tree{
			"meta": Tree{
				"title": "hello",
			},
		},
	}

	value, ok := getPath(tree, "doc.meta.title")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", value)

	_, ok = getPath(tree, "doc.meta.missing")
	assert.Equal(t, false, ok)
	_, ok = getPath(tree, "doc.meta.title.deeper")
	assert.Equal(t, false, ok)

	text, ok := stringAtPath(tree, "doc.meta.title")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", text)
	_, ok = stringAtPath(tree, "doc.meta")
	assert.Equal(t, false, ok)

	setPath(tree, "doc.meta.title", "goodbye")
	text, _ = stringAtPath(tree, "doc.meta.title")
	assert.Equal(t, "goodbye", text)

	// intermediate maps are created on demand
	setPath(tree, "doc.body.text", "content")
	text, ok = stringAtPath(tree, "doc.body.text")
	assert.Equal(t, true, ok)
	assert.Equal(t, "content", text)
}
