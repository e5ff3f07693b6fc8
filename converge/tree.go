package converge

import (
	"strings"
)

// the semantic tree for resource data: maps, arrays, and scalars, shaped
// like decoded JSON. all operations are copy-on-write so committed snapshots
// never alias live store state.
type Tree = map[string]any

func copyTree(tree Tree) Tree {
	if tree == nil {
		return Tree{}
	}
	out := make(Tree, len(tree))
	for key, value := range tree {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// replaces the named top-level keys
func setKeys(tree Tree, values Tree) Tree {
	out := copyTree(tree)
	for key, value := range values {
		out[key] = copyValue(value)
	}
	return out
}

// deep-merges maps recursively. arrays and scalars are replaced wholesale,
// never merged. this is the one merge rule for the whole engine.
func deepMerge(tree Tree, values Tree) Tree {
	out := copyTree(tree)
	for key, value := range values {
		existing, ok := out[key]
		existingMap, existingIsMap := existing.(map[string]any)
		valueMap, valueIsMap := value.(map[string]any)
		if ok && existingIsMap && valueIsMap {
			out[key] = deepMerge(existingMap, valueMap)
		} else {
			out[key] = copyValue(value)
		}
	}
	return out
}

// removes the keys named by dotted paths. a missing path is a no-op.
// emptied parent maps are left in place.
func deletePaths(tree Tree, paths []string) Tree {
	out := copyTree(tree)
	for _, path := range paths {
		deletePath(out, strings.Split(path, "."))
	}
	return out
}

func deletePath(tree map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	if len(segments) == 1 {
		delete(tree, segments[0])
		return
	}
	child, ok := tree[segments[0]].(map[string]any)
	if !ok {
		return
	}
	deletePath(child, segments[1:])
}

// resolves a dotted path to its value
func getPath(tree Tree, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(tree)
	for _, segment := range segments {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = currentMap[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// writes a value at a dotted path, creating intermediate maps
func setPath(tree Tree, path string, value any) {
	segments := strings.Split(path, ".")
	current := map[string]any(tree)
	for _, segment := range segments[:len(segments)-1] {
		child, ok := current[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			current[segment] = child
		}
		current = child
	}
	current[segments[len(segments)-1]] = value
}

// the string value at a dotted path, or empty when absent or not a string
func stringAtPath(tree Tree, path string) (string, bool) {
	value, ok := getPath(tree, path)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}
