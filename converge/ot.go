package converge

import (
	"fmt"

	"golang.org/x/exp/slices"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// operational transform over text fields of a resource.
// all functions here are pure. positions are byte offsets into the current
// document; operations in a sequence apply in order, each against the result
// of the previous one.

type OpType string

const (
	OpTypeInsert OpType = "insert"
	OpTypeDelete OpType = "delete"
	OpTypeRetain OpType = "retain"
)

type Operation struct {
	Type     OpType `json:"type"`
	Field    string `json:"field"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(field string, position int, text string) Operation {
	return Operation{
		Type:     OpTypeInsert,
		Field:    field,
		Position: position,
		Text:     text,
	}
}

func Delete(field string, position int, length int) Operation {
	return Operation{
		Type:     OpTypeDelete,
		Field:    field,
		Position: position,
		Length:   length,
	}
}

func Retain(field string, position int, length int) Operation {
	return Operation{
		Type:     OpTypeRetain,
		Field:    field,
		Position: position,
		Length:   length,
	}
}

func (self *Operation) Validate() error {
	if self.Field == "" {
		return newValidationError("operation has no field")
	}
	if self.Position < 0 {
		return newValidationError("operation position %d is negative", self.Position)
	}
	switch self.Type {
	case OpTypeInsert:
		if self.Text == "" {
			return newValidationError("insert operation has no text")
		}
	case OpTypeDelete, OpTypeRetain:
		if self.Length <= 0 {
			return newValidationError("%s operation has non-positive length", self.Type)
		}
	default:
		return newValidationError("unknown operation type %q", self.Type)
	}
	return nil
}

// a transform can collapse an operation to nothing, e.g. an insert that
// landed inside a concurrently deleted span
func (self *Operation) isNoop() bool {
	switch self.Type {
	case OpTypeInsert:
		return self.Text == ""
	case OpTypeDelete:
		return self.Length == 0
	default:
		return true
	}
}

func (self *Operation) span() (int, int) {
	return self.Position, self.Position + self.Length
}

// Transform adjusts two operations made concurrently against the same
// document so that
//
//	apply(apply(doc, a), b') == apply(apply(doc, b), a')
//
// for every document both operations are valid on. `aHasPriority` is the
// deterministic tie token for same-position inserts, identical on every
// replica: commit order where one exists, otherwise the lexicographically
// smaller client id wins.
//
// shift rules: the operation that logically precedes shifts the other's
// position or length by its own length. an insert strictly inside a
// concurrent delete span is absorbed by it: the insert collapses to a no-op
// and the delete grows by the inserted length. overlapping deletes shrink
// both by the overlap.
func Transform(a Operation, b Operation, aHasPriority bool) (Operation, Operation) {
	if a.Field != b.Field {
		return a, b
	}
	if a.isNoop() || b.isNoop() || a.Type == OpTypeRetain || b.Type == OpTypeRetain {
		return a, b
	}

	switch {
	case a.Type == OpTypeInsert && b.Type == OpTypeInsert:
		return transformInsertInsert(a, b, aHasPriority)
	case a.Type == OpTypeInsert && b.Type == OpTypeDelete:
		aOut, bOut := transformInsertDelete(a, b)
		return aOut, bOut
	case a.Type == OpTypeDelete && b.Type == OpTypeInsert:
		bOut, aOut := transformInsertDelete(b, a)
		return aOut, bOut
	default:
		return transformDeleteDelete(a, b)
	}
}

func transformInsertInsert(a Operation, b Operation, aHasPriority bool) (Operation, Operation) {
	if a.Position < b.Position || (a.Position == b.Position && aHasPriority) {
		b.Position += len(a.Text)
	} else {
		a.Position += len(b.Text)
	}
	return a, b
}

// ins is the insert, del the concurrent delete. returns (ins', del').
func transformInsertDelete(ins Operation, del Operation) (Operation, Operation) {
	start, end := del.span()
	switch {
	case ins.Position <= start:
		// insert before the deleted span. the span shifts right.
		del.Position += len(ins.Text)
	case end <= ins.Position:
		// insert after the deleted span. the insert shifts left.
		ins.Position -= del.Length
	default:
		// insert strictly inside the deleted span. the delete absorbs it.
		del.Length += len(ins.Text)
		ins.Text = ""
	}
	return ins, del
}

func transformDeleteDelete(a Operation, b Operation) (Operation, Operation) {
	aStart, aEnd := a.span()
	bStart, bEnd := b.span()

	overlap := min(aEnd, bEnd) - max(aStart, bStart)
	if overlap < 0 {
		overlap = 0
	}

	// chars the other delete removes strictly before this start
	aShift := clamp(min(aStart, bEnd)-bStart, 0, b.Length)
	bShift := clamp(min(bStart, aEnd)-aStart, 0, a.Length)

	a.Position = aStart - aShift
	a.Length -= overlap
	b.Position = bStart - bShift
	b.Length -= overlap
	return a, b
}

func clamp(v int, lo int, hi int) int {
	if v < lo {
		return lo
	}
	if hi < v {
		return hi
	}
	return v
}

// TransformOps rebases a sequential operation list past a concurrent
// committed list branching from the same base document. only the rebased
// incoming list is returned; the committed list is already applied and never
// re-applied.
func TransformOps(ops []Operation, committed []Operation, opsHavePriority bool) []Operation {
	out := slices.Clone(ops)
	for _, other := range committed {
		next := make([]Operation, 0, len(out))
		cur := other
		for _, op := range out {
			opOut, curOut := Transform(op, cur, opsHavePriority)
			if !opOut.isNoop() {
				next = append(next, opOut)
			}
			cur = curOut
		}
		out = next
	}
	return out
}

// Apply runs one operation against a document. the caller validates bounds
// before commit with `ValidateOps`; a range that exceeds the document here is
// a caller error.
func Apply(document string, op Operation) (string, error) {
	switch op.Type {
	case OpTypeInsert:
		if op.Position < 0 || len(document) < op.Position {
			return "", fmt.Errorf("Insert position %d outside document of length %d.", op.Position, len(document))
		}
		return document[:op.Position] + op.Text + document[op.Position:], nil
	case OpTypeDelete:
		if op.Position < 0 || len(document) < op.Position+op.Length {
			return "", fmt.Errorf("Delete range [%d,%d) outside document of length %d.", op.Position, op.Position+op.Length, len(document))
		}
		return document[:op.Position] + document[op.Position+op.Length:], nil
	case OpTypeRetain:
		if op.Position < 0 || len(document) < op.Position+op.Length {
			return "", fmt.Errorf("Retain range [%d,%d) outside document of length %d.", op.Position, op.Position+op.Length, len(document))
		}
		return document, nil
	default:
		return "", fmt.Errorf("Unknown operation type %q.", op.Type)
	}
}

// ApplyOps runs a sequence in order against one document.
func ApplyOps(document string, ops []Operation) (string, error) {
	out := document
	var err error
	for i := range ops {
		out, err = Apply(out, ops[i])
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

// ValidateOps checks a sequence against the current field values of a tree
// without mutating anything, so out-of-bounds operations are rejected before
// any of the sequence commits.
func ValidateOps(tree Tree, ops []Operation) error {
	texts := map[string]string{}
	for i := range ops {
		op := &ops[i]
		text, ok := texts[op.Field]
		if !ok {
			text, _ = stringAtPath(tree, op.Field)
		}
		next, err := Apply(text, *op)
		if err != nil {
			return newValidationError("%s", err)
		}
		texts[op.Field] = next
	}
	return nil
}

// applyTreeOps applies a sequence to the string fields it names and returns
// the updated tree.
func applyTreeOps(tree Tree, ops []Operation) (Tree, error) {
	out := copyTree(tree)
	for i := range ops {
		op := &ops[i]
		text, _ := stringAtPath(out, op.Field)
		next, err := Apply(text, *op)
		if err != nil {
			return nil, err
		}
		setPath(out, op.Field, next)
	}
	return out, nil
}

// Compose collapses two sequential operations into fewer operations for
// transmission efficiency. operations that do not collapse are returned
// unchanged, in order.
func Compose(op1 Operation, op2 Operation) []Operation {
	if op1.isNoop() {
		if op2.isNoop() {
			return []Operation{}
		}
		return []Operation{op2}
	}
	if op2.isNoop() {
		return []Operation{op1}
	}
	if op1.Field != op2.Field {
		return []Operation{op1, op2}
	}

	switch {
	case op1.Type == OpTypeInsert && op2.Type == OpTypeInsert:
		// second insert lands inside or at the edges of the first
		if op1.Position <= op2.Position && op2.Position <= op1.Position+len(op1.Text) {
			k := op2.Position - op1.Position
			op1.Text = op1.Text[:k] + op2.Text + op1.Text[k:]
			return []Operation{op1}
		}
	case op1.Type == OpTypeDelete && op2.Type == OpTypeDelete:
		// second delete touches the splice point of the first
		if op2.Position <= op1.Position && op1.Position <= op2.Position+op2.Length {
			op1.Position = min(op1.Position, op2.Position)
			op1.Length += op2.Length
			return []Operation{op1}
		}
	case op1.Type == OpTypeInsert && op2.Type == OpTypeDelete:
		// delete entirely within the inserted text shrinks the insert
		k := op2.Position - op1.Position
		if 0 <= k && k+op2.Length <= len(op1.Text) {
			op1.Text = op1.Text[:k] + op1.Text[k+op2.Length:]
			if op1.Text == "" {
				return []Operation{}
			}
			return []Operation{op1}
		}
	}
	return []Operation{op1, op2}
}

// ComposeAll greedily folds a sequence pairwise.
func ComposeAll(ops []Operation) []Operation {
	out := []Operation{}
	for _, op := range ops {
		if len(out) == 0 {
			out = append(out, op)
			continue
		}
		composed := Compose(out[len(out)-1], op)
		out = append(out[:len(out)-1], composed...)
	}
	return out
}

// DiffOperations derives a minimal insert/delete sequence that edits
// `before` into `after` on one field, so full-text edits can ride the
// op-sequence change type.
func DiffOperations(field string, before string, after string) []Operation {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	ops := []Operation{}
	position := 0
	for _, diff := range diffs {
		switch diff.Type {
		case diffpatch.DiffEqual:
			position += len(diff.Text)
		case diffpatch.DiffInsert:
			ops = append(ops, Insert(field, position, diff.Text))
			position += len(diff.Text)
		case diffpatch.DiffDelete:
			ops = append(ops, Delete(field, position, len(diff.Text)))
		}
	}
	return ops
}
