package converge

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTransformInsertInsert(t *testing.T) {
	// two clients type at position 0 of an empty document. the first
	// committed insert pushes the second one past itself.
	a := Insert("text", 0, "Hello")
	b := Insert("text", 0, "Hi")

	aOut, bOut := Transform(a, b, true)
	assert.Equal(t, 0, aOut.Position)
	assert.Equal(t, 5, bOut.Position)

	docA, err := ApplyOps("", []Operation{a, bOut})
	assert.Equal(t, err, nil)
	docB, err := ApplyOps("", []Operation{b, aOut})
	assert.Equal(t, err, nil)
	assert.Equal(t, "HelloHi", docA)
	assert.Equal(t, docA, docB)

	// with the tie the other way the order flips
	aOut, bOut = Transform(a, b, false)
	assert.Equal(t, 2, aOut.Position)
	assert.Equal(t, 0, bOut.Position)

	docA, err = ApplyOps("", []Operation{a, bOut})
	assert.Equal(t, err, nil)
	docB, err = ApplyOps("", []Operation{b, aOut})
	assert.Equal(t, err, nil)
	assert.Equal(t, "HiHello", docA)
	assert.Equal(t, docA, docB)
}

func TestTransformInsertDelete(t *testing.T) {
	doc := "abcdef"

	// insert before the deleted span
	ins := Insert("text", 0, "XY")
	del := Delete("text", 2, 3)
	insOut, delOut := Transform(ins, del, true)
	assert.Equal(t, 0, insOut.Position)
	assert.Equal(t, 4, delOut.Position)
	assertConverges(t, doc, ins, del, insOut, delOut)

	// insert after the deleted span
	ins = Insert("text", 5, "XY")
	del = Delete("text", 1, 3)
	insOut, delOut = Transform(ins, del, true)
	assert.Equal(t, 2, insOut.Position)
	assert.Equal(t, 1, delOut.Position)
	assertConverges(t, doc, ins, del, insOut, delOut)

	// insert strictly inside the deleted span is absorbed. the delete
	// grows to cover the inserted text on the path where the insert
	// already happened.
	ins = Insert("text", 3, "XY")
	del = Delete("text", 1, 4)
	insOut, delOut = Transform(ins, del, true)
	assert.Equal(t, true, insOut.isNoop())
	assert.Equal(t, 6, delOut.Length)
	assertConverges(t, doc, ins, del, insOut, delOut)

	// insert at either span boundary survives
	ins = Insert("text", 2, "X")
	del = Delete("text", 2, 2)
	insOut, delOut = Transform(ins, del, true)
	assert.Equal(t, false, insOut.isNoop())
	assertConverges(t, doc, ins, del, insOut, delOut)

	ins = Insert("text", 4, "X")
	del = Delete("text", 2, 2)
	insOut, delOut = Transform(ins, del, true)
	assert.Equal(t, false, insOut.isNoop())
	assertConverges(t, doc, ins, del, insOut, delOut)
}

func TestTransformDeleteDelete(t *testing.T) {
	doc := "abcdef"

	// disjoint spans shift past each other
	a := Delete("text", 0, 2)
	b := Delete("text", 4, 2)
	aOut, bOut := Transform(a, b, true)
	assert.Equal(t, 2, bOut.Position)
	assertConverges(t, doc, a, b, aOut, bOut)

	// overlapping spans shrink by the overlap
	a = Delete("text", 1, 3)
	b = Delete("text", 2, 3)
	aOut, bOut = Transform(a, b, true)
	assert.Equal(t, 1, aOut.Length)
	assert.Equal(t, 1, bOut.Length)
	assertConverges(t, doc, a, b, aOut, bOut)

	// identical spans cancel out
	a = Delete("text", 2, 2)
	b = Delete("text", 2, 2)
	aOut, bOut = Transform(a, b, true)
	assert.Equal(t, true, aOut.isNoop())
	assert.Equal(t, true, bOut.isNoop())
	assertConverges(t, doc, a, b, aOut, bOut)

	// one span containing the other leaves only the difference
	a = Delete("text", 1, 4)
	b = Delete("text", 2, 2)
	aOut, bOut = Transform(a, b, true)
	assert.Equal(t, 2, aOut.Length)
	assert.Equal(t, true, bOut.isNoop())
	assertConverges(t, doc, a, b, aOut, bOut)
}

func TestTransformDifferentFields(t *testing.T) {
	a := Insert("title", 0, "Hello")
	b := Delete("body", 0, 3)
	aOut, bOut := Transform(a, b, true)
	assert.Equal(t, a, aOut)
	assert.Equal(t, b, bOut)
}

// the convergence property over random in-bounds pairs:
// apply(apply(doc, a), b') == apply(apply(doc, b), a')
func TestTransformConvergence(t *testing.T) {
	doc := "the quick brown fox jumps over the lazy dog"

	for i := 0; i < 1000; i += 1 {
		a := randomOp(doc)
		b := randomOp(doc)
		aOut, bOut := Transform(a, b, mathrand.Intn(2) == 0)

		docA, err := ApplyOps(doc, []Operation{a, bOut})
		assert.Equal(t, err, nil)
		docB, err := ApplyOps(doc, []Operation{b, aOut})
		assert.Equal(t, err, nil)
		if docA != docB {
			t.Fatalf("diverged on a=%v b=%v: %q != %q", a, b, docA, docB)
		}
	}
}

func randomOp(doc string) Operation {
	if mathrand.Intn(2) == 0 {
		texts := []string{"x", "yz", "hello", "_"}
		position := mathrand.Intn(len(doc) + 1)
		return Insert("text", position, texts[mathrand.Intn(len(texts))])
	}
	position := mathrand.Intn(len(doc))
	length := 1 + mathrand.Intn(len(doc)-position)
	return Delete("text", position, length)
}

func assertConverges(t *testing.T, doc string, a Operation, b Operation, aOut Operation, bOut Operation) {
	docA, err := ApplyOps(doc, []Operation{a, bOut})
	assert.Equal(t, err, nil)
	docB, err := ApplyOps(doc, []Operation{b, aOut})
	assert.Equal(t, err, nil)
	assert.Equal(t, docA, docB)
}

func TestTransformOps(t *testing.T) {
	// rebase a two-op edit past a concurrently committed insert
	ops := []Operation{
		Insert("text", 1, "X"),
		Delete("text", 3, 1),
	}
	committed := []Operation{
		Insert("text", 0, "AB"),
	}

	rebased := TransformOps(ops, committed, false)
	assert.Equal(t, 2, len(rebased))
	assert.Equal(t, 3, rebased[0].Position)
	assert.Equal(t, 5, rebased[1].Position)

	base := "hello"
	afterCommitted, err := ApplyOps(base, committed)
	assert.Equal(t, err, nil)
	final, err := ApplyOps(afterCommitted, rebased)
	assert.Equal(t, err, nil)
	assert.Equal(t, "ABhXelo", final)

	// an edit fully absorbed by a concurrent delete rebases to nothing
	ops = []Operation{
		Insert("text", 2, "X"),
	}
	committed = []Operation{
		Delete("text", 0, 5),
	}
	rebased = TransformOps(ops, committed, false)
	assert.Equal(t, 0, len(rebased))
}

func TestApplyBounds(t *testing.T) {
	_, err := Apply("abc", Insert("text", 4, "X"))
	assert.NotEqual(t, err, nil)

	_, err = Apply("abc", Delete("text", 1, 3))
	assert.NotEqual(t, err, nil)

	out, err := Apply("abc", Insert("text", 3, "X"))
	assert.Equal(t, err, nil)
	assert.Equal(t, "abcX", out)
}

func TestValidateOps(t *testing.T) {
	tree := Tree{
		"text": "hi",
		"n":    1,
	}

	err := ValidateOps(tree, []Operation{
		Insert("text", 2, "!"),
		Delete("text", 0, 3),
	})
	assert.Equal(t, err, nil)

	err = ValidateOps(tree, []Operation{
		Delete("text", 0, 5),
	})
	assert.NotEqual(t, err, nil)

	// a non-string field reads as empty
	err = ValidateOps(tree, []Operation{
		Insert("n", 1, "X"),
	})
	assert.NotEqual(t, err, nil)
}

func TestApplyTreeOps(t *testing.T) {
	tree := Tree{
		"doc": Tree{
			"text": "hello",
		},
	}

	out, err := applyTreeOps(tree, []Operation{
		Insert("doc.text", 5, " world"),
		Delete("doc.text", 0, 1),
		Insert("doc.text", 0, "H"),
	})
	assert.Equal(t, err, nil)
	text, ok := stringAtPath(out, "doc.text")
	assert.Equal(t, true, ok)
	assert.Equal(t, "Hello world", text)

	// the input tree is untouched
	text, _ = stringAtPath(tree, "doc.text")
	assert.Equal(t, "hello", text)
}

func TestCompose(t *testing.T) {
	// sequential typing collapses to one insert
	out := ComposeAll([]Operation{
		Insert("text", 0, "He"),
		Insert("text", 2, "ll"),
		Insert("text", 4, "o"),
	})
	assert.Equal(t, 1, len(out))
	assert.Equal(t, "Hello", out[0].Text)

	// backspacing over an insert shrinks it
	out = Compose(Insert("text", 3, "abc"), Delete("text", 4, 2))
	assert.Equal(t, 1, len(out))
	assert.Equal(t, "a", out[0].Text)

	// a delete that consumes the whole insert leaves nothing
	out = Compose(Insert("text", 3, "abc"), Delete("text", 3, 3))
	assert.Equal(t, 0, len(out))

	// adjacent deletes merge
	out = Compose(Delete("text", 2, 2), Delete("text", 2, 2))
	assert.Equal(t, 1, len(out))
	assert.Equal(t, 4, out[0].Length)

	// unrelated operations stay separate
	out = Compose(Insert("text", 0, "a"), Insert("text", 5, "b"))
	assert.Equal(t, 2, len(out))
}

func TestDiffOperations(t *testing.T) {
	cases := [][]string{
		{"", "hello"},
		{"hello", ""},
		{"the quick fox", "the quick brown fox"},
		{"the quick brown fox", "the quick fox"},
		{"hello world", "goodbye world"},
		{"same", "same"},
	}

	for _, c := range cases {
		before, after := c[0], c[1]
		ops := DiffOperations("text", before, after)
		out, err := ApplyOps(before, ops)
		assert.Equal(t, err, nil)
		assert.Equal(t, after, out)
	}

	ops := DiffOperations("text", "same", "same")
	assert.Equal(t, 0, len(ops))
}
