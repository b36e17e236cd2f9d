package tree

import (
	"testing"

	"github.com/le-company/sorbetcfg/internal/symbols"
)

func withDebugMode(t *testing.T) {
	t.Helper()
	prev := DebugMode
	DebugMode = true
	t.Cleanup(func() { DebugMode = prev })
}

func loc() Loc { return Loc{File: "t.rb", Begin: 1, End: 2} }

func TestVerifyPassesWellFormedTree(t *testing.T) {
	withDebugMode(t)

	m := &MethodDef{
		L:    loc(),
		Name: "foo",
		Body: &Block{L: loc(), Stmts: []Node{
			&Return{L: loc(), What: &Literal{L: loc(), Value: 1}},
		}},
	}

	if got := Verify(m); got != m {
		t.Fatalf("Verify must return the same tree, got different node")
	}
}

func TestVerifyCatchesMissingLocation(t *testing.T) {
	withDebugMode(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on missing location")
		}
	}()

	Verify(&Literal{Value: 1}) // zero Loc
}

func TestVerifyAllowsConstantAssignOutsideMethod(t *testing.T) {
	withDebugMode(t)

	a := &Assign{
		L:   loc(),
		LHS: &UnresolvedConstantLit{L: loc(), Name: "FOO"},
		RHS: &Literal{L: loc(), Value: 1},
	}
	Verify(a) // must not panic
}

func TestVerifyRejectsConstantAssignInsideMethod(t *testing.T) {
	withDebugMode(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on constant def inside method")
		}
	}()

	m := &MethodDef{
		L: loc(),
		Body: &Block{L: loc(), Stmts: []Node{
			&Assign{
				L:   loc(),
				LHS: &UnresolvedConstantLit{L: loc(), Name: "FOO"},
				RHS: &Literal{L: loc(), Value: 1},
			},
		}},
	}
	Verify(m)
}

func TestVerifyIsNoopOutsideDebugMode(t *testing.T) {
	// DebugMode defaults to false unless another test overrides it; force
	// it explicitly here for clarity.
	prev := DebugMode
	DebugMode = false
	defer func() { DebugMode = prev }()

	// A tree that would panic under DebugMode must pass silently here.
	Verify(&Literal{Value: 1})
}

func TestIdentSanityCheckIsPure(t *testing.T) {
	id := &Ident{L: loc(), What: symbols.LocalVariableID(3)}
	id.SanityCheck()
	if id.What != 3 {
		t.Fatalf("SanityCheck mutated node")
	}
}
