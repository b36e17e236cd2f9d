package tree

import "fmt"

// DebugMode gates the Verifier's debug-only checks. Production builds
// leave this false so Verify is a no-op.
var DebugMode = false

// Verify walks node once, asserting tree-level invariants, and returns it
// unchanged. It is a pure observer: callers never need to use a different
// value than the one passed in, but the return keeps call sites symmetric
// with a transform pass.
func Verify(node Node) Node {
	if !DebugMode {
		return node
	}
	w := &verifierWalker{}
	w.walk(node)
	return node
}

type verifierWalker struct {
	methodDepth int
}

func (w *verifierWalker) walk(n Node) {
	if n == nil {
		return
	}
	if _, isEmpty := n.(EmptyTree); !isEmpty {
		if !n.Loc().Exists() {
			panic(fmt.Sprintf("tree verifier: location is unset on %T", n))
		}
	}
	n.SanityCheck()

	switch t := n.(type) {
	case *MethodDef:
		w.methodDepth++
		w.walk(t.Body)
		w.methodDepth--
		return
	case *Block:
		for _, s := range t.Stmts {
			w.walk(s)
		}
		return
	case *Assign:
		w.walk(t.LHS)
		w.walk(t.RHS)
		if _, isConst := t.LHS.(*UnresolvedConstantLit); isConst {
			if w.methodDepth != 0 {
				panic("tree verifier: found constant definition inside method definition")
			}
		}
		return
	case *Send:
		w.walk(t.Recv)
		for _, a := range t.Args {
			w.walk(a)
		}
		return
	case *Return:
		w.walk(t.What)
		return
	case *If:
		w.walk(t.Cond)
		w.walk(t.Then)
		w.walk(t.Else)
		return
	case *While:
		w.walk(t.Cond)
		w.walk(t.Body)
		return
	}
}
