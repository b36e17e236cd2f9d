package cfg

import (
	"fmt"

	"github.com/le-company/sorbetcfg/internal/metrics"
	"github.com/le-company/sorbetcfg/internal/symbols"
	"github.com/le-company/sorbetcfg/internal/tree"
)

// Builder lowers a desugared method body into a raw CFG. This is the
// "CFG Builder — construction" collaborator; the finalize pipeline in
// finalize.go is what turns its output into the normalized form the rest
// of this core relies on.
type Builder struct {
	table       *symbols.Table
	cfg         *CFG
	rubyBlockID int
	tempCount   int
}

// NewBuilder creates a Builder that allocates synthetic temporaries from
// table.
func NewBuilder(table *symbols.Table) *Builder {
	return &Builder{table: table}
}

// Build constructs a raw (unnormalized) CFG for method. Callers run it
// through Finalize before handing it to type inference.
func (b *Builder) Build(method *tree.MethodDef) (*CFG, error) {
	if method == nil {
		return nil, fmt.Errorf("cfg: cannot build from a nil method")
	}
	tree.Verify(method)

	b.cfg = NewCFG()
	b.rubyBlockID = 0
	b.tempCount = 0

	first := b.cfg.NewBlock(b.rubyBlockID, 0)
	b.cfg.Link(b.cfg.Entry, symbols.Unconditional, first, first)

	end := b.lowerBlock(method.Body, first, 0)
	if end != b.cfg.DeadBlock {
		// Implicit return of the last expression's value: the method
		// falls off the end of its body.
		b.cfg.Link(end, symbols.Unconditional, b.cfg.DeadBlock, b.cfg.DeadBlock)
	}

	return b.cfg, nil
}

// Finalize runs the normalization pipeline over g, a graph this Builder
// (or one sharing its symbol table) produced. By the time normalization
// runs, only the CFG and the symbol table matter, not any Builder-local
// lowering state, so Finalize and the six passes it composes are plain
// functions in this package rather than further Builder methods; this
// just forwards to them using the table this Builder already holds.
func (b *Builder) Finalize(g *CFG, ctx Context, reg *metrics.Registry) *CFG {
	return Finalize(g, b.table, ctx, reg)
}

func (b *Builder) freshTemp() symbols.LocalVariableID {
	b.tempCount++
	return b.table.Declare(fmt.Sprintf("$tmp%d", b.tempCount), symbols.SyntheticTemporary)
}

// lowerBlock lowers a statement sequence (or a single statement) into cur,
// returning the block execution continues in afterward, or cfg.DeadBlock
// if every path through the sequence terminates (return/throw).
func (b *Builder) lowerBlock(n tree.Node, cur *BasicBlock, outerLoops int) *BasicBlock {
	switch t := n.(type) {
	case nil, tree.EmptyTree:
		return cur
	case *tree.Block:
		for _, stmt := range t.Stmts {
			cur = b.lowerStmt(stmt, cur, outerLoops)
			if cur == b.cfg.DeadBlock {
				break
			}
		}
		return cur
	default:
		return b.lowerStmt(n, cur, outerLoops)
	}
}

func (b *Builder) lowerStmt(n tree.Node, cur *BasicBlock, outerLoops int) *BasicBlock {
	switch t := n.(type) {
	case *tree.Return:
		v := b.lowerExpr(t.What, cur)
		synth := b.freshTemp()
		cur.Exprs = append(cur.Exprs, Binding{Bind: synth, Value: &Return{What: v}, Loc: t.L})
		b.cfg.Link(cur, symbols.Unconditional, b.cfg.DeadBlock, b.cfg.DeadBlock)
		return b.cfg.DeadBlock

	case *tree.If:
		condVar := b.lowerExpr(t.Cond, cur)
		thenB := b.cfg.NewBlock(b.rubyBlockID, outerLoops)
		elseB := b.cfg.NewBlock(b.rubyBlockID, outerLoops)
		b.cfg.Link(cur, condVar, thenB, elseB)

		thenEnd := b.lowerBlock(t.Then, thenB, outerLoops)
		elseEnd := b.lowerBlock(t.Else, elseB, outerLoops)
		if thenEnd == b.cfg.DeadBlock && elseEnd == b.cfg.DeadBlock {
			return b.cfg.DeadBlock
		}
		merge := b.cfg.NewBlock(b.rubyBlockID, outerLoops)
		if thenEnd != b.cfg.DeadBlock {
			b.cfg.Link(thenEnd, symbols.Unconditional, merge, merge)
		}
		if elseEnd != b.cfg.DeadBlock {
			b.cfg.Link(elseEnd, symbols.Unconditional, merge, merge)
		}
		return merge

	case *tree.While:
		header := b.cfg.NewBlock(b.rubyBlockID, outerLoops+1)
		body := b.cfg.NewBlock(b.rubyBlockID, outerLoops+1)
		exit := b.cfg.NewBlock(b.rubyBlockID, outerLoops)

		b.cfg.Link(cur, symbols.Unconditional, header, header)
		condVar := b.lowerExpr(t.Cond, header)
		b.cfg.Link(header, condVar, body, exit)

		bodyEnd := b.lowerBlock(t.Body, body, outerLoops+1)
		if bodyEnd != b.cfg.DeadBlock {
			b.cfg.Link(bodyEnd, symbols.Unconditional, header, header)
		}
		return exit

	case *tree.Block:
		return b.lowerBlock(t, cur, outerLoops)

	default:
		b.lowerExpr(n, cur)
		return cur
	}
}

// lowerExpr lowers an expression into zero or more Bindings appended to
// cur, and returns the variable holding its result.
func (b *Builder) lowerExpr(n tree.Node, cur *BasicBlock) symbols.LocalVariableID {
	switch t := n.(type) {
	case nil, tree.EmptyTree:
		synth := b.freshTemp()
		cur.Exprs = append(cur.Exprs, Binding{Bind: synth, Value: &Literal{Value: nil}})
		return synth

	case *tree.Ident:
		return t.What

	case *tree.Literal:
		synth := b.freshTemp()
		cur.Exprs = append(cur.Exprs, Binding{Bind: synth, Value: &Literal{Value: t.Value}, Loc: t.L})
		return synth

	case *tree.Send:
		recv := b.lowerExpr(t.Recv, cur)
		args := make([]symbols.LocalVariableID, len(t.Args))
		for i, a := range t.Args {
			args[i] = b.lowerExpr(a, cur)
		}
		synth := b.freshTemp()
		cur.Exprs = append(cur.Exprs, Binding{
			Bind:  synth,
			Value: &Send{Recv: recv, Method: t.Method, Args: args},
			Loc:   t.L,
		})
		return synth

	case *tree.Assign:
		rhs := b.lowerExpr(t.RHS, cur)
		lhsIdent, ok := t.LHS.(*tree.Ident)
		if !ok {
			// Constant assignment; the verifier guarantees these only
			// occur outside method bodies, so the CFG builder never sees
			// one in practice. Fall back to evaluating for effect.
			return rhs
		}
		cur.Exprs = append(cur.Exprs, Binding{Bind: lhsIdent.What, Value: &Ident{What: rhs}, Loc: t.L})
		return lhsIdent.What

	default:
		synth := b.freshTemp()
		cur.Exprs = append(cur.Exprs, Binding{Bind: synth, Value: &Literal{Value: nil}})
		return synth
	}
}
