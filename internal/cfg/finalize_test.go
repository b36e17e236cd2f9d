package cfg

import (
	"testing"

	"github.com/le-company/sorbetcfg/internal/symbols"
	"github.com/le-company/sorbetcfg/internal/tree"
)

func withCFGDebugMode(t *testing.T) {
	t.Helper()
	prev := DebugMode
	DebugMode = true
	t.Cleanup(func() { DebugMode = prev })
}

func buildAndFinalize(t *testing.T, table *symbols.Table, method *tree.MethodDef) *CFG {
	t.Helper()
	b := NewBuilder(table)
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	Finalize(g, table, Context{}, nil)
	return g
}

func returnLit(v interface{}) *tree.Return {
	return &tree.Return{What: &tree.Literal{Value: v}}
}

func TestFinalizeSimplifiesDiamondMerge(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	cond := table.Declare("cond", symbols.Regular)
	method := &tree.MethodDef{
		Body: &tree.Block{Stmts: []tree.Node{
			&tree.If{
				Cond: &tree.Ident{What: cond},
				Then: returnLit(1),
				Else: returnLit(2),
			},
		}},
	}

	g := buildAndFinalize(t, table, method)

	for _, bb := range g.BasicBlocks {
		if bb == g.DeadBlock || bb == g.Entry {
			continue
		}
		if !bb.hasFlag(WasJumpDestination) {
			t.Fatalf("block %d survived Simplify without being linked", bb.ID)
		}
	}
}

func TestFinalizeRemovesUnreachableBlocks(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	b := NewBuilder(table)
	method := &tree.MethodDef{Body: returnLit(1)}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Graft a block that was once a jump destination but has since lost
	// every predecessor onto the raw graph before finalizing. SanityCheck
	// requires WasJumpDestination on every non-entry block, so the flag
	// stays set even though no edge reaches the block any longer.
	orphan := g.NewBlock(0, 0)
	orphan.setFlag(WasJumpDestination)
	g.Link(orphan, symbols.Unconditional, g.DeadBlock, g.DeadBlock)

	Finalize(g, table, Context{}, nil)

	for _, bb := range g.BasicBlocks {
		if bb.ID == orphan.ID {
			t.Fatalf("unreachable block %d was not removed by Simplify", orphan.ID)
		}
	}
}

func TestDealiasCollapsesSyntheticCopyChain(t *testing.T) {
	table := symbols.NewTable()
	t1 := table.Declare("$tmp1", symbols.SyntheticTemporary)
	t2 := table.Declare("$tmp2", symbols.SyntheticTemporary)
	t3 := table.Declare("$tmp3", symbols.SyntheticTemporary)

	g := NewCFG()
	first := g.NewBlock(0, 0)
	g.Link(g.Entry, symbols.Unconditional, first, first)
	first.Exprs = []Binding{
		{Bind: t1, Value: &Literal{Value: 1}},
		{Bind: t2, Value: &Ident{What: t1}},
		{Bind: t3, Value: &Return{What: t2}},
	}
	g.Link(first, symbols.Unconditional, g.DeadBlock, g.DeadBlock)

	TopoSortFwd(g)
	Dealias(g, table)

	ret := first.Exprs[2].Value.(*Return)
	if ret.What != t1 {
		t.Fatalf("expected dealias to collapse %v to %v, got %v", t2, t1, ret.What)
	}
}

func TestFinalizePinsLoopCarriedVariable(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	acc := table.Declare("acc", symbols.Regular)
	cond := table.Declare("cond", symbols.Regular)
	b := NewBuilder(table)

	method := &tree.MethodDef{
		Body: &tree.Block{Stmts: []tree.Node{
			&tree.While{
				Cond: &tree.Ident{What: cond},
				Body: &tree.Block{Stmts: []tree.Node{
					&tree.Assign{LHS: &tree.Ident{What: acc}, RHS: &tree.Ident{What: acc}},
				}},
			},
			returnLit(0),
		}},
	}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	Finalize(g, table, Context{}, nil)

	var header *BasicBlock
	for _, bb := range g.BasicBlocks {
		if bb.hasFlag(LoopHeader) {
			header = bb
			break
		}
	}
	if header == nil {
		t.Fatalf("expected a loop header to be marked")
	}

	found := false
	for _, a := range header.Args {
		if a == acc {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected loop header to take %v as a block argument, got %v", acc, header.Args)
	}
}

func TestFinalizeRemovesDeadSyntheticAssign(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	b := NewBuilder(table)

	method := &tree.MethodDef{
		Body: &tree.Block{Stmts: []tree.Node{
			&tree.Literal{Value: "unused"},
			returnLit(1),
		}},
	}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	Finalize(g, table, Context{}, nil)

	for _, bb := range g.BasicBlocks {
		for _, bind := range bb.Exprs {
			if lit, ok := bind.Value.(*Literal); ok && lit.Value == "unused" {
				t.Fatalf("expected the dead literal binding to be removed")
			}
		}
	}
}

func TestSimplifyIsNoopDuringLSPQuery(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	b := NewBuilder(table)
	method := &tree.MethodDef{Body: returnLit(1)}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	before := len(g.BasicBlocks)

	Simplify(g, true)

	if len(g.BasicBlocks) != before {
		t.Fatalf("Simplify must not touch the graph while an LSP query is active")
	}
}

func TestTopoSortFwdOrdersEntryLast(t *testing.T) {
	table := symbols.NewTable()
	b := NewBuilder(table)
	method := &tree.MethodDef{Body: returnLit(1)}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	TopoSortFwd(g)

	// TopoSortFwd is a post-order DFS from entry, so entry is placed last.
	if len(g.ForwardsTopoSort) == 0 || g.ForwardsTopoSort[len(g.ForwardsTopoSort)-1] != g.Entry {
		t.Fatalf("expected entry block last in forward topo order")
	}
}

func TestSimplifyShortcutElseGuardsOnThenRubyBlockID(t *testing.T) {
	withCFGDebugMode(t)

	table := symbols.NewTable()
	cond := table.Declare("cond", symbols.Regular)

	g := NewCFG()
	bb := g.NewBlock(5, 0)
	thenb := g.NewBlock(5, 0)  // same ruby-block scope as bb
	elseb := g.NewBlock(6, 0)  // a different ruby-block scope than bb
	target := g.NewBlock(6, 0)

	g.Link(g.Entry, symbols.Unconditional, bb, bb)
	g.Link(bb, cond, thenb, elseb)
	thenb.Exprs = []Binding{{Bind: cond, Value: &Literal{Value: 0}}}
	g.Link(thenb, symbols.Unconditional, g.DeadBlock, g.DeadBlock)
	g.Link(elseb, symbols.Unconditional, target, target)
	target.Exprs = []Binding{{Bind: cond, Value: &Literal{Value: 1}}}
	g.Link(target, symbols.Unconditional, g.DeadBlock, g.DeadBlock)

	Simplify(g, false)

	if bb.Exit.Else != target {
		t.Fatalf("expected the shortcut-else rewrite to fire despite bb and elseb disagreeing on ruby-block scope, got %v", bb.Exit.Else)
	}
	if containsBlockPtr(elseb.BackEdges, bb) {
		t.Fatalf("expected elseb to drop bb as a back edge once bypassed")
	}
	if !containsBlockPtr(target.BackEdges, bb) {
		t.Fatalf("expected target to record bb as a back edge after the shortcut")
	}
}

func TestSanityCheckNoopOutsideDebugMode(t *testing.T) {
	table := symbols.NewTable()
	b := NewBuilder(table)
	method := &tree.MethodDef{Body: returnLit(1)}
	g, err := b.Build(method)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Break an invariant deliberately; SanityCheck must not notice.
	g.Entry.Flags &^= WasJumpDestination
	SanityCheck(g)
}
