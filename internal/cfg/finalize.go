package cfg

import (
	"sort"

	"github.com/le-company/sorbetcfg/internal/metrics"
	"github.com/le-company/sorbetcfg/internal/symbols"
)

// Context carries the ambient state the finalize pipeline consults besides
// the CFG itself. LSPQueryActive mirrors the collaborator's notion of a
// position query running against an already-typechecked tree: Simplify and
// RemoveDeadAssigns become no-ops under it, since rewriting block shapes or
// erasing bindings would shift the line/column a query is resolving.
type Context struct {
	LSPQueryActive bool
}

// Finalize runs the fixed six-pass normalization pipeline over a raw CFG
// and returns it. TopoSortFwd is interleaved right after Simplify, because
// both Dealias and FillInBlockArguments require ForwardsTopoSort to already
// describe exactly the blocks simplify left behind.
func Finalize(cfg *CFG, table *symbols.Table, ctx Context, reg *metrics.Registry) *CFG {
	Simplify(cfg, ctx.LSPQueryActive)
	TopoSortFwd(cfg)
	Dealias(cfg, table)
	MarkLoopHeaders(cfg)

	rw := ComputeReadsAndWrites(cfg)
	RemoveDeadAssigns(cfg, rw, table, ctx.LSPQueryActive)
	ComputeMinMaxLoops(cfg, rw)
	FillInBlockArguments(cfg, rw, reg)

	SanityCheck(cfg)
	return cfg
}

// Simplify coalesces straight-line blocks, drops blocks no edge reaches any
// longer, and normalizes conditions that have become unconditional. It
// sweeps cfg.BasicBlocks left to right; any rewrite either advances to the
// next block (after a removal) or revisits the same slot (after an in-place
// fusion, since the fused block may now fuse again with its new successor).
// A full sweep with no rewrite ends the pass.
func Simplify(cfg *CFG, lspQueryActive bool) {
	if lspQueryActive {
		return
	}
	SanityCheck(cfg)

	changed := true
	for changed {
		changed = false
		i := 0
		for i < len(cfg.BasicBlocks) {
			bb := cfg.BasicBlocks[i]

			if bb != cfg.DeadBlock && bb != cfg.Entry && len(bb.BackEdges) == 0 {
				removeBackEdges(bb.Exit.Then, bb)
				if bb.Exit.Else != bb.Exit.Then {
					removeBackEdges(bb.Exit.Else, bb)
				}
				cfg.BasicBlocks = append(cfg.BasicBlocks[:i], cfg.BasicBlocks[i+1:]...)
				cfg.ForwardsTopoSort = removeBlockValue(cfg.ForwardsTopoSort, bb)
				changed = true
				SanityCheck(cfg)
				continue
			}

			sort.Slice(bb.BackEdges, func(a, c int) bool { return bb.BackEdges[a].ID < bb.BackEdges[c].ID })
			bb.BackEdges = dedupeBlocks(bb.BackEdges)

			thenb, elseb := bb.Exit.Then, bb.Exit.Else
			if thenb == elseb {
				bb.Exit.Cond = symbols.Unconditional
			}

			if thenb == elseb && thenb != cfg.DeadBlock && thenb != bb && bb.RubyBlockID == thenb.RubyBlockID {
				if len(thenb.BackEdges) == 1 && thenb.OuterLoops == bb.OuterLoops {
					// Merge: thenb has no other predecessor, so its body
					// becomes a literal continuation of bb's.
					bb.Exprs = append(bb.Exprs, thenb.Exprs...)
					thenb.BackEdges = nil
					rewireExit(cfg, bb, thenb.Exit)
					changed = true
					SanityCheck(cfg)
					continue
				}
				if thenb.Exit.Cond != symbols.BlockCall && len(thenb.Exprs) == 0 {
					// Bypass: thenb is an empty non-header relay, so bb can
					// jump straight to whatever thenb jumps to.
					thenb.BackEdges = removeAllEqual(thenb.BackEdges, bb)
					rewireExit(cfg, bb, thenb.Exit)
					changed = true
					SanityCheck(cfg)
					continue
				}
			}

			if thenb != cfg.DeadBlock && bb.RubyBlockID == thenb.RubyBlockID && len(thenb.Exprs) == 0 &&
				thenb.Exit.Then == thenb.Exit.Else && bb.Exit.Then != thenb.Exit.Then {
				bb.Exit.Then = thenb.Exit.Then
				thenb.Exit.Then.BackEdges = append(thenb.Exit.Then.BackEdges, bb)
				thenb.BackEdges = removeAllEqual(thenb.BackEdges, bb)
				changed = true
				SanityCheck(cfg)
				continue
			}

			// Shortcut else: this guards on thenb's ruby-block id rather
			// than elseb's, which means it can fire even when bb and elseb
			// disagree on ruby-block scope. Observed behavior, preserved.
			if elseb != cfg.DeadBlock && bb.RubyBlockID == thenb.RubyBlockID && len(elseb.Exprs) == 0 &&
				elseb.Exit.Then == elseb.Exit.Else && bb.Exit.Else != elseb.Exit.Else {
				bb.Exit.Else = elseb.Exit.Else
				elseb.Exit.Else.BackEdges = append(elseb.Exit.Else.BackEdges, bb)
				elseb.BackEdges = removeAllEqual(elseb.BackEdges, bb)
				changed = true
				SanityCheck(cfg)
				continue
			}

			i++
		}
	}
}

// rewireExit replaces bb's terminator with exit, registering the new back
// edges. Used by Simplify's merge and bypass rewrites, both of which adopt
// the absorbed block's terminator wholesale.
func rewireExit(cfg *CFG, bb *BasicBlock, exit Terminator) {
	bb.Exit = exit
	bb.Exit.Then.BackEdges = append(bb.Exit.Then.BackEdges, bb)
	if bb.Exit.Then != bb.Exit.Else {
		bb.Exit.Else.BackEdges = append(bb.Exit.Else.BackEdges, bb)
	}
}

func removeBackEdges(bb *BasicBlock, target *BasicBlock) {
	bb.BackEdges = removeAllEqual(bb.BackEdges, target)
}

func removeAllEqual(list []*BasicBlock, target *BasicBlock) []*BasicBlock {
	out := list[:0]
	for _, b := range list {
		if b != target {
			out = append(out, b)
		}
	}
	return out
}

func removeBlockValue(list []*BasicBlock, target *BasicBlock) []*BasicBlock {
	return removeAllEqual(list, target)
}

func dedupeBlocks(sorted []*BasicBlock) []*BasicBlock {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, b := range sorted[1:] {
		if b != out[len(out)-1] {
			out = append(out, b)
		}
	}
	return out
}

// TopoSortFwd rebuilds cfg.ForwardsTopoSort as a post-order DFS from entry,
// descending into the shallower-nested successor first so that loop bodies
// come out adjacent to their headers rather than interleaved with whatever
// follows the loop.
func TopoSortFwd(cfg *CFG) {
	for _, bb := range cfg.BasicBlocks {
		bb.FwdID = -1
	}
	target := make([]*BasicBlock, len(cfg.BasicBlocks))
	next := topoSortFwdRec(target, 0, cfg.Entry)
	cfg.ForwardsTopoSort = target[:next]
}

func topoSortFwdRec(target []*BasicBlock, nextFree int, cur *BasicBlock) int {
	if cur.FwdID != -1 {
		return nextFree
	}
	cur.FwdID = -2
	first, second := cur.Exit.Then, cur.Exit.Else
	if first.OuterLoops > second.OuterLoops {
		first, second = second, first
	}
	nextFree = topoSortFwdRec(target, nextFree, first)
	nextFree = topoSortFwdRec(target, nextFree, second)
	target[nextFree] = cur
	cur.FwdID = nextFree
	return nextFree + 1
}

// maybeDealias resolves what through aliases if it is a synthetic
// temporary with a recorded alias; anything else (a real local, a
// temporary with no recorded alias at this program point) passes through
// unchanged.
func maybeDealias(table *symbols.Table, what symbols.LocalVariableID, aliases map[symbols.LocalVariableID]symbols.LocalVariableID) symbols.LocalVariableID {
	if !table.IsSyntheticTemporary(what) {
		return what
	}
	if v, ok := aliases[what]; ok {
		return v
	}
	return what
}

// Dealias propagates "this temporary currently equals that local" facts
// along the forward topo order, visited in reverse, and rewrites every
// non-synthetic instruction's operands (and Ident's own operand,
// unconditionally) through whatever alias set survives the intersection of
// all of a block's predecessors. A loop header's incoming alias set is
// therefore necessarily conservative: it can only trust what every
// back-edge source agrees on, including the back edge from the loop's own
// last iteration.
func Dealias(cfg *CFG, table *symbols.Table) {
	outAliases := make(map[BlockID]map[symbols.LocalVariableID]symbols.LocalVariableID, cfg.MaxBasicBlockID)

	for idx := len(cfg.ForwardsTopoSort) - 1; idx >= 0; idx-- {
		bb := cfg.ForwardsTopoSort[idx]
		if bb == cfg.DeadBlock {
			continue
		}

		var current map[symbols.LocalVariableID]symbols.LocalVariableID
		if len(bb.BackEdges) > 0 {
			current = cloneAliasMap(outAliases[bb.BackEdges[0].ID])
		} else {
			current = make(map[symbols.LocalVariableID]symbols.LocalVariableID)
		}
		for pidx, parent := range bb.BackEdges {
			if pidx == 0 {
				continue
			}
			other := outAliases[parent.ID]
			for k, v := range current {
				if ov, ok := other[k]; !ok || ov != v {
					delete(current, k)
				}
			}
		}

		for i := range bb.Exprs {
			bind := &bb.Exprs[i]

			if id, ok := bind.Value.(*Ident); ok {
				id.What = maybeDealias(table, id.What, current)
			}

			for k, v := range current {
				if v == bind.Bind {
					delete(current, k)
				}
			}

			if !bind.Value.IsSynthetic() {
				switch v := bind.Value.(type) {
				case *Ident:
					v.What = maybeDealias(table, v.What, current)
				case *Send:
					v.Recv = maybeDealias(table, v.Recv, current)
					for j := range v.Args {
						v.Args[j] = maybeDealias(table, v.Args[j], current)
					}
				case *TAbsurd:
					v.What = maybeDealias(table, v.What, current)
				case *Return:
					v.What = maybeDealias(table, v.What, current)
				}
			}

			if id, ok := bind.Value.(*Ident); ok {
				current[bind.Bind] = id.What
			}
		}

		if bb.Exit.Cond != symbols.Unconditional && bb.Exit.Cond != symbols.BlockCall {
			bb.Exit.Cond = maybeDealias(table, bb.Exit.Cond, current)
		}

		outAliases[bb.ID] = current
	}
}

func cloneAliasMap(m map[symbols.LocalVariableID]symbols.LocalVariableID) map[symbols.LocalVariableID]symbols.LocalVariableID {
	out := make(map[symbols.LocalVariableID]symbols.LocalVariableID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarkLoopHeaders flags every block reached by a back edge whose source
// sits at a shallower loop-nesting depth than the block itself: that is
// exactly the edge a loop takes from outside into its header.
func MarkLoopHeaders(cfg *CFG) {
	for _, bb := range cfg.BasicBlocks {
		for _, parent := range bb.BackEdges {
			if parent.OuterLoops < bb.OuterLoops {
				bb.setFlag(LoopHeader)
				break
			}
		}
	}
}

// RemoveDeadAssigns erases bindings whose bound variable is never read,
// either anywhere in the same block or as a block argument of either
// successor, provided the binding's instruction is on the side-effect-free
// allowlist and its variable isn't flagged as a global alias (global alias
// bookkeeping must survive even when the local copy looks unread).
func RemoveDeadAssigns(cfg *CFG, rw *ReadsAndWrites, table *symbols.Table, lspQueryActive bool) {
	if lspQueryActive {
		return
	}
	for _, bb := range cfg.BasicBlocks {
		kept := bb.Exprs[:0]
		for _, bind := range bb.Exprs {
			if table.IsAliasForGlobal(bind.Bind) {
				kept = append(kept, bind)
				continue
			}

			_, readHere := rw.Reads[bb.ID][bind.Bind]
			readAsArg := containsVar(bb.Exit.Then.Args, bind.Bind) || containsVar(bb.Exit.Else.Args, bind.Bind)

			if !readHere && !readAsArg && sideEffectFree(bind.Value) {
				continue
			}
			kept = append(kept, bind)
		}
		bb.Exprs = kept
	}
}

func containsVar(list []symbols.LocalVariableID, v symbols.LocalVariableID) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ComputeMinMaxLoops fills cfg.MinLoops (the shallowest loop depth at which
// a variable is read or written) and cfg.MaxLoopWrite (the deepest depth at
// which it's written). FillInBlockArguments' loop-pinning step and the type
// inference this core feeds both rely on these being in place before they
// run.
func ComputeMinMaxLoops(cfg *CFG, rw *ReadsAndWrites) {
	for _, bb := range cfg.BasicBlocks {
		if bb == cfg.DeadBlock {
			continue
		}
		for v := range rw.Reads[bb.ID] {
			if cur, ok := cfg.MinLoops[v]; !ok || cur > bb.OuterLoops {
				cfg.MinLoops[v] = bb.OuterLoops
			}
		}
	}
	for _, bb := range cfg.BasicBlocks {
		if bb == cfg.DeadBlock {
			continue
		}
		for _, bind := range bb.Exprs {
			v := bind.Bind
			if cur, ok := cfg.MinLoops[v]; !ok || cur > bb.OuterLoops {
				cfg.MinLoops[v] = bb.OuterLoops
			}
			if cur := cfg.MaxLoopWrite[v]; cur < bb.OuterLoops {
				cfg.MaxLoopWrite[v] = bb.OuterLoops
			}
		}
	}
}

// FillInBlockArguments computes, for each block, which variables must be
// passed in as block arguments (Dmitry's algorithm): the intersection of
// two independently over-approximated sets.
//
// upperBounds1 starts from each block's own reads and unions in whatever
// either live successor's set already contains, iterated forward to a
// fixpoint; a variable is dropped from a block's set once the block is at
// or above the loop depth where that variable is known dead, so a loop
// doesn't keep demanding an argument nothing inside it ever reads again.
//
// upperBounds2 starts empty and accumulates, walking the reverse topo
// order to a fixpoint, every variable any predecessor writes or already
// carries in its own set — an over-approximation of "could be live by the
// time control reaches here from entry."
//
// A block's real argument set is the sorted intersection of both.
func FillInBlockArguments(cfg *CFG, rw *ReadsAndWrites, reg *metrics.Registry) {
	upperBounds1 := make([]map[symbols.LocalVariableID]struct{}, cfg.MaxBasicBlockID)
	timeIt(reg, "cfgbuilder.upperBounds1", func() {
		for _, bb := range cfg.ForwardsTopoSort {
			upperBounds1[bb.ID] = cloneVarSet(rw.Reads[bb.ID])
		}
		changed := true
		for changed {
			changed = false
			for _, bb := range cfg.ForwardsTopoSort {
				s := upperBounds1[bb.ID]
				sz := len(s)
				if bb.Exit.Then != cfg.DeadBlock {
					for v := range upperBounds1[bb.Exit.Then.ID] {
						s[v] = struct{}{}
					}
				}
				if bb.Exit.Else != cfg.DeadBlock {
					for v := range upperBounds1[bb.Exit.Else.ID] {
						s[v] = struct{}{}
					}
				}
				for v := range rw.Dead[bb.ID] {
					if bb.OuterLoops <= cfg.MinLoops[v] {
						delete(s, v)
					}
				}
				if len(s) != sz {
					changed = true
				}
			}
		}
	})

	upperBounds2 := make([]map[symbols.LocalVariableID]struct{}, cfg.MaxBasicBlockID)
	timeIt(reg, "cfgbuilder.upperBounds2", func() {
		for _, bb := range cfg.ForwardsTopoSort {
			upperBounds2[bb.ID] = make(map[symbols.LocalVariableID]struct{})
		}
		changed := true
		for changed {
			changed = false
			for idx := len(cfg.ForwardsTopoSort) - 1; idx >= 0; idx-- {
				bb := cfg.ForwardsTopoSort[idx]
				s := upperBounds2[bb.ID]
				sz := len(s)
				for _, edge := range bb.BackEdges {
					if edge == cfg.DeadBlock {
						continue
					}
					for v := range rw.Writes[edge.ID] {
						s[v] = struct{}{}
					}
					for v := range upperBounds2[edge.ID] {
						s[v] = struct{}{}
					}
				}
				if len(s) != sz {
					changed = true
				}
			}
		}
	})

	timeIt(reg, "cfgbuilder.upperBoundsMerge", func() {
		for _, bb := range cfg.BasicBlocks {
			set2 := upperBounds2[bb.ID]
			var args []symbols.LocalVariableID
			for v := range upperBounds1[bb.ID] {
				if _, ok := set2[v]; ok {
					args = append(args, v)
				}
			}
			sort.Sort(symbols.ByID(args))
			bb.Args = args
			if reg != nil {
				reg.ObserveHistogram("cfgbuilder.blockArguments", len(args))
			}
		}
	})
}

func timeIt(reg *metrics.Registry, name string, fn func()) {
	if reg == nil {
		fn()
		return
	}
	reg.Time(name, fn)
}

func cloneVarSet(m map[symbols.LocalVariableID]struct{}) map[symbols.LocalVariableID]struct{} {
	out := make(map[symbols.LocalVariableID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// SanityCheck re-derives every structural invariant directly from the
// blocks' own pointers and panics via enforce on the first mismatch. It
// runs for free outside DebugMode.
func SanityCheck(cfg *CFG) {
	if !DebugMode {
		return
	}
	for _, bb := range cfg.BasicBlocks {
		for _, parent := range bb.BackEdges {
			enforce(parent.Exit.Then == bb || parent.Exit.Else == bb,
				"block %d lists block %d as a back edge but that block's terminator does not point back", bb.ID, parent.ID)
		}
		if bb == cfg.DeadBlock {
			continue
		}
		if bb != cfg.Entry {
			enforce(bb.hasFlag(WasJumpDestination), "block %d was never linked into the graph", bb.ID)
		}
		enforce(containsBlockPtr(bb.Exit.Then.BackEdges, bb), "block %d's then-successor does not record it as a back edge", bb.ID)
		if bb.Exit.Else != bb.Exit.Then {
			enforce(containsBlockPtr(bb.Exit.Else.BackEdges, bb), "block %d's else-successor does not record it as a back edge", bb.ID)
		}
	}
}

func containsBlockPtr(list []*BasicBlock, target *BasicBlock) bool {
	for _, b := range list {
		if b == target {
			return true
		}
	}
	return false
}
