// Package cfg implements the per-method control-flow graph: construction
// from a desugared method body, the normalization (finalize) pipeline, and
// the data model invariants both must preserve.
package cfg

import (
	"github.com/le-company/sorbetcfg/internal/symbols"
	"github.com/le-company/sorbetcfg/internal/tree"
)

// BlockID identifies a BasicBlock within one CFG. Ids are dense and start
// at 0; CFG.MaxBasicBlockID is an upper bound suitable for sizing
// id-indexed slices such as ReadsAndWrites.
type BlockID int

// Flags is a bitset of per-block markers.
type Flags uint8

const (
	// WasJumpDestination is set on every block except entry and deadBlock
	// once it has been linked into the graph by at least one edge.
	WasJumpDestination Flags = 1 << iota
	// LoopHeader is set by MarkLoopHeaders on blocks reached by a back
	// edge from a shallower loop nesting depth.
	LoopHeader
)

// Instruction is the tagged union of CFG binding values. Each variant
// embeds instrBase, which carries the isSynthetic flag; Dealias leaves the
// operands of synthetic instructions alone (except Ident's). RemoveDeadAssigns
// does not consult the flag: it applies the allowlist below either way.
type Instruction interface {
	IsSynthetic() bool
}

type instrBase struct {
	Synthetic bool
}

func (b instrBase) IsSynthetic() bool { return b.Synthetic }

// Ident references another local variable; it is the only instruction
// whose operand Dealias rewrites even when it is synthetic, and one of the
// side-effect-free variants RemoveDeadAssigns may erase.
type Ident struct {
	instrBase
	What symbols.LocalVariableID
}

// Literal is a constant value.
type Literal struct {
	instrBase
	Value interface{}
}

// LoadSelf loads the receiver.
type LoadSelf struct{ instrBase }

// LoadArg loads the Idx'th positional argument.
type LoadArg struct {
	instrBase
	Idx int
}

// LoadYieldParams loads the parameters passed to an implicit block.
type LoadYieldParams struct{ instrBase }

// Send is a method call/message dispatch.
type Send struct {
	instrBase
	Recv   symbols.LocalVariableID
	Method string
	Args   []symbols.LocalVariableID
}

// Return is a method return.
type Return struct {
	instrBase
	What symbols.LocalVariableID
}

// TAbsurd marks an assertion that a branch is statically unreachable
// (exhaustiveness check).
type TAbsurd struct {
	instrBase
	What symbols.LocalVariableID
}

// sideEffectFree lists the instruction variants RemoveDeadAssigns is
// allowed to erase when their bound variable is unread. The allowlist is
// expressed positively and exhaustively so that adding a new Instruction
// variant defaults to "kept" rather than silently becoming eligible for
// removal.
func sideEffectFree(instr Instruction) bool {
	switch instr.(type) {
	case *Ident, *Literal, *LoadSelf, *LoadArg, *LoadYieldParams:
		return true
	default:
		return false
	}
}

// Binding is a single SSA-like assignment within a basic block.
type Binding struct {
	Bind  symbols.LocalVariableID
	Value Instruction
	Loc   tree.Loc
}

// Terminator is a basic block's two-way branch. When Then == Else, Cond
// must be symbols.Unconditional: an unconditional edge is never allowed
// to carry a real branch variable.
type Terminator struct {
	Cond LocalVarOrSentinel
	Then *BasicBlock
	Else *BasicBlock
}

// LocalVarOrSentinel is a plain type alias kept distinct for readability at
// call sites that branch on Unconditional/BlockCall.
type LocalVarOrSentinel = symbols.LocalVariableID

// BasicBlock is a maximal straight-line instruction sequence ending in a
// Terminator.
type BasicBlock struct {
	ID          BlockID
	Exprs       []Binding
	Exit        Terminator
	BackEdges   []*BasicBlock
	Args        []symbols.LocalVariableID
	OuterLoops  int
	RubyBlockID int
	Flags       Flags
	FwdID       int // -1 unvisited, -2 in-progress, else topo index
}

func newBlock(id BlockID) *BasicBlock {
	return &BasicBlock{ID: id, FwdID: -1}
}

func (b *BasicBlock) hasFlag(f Flags) bool { return b.Flags&f != 0 }
func (b *BasicBlock) setFlag(f Flags)      { b.Flags |= f }

// CFG owns every BasicBlock reachable from entry (plus the deadBlock
// sentinel) for one method. BasicBlocks are exclusively owned: removing a
// block from CFG.BasicBlocks frees it.
type CFG struct {
	BasicBlocks      []*BasicBlock
	Entry            *BasicBlock
	DeadBlock        *BasicBlock
	MaxBasicBlockID  BlockID
	ForwardsTopoSort []*BasicBlock
	MinLoops         map[symbols.LocalVariableID]int
	MaxLoopWrite     map[symbols.LocalVariableID]int

	nextBlockID BlockID
}

// NewCFG allocates a fresh CFG with just an entry block and dead block.
// Only the dead block gets a terminator here; entry has none until the
// first Link from it.
func NewCFG() *CFG {
	cfg := &CFG{
		MinLoops:     make(map[symbols.LocalVariableID]int),
		MaxLoopWrite: make(map[symbols.LocalVariableID]int),
	}
	entry := cfg.allocBlock()
	dead := cfg.allocBlock()
	cfg.Entry = entry
	cfg.DeadBlock = dead
	// deadBlock carries a trivial self-loop so every pass can dereference
	// its terminator uniformly without a nil check; this self-edge is
	// deliberately not recorded as a back edge, since deadBlock never
	// needs to reason about its own predecessors. entry's real terminator
	// is installed by Builder.Build via Link before any other pass runs.
	dead.Exit = Terminator{Cond: symbols.Unconditional, Then: dead, Else: dead}
	cfg.BasicBlocks = []*BasicBlock{entry, dead}
	return cfg
}

func (cfg *CFG) allocBlock() *BasicBlock {
	b := newBlock(cfg.nextBlockID)
	cfg.nextBlockID++
	if cfg.nextBlockID > cfg.MaxBasicBlockID {
		cfg.MaxBasicBlockID = cfg.nextBlockID
	}
	return b
}

// NewBlock allocates and registers a new block with the given ruby-block
// scope and loop-nesting depth. Callers are responsible for wiring it into
// the graph (see Link).
func (cfg *CFG) NewBlock(rubyBlockID, outerLoops int) *BasicBlock {
	b := cfg.allocBlock()
	b.RubyBlockID = rubyBlockID
	b.OuterLoops = outerLoops
	cfg.BasicBlocks = append(cfg.BasicBlocks, b)
	return b
}

// Link sets from's terminator and records the corresponding back edges,
// setting WasJumpDestination on each non-entry target. This is the only
// sanctioned way to create or change a terminator: it keeps back-edge
// bookkeeping and WasJumpDestination consistent with the terminator by
// construction.
func (cfg *CFG) Link(from *BasicBlock, cond symbols.LocalVariableID, thenB, elseB *BasicBlock) {
	from.Exit = Terminator{Cond: cond, Then: thenB, Else: elseB}
	if thenB == elseB {
		from.Exit.Cond = symbols.Unconditional
	}
	thenB.BackEdges = append(thenB.BackEdges, from)
	if thenB != elseB {
		elseB.BackEdges = append(elseB.BackEdges, from)
	}
	if thenB != cfg.Entry {
		thenB.setFlag(WasJumpDestination)
	}
	if elseB != cfg.Entry {
		elseB.setFlag(WasJumpDestination)
	}
}

// ReadsAndWrites is the per-block read/write/dead summary computed fresh
// before RemoveDeadAssigns, ComputeMinMaxLoops, and FillInBlockArguments.
type ReadsAndWrites struct {
	Reads  []map[symbols.LocalVariableID]struct{}
	Writes []map[symbols.LocalVariableID]struct{}
	Dead   []map[symbols.LocalVariableID]struct{}
}

func newSets(n int) []map[symbols.LocalVariableID]struct{} {
	s := make([]map[symbols.LocalVariableID]struct{}, n)
	for i := range s {
		s[i] = make(map[symbols.LocalVariableID]struct{})
	}
	return s
}

// ComputeReadsAndWrites walks every live block once, classifying each
// variable mentioned in it as read (used as an operand) or written (bound
// by a Binding). A variable is dead-on-entry to its block if every mention
// of it in that block is a write with no preceding or following read in
// the same block.
func ComputeReadsAndWrites(cfg *CFG) *ReadsAndWrites {
	rw := &ReadsAndWrites{
		Reads:  newSets(int(cfg.MaxBasicBlockID)),
		Writes: newSets(int(cfg.MaxBasicBlockID)),
		Dead:   newSets(int(cfg.MaxBasicBlockID)),
	}
	for _, bb := range cfg.BasicBlocks {
		reads := rw.Reads[bb.ID]
		writes := rw.Writes[bb.ID]
		addRead := func(id symbols.LocalVariableID) { reads[id] = struct{}{} }
		for _, bind := range bb.Exprs {
			switch v := bind.Value.(type) {
			case *Ident:
				addRead(v.What)
			case *Send:
				addRead(v.Recv)
				for _, a := range v.Args {
					addRead(a)
				}
			case *Return:
				addRead(v.What)
			case *TAbsurd:
				addRead(v.What)
			}
			writes[bind.Bind] = struct{}{}
		}
		if bb.Exit.Cond != symbols.Unconditional && bb.Exit.Cond != symbols.BlockCall {
			addRead(bb.Exit.Cond)
		}
		for v := range writes {
			if _, read := reads[v]; !read {
				rw.Dead[bb.ID][v] = struct{}{}
			}
		}
	}
	return rw
}
