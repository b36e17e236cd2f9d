// Package symbols provides stable identifiers for local variables, methods,
// and constants, along with the predicates the CFG passes need about them.
package symbols

import "fmt"

// LocalVariableID is an opaque, totally-ordered identifier for a local
// binding within a method body. Ordering is by the underlying integer,
// which is assigned in declaration order by a Table.
type LocalVariableID int

const (
	// Unconditional marks a terminator whose thenb and elseb targets are
	// the same block; its cond carries no real branch condition.
	Unconditional LocalVariableID = -1
	// BlockCall marks a block-dispatch condition. Blocks whose terminator
	// condition is BlockCall are block headers and must never be coalesced
	// away by simplify.
	BlockCall LocalVariableID = -2
)

// Less reports whether id sorts before other under the total order used to
// sort BasicBlock.Args.
func (id LocalVariableID) Less(other LocalVariableID) bool {
	return id < other
}

func (id LocalVariableID) String() string {
	switch id {
	case Unconditional:
		return "<unconditional>"
	case BlockCall:
		return "<block-call>"
	default:
		return fmt.Sprintf("local%d", int(id))
	}
}

// ByID sorts a slice of LocalVariableID ascending, the order
// FillInBlockArguments requires for a block's final argument list.
type ByID []LocalVariableID

func (s ByID) Len() int           { return len(s) }
func (s ByID) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByID) Less(i, j int) bool { return s[i] < s[j] }
