package symbols

import "sync"

// Kind classifies a local variable for the predicates the CFG finalize
// pipeline relies on. Most locals are Regular; the desugarer introduces
// SyntheticTemporary locals for intermediate values, and name resolution
// marks module-level globals accessed through a local alias as
// AliasForGlobal.
type Kind int

const (
	Regular Kind = iota
	SyntheticTemporary
	AliasForGlobal
)

// Table owns the LocalVariableID space for one compilation unit. CFG
// normalization only reads it; CFG construction also declares synthetic
// temporaries through it. Callers need no lock of their own: Table guards
// every read and every Declare with its own RWMutex.
type Table struct {
	mu    sync.RWMutex
	kinds map[LocalVariableID]Kind
	names map[LocalVariableID]string
	next  LocalVariableID
}

// NewTable creates an empty Table. Allocation starts at 0; Unconditional
// and BlockCall are negative sentinels and never collide with allocated
// ids.
func NewTable() *Table {
	return &Table{
		kinds: make(map[LocalVariableID]Kind),
		names: make(map[LocalVariableID]string),
	}
}

// Declare allocates a fresh LocalVariableID for name with the given Kind.
func (t *Table) Declare(name string, kind Kind) LocalVariableID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.kinds[id] = kind
	t.names[id] = name
	return id
}

// Name returns the declared name for id, or its String() form if id was
// never declared through this table (e.g. a sentinel).
func (t *Table) Name(id LocalVariableID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if name, ok := t.names[id]; ok {
		return name
	}
	return id.String()
}

// IsSyntheticTemporary reports whether id was declared as a synthetic
// temporary. Dealiasing only ever rewrites synthetic-temporary operands.
func (t *Table) IsSyntheticTemporary(id LocalVariableID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.kinds[id] == SyntheticTemporary
}

// IsAliasForGlobal reports whether id is a local alias for a module-level
// global. Bindings to such ids are side-effecting and are never pruned by
// removeDeadAssigns even when unread.
func (t *Table) IsAliasForGlobal(id LocalVariableID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.kinds[id] == AliasForGlobal
}
