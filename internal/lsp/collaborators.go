package lsp

import "context"

// Indexer commits a workspace edit's effect on the symbol/file index and
// decides whether a set of updates is small and local enough to skip a
// full re-typecheck. The decision is expensive enough (it looks up every
// updated file against what the index last saw) that WorkspaceEditTask
// memoizes it instead of asking twice.
type Indexer interface {
	CommitEdit(ctx context.Context, updates *LSPFileUpdates) error
	CanTakeFastPath(ctx context.Context, updates *LSPFileUpdates) bool
}

// TypecheckerDelegate runs the actual type inference, either incrementally
// against already-typechecked state (fast path) or as a full re-index
// (slow path). Typecheck reports false when a newer commit epoch started
// before this one finished, meaning its result must be discarded.
type TypecheckerDelegate interface {
	TypecheckOnFastPath(ctx context.Context, updates *LSPFileUpdates) error
	Typecheck(ctx context.Context, updates *LSPFileUpdates, epoch uint64) (committed bool, err error)
}
