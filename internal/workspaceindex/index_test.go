package workspaceindex

import (
	"context"
	"testing"

	"github.com/le-company/sorbetcfg/internal/lsp"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCanTakeFastPathFalseForUnseenFile(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	updates := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Source: "def foo\nend\n"}}}
	if idx.CanTakeFastPath(ctx, updates) {
		t.Fatalf("a never-before-seen file must require the slow path")
	}
}

func TestCanTakeFastPathTrueWhenMethodCountUnchanged(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	first := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Version: 1, Source: "def foo\n  1\nend\n"}}}
	if err := idx.CommitEdit(ctx, first); err != nil {
		t.Fatalf("CommitEdit: %v", err)
	}

	second := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Version: 2, Source: "def foo\n  2\nend\n"}}}
	if !idx.CanTakeFastPath(ctx, second) {
		t.Fatalf("editing a method body without changing method count should be fast-path eligible")
	}
}

func TestCanTakeFastPathFalseWhenMethodAdded(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	first := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Version: 1, Source: "def foo\nend\n"}}}
	if err := idx.CommitEdit(ctx, first); err != nil {
		t.Fatalf("CommitEdit: %v", err)
	}

	second := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Version: 2, Source: "def foo\nend\ndef bar\nend\n"}}}
	if idx.CanTakeFastPath(ctx, second) {
		t.Fatalf("adding a method must require the slow path")
	}
}

func TestCommitEditIsIdempotentPerPath(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	u := &lsp.LSPFileUpdates{Edits: []lsp.FileEdit{{Path: "a.rb", Version: 1, Source: "def foo\nend\n"}}}
	if err := idx.CommitEdit(ctx, u); err != nil {
		t.Fatalf("CommitEdit #1: %v", err)
	}
	if err := idx.CommitEdit(ctx, u); err != nil {
		t.Fatalf("CommitEdit #2: %v", err)
	}

	rec, ok, err := idx.lookup(ctx, "a.rb")
	if err != nil || !ok {
		t.Fatalf("lookup: %v, ok=%v", err, ok)
	}
	if rec.MethodCount != 1 {
		t.Fatalf("expected method_count 1, got %d", rec.MethodCount)
	}
}
