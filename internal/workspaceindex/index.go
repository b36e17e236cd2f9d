// Package workspaceindex is the persistent, cross-session substrate the
// LSP dispatcher's Indexer is backed by: one row per file tracking the
// hash, version and def-line count of its last-committed content.
// CanTakeFastPath compares the def-line count (not the hash) to tell an
// in-body edit from one that might have added or removed a method, without
// re-parsing anything.
package workspaceindex

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/le-company/sorbetcfg/internal/lsp"
)

// FileRecord is one file's last-committed state.
type FileRecord struct {
	Path         string
	Hash         string
	Version      int
	MethodCount  int
}

// Index is a SQLite-backed implementation of lsp.Indexer.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a workspace index at path. Pass
// ":memory:" for an ephemeral index, the same convention go-sqlite3 itself
// uses.
func Open(path string, logger *zap.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("workspaceindex: open %s: %w", path, err)
	}
	idx := &Index{db: db, logger: logger}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("workspaceindex: init schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			method_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS symbols (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			FOREIGN KEY(path) REFERENCES files(path)
		);
		CREATE INDEX IF NOT EXISTS idx_symbols_path ON symbols(path);
	`)
	return err
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func hashContent(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// CommitEdit persists the post-edit hash (and a crude top-level-method
// count used by CanTakeFastPath) for every file in updates, implementing
// lsp.Indexer.
func (idx *Index) CommitEdit(ctx context.Context, updates *lsp.LSPFileUpdates) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workspaceindex: begin commit: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (path, hash, version, method_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, version = excluded.version, method_count = excluded.method_count
	`)
	if err != nil {
		return fmt.Errorf("workspaceindex: prepare commit: %w", err)
	}
	defer stmt.Close()

	for _, edit := range updates.Edits {
		hash := hashContent(edit.Source)
		methods := countTopLevelMethods(edit.Source)
		if _, err := stmt.ExecContext(ctx, edit.Path, hash, edit.Version, methods); err != nil {
			return fmt.Errorf("workspaceindex: commit %s: %w", edit.Path, err)
		}
		if idx.logger != nil {
			idx.logger.Debug("workspaceindex: committed edit",
				zap.String("path", edit.Path),
				zap.Int("version", edit.Version),
				zap.String("hash", hash))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("workspaceindex: commit tx: %w", err)
	}
	return nil
}

// CanTakeFastPath implements lsp.Indexer: an edit is fast-path eligible
// only if every touched file was already known to the index and its
// top-level method count is unchanged, meaning the edit cannot have added
// or removed a symbol other code might reference.
func (idx *Index) CanTakeFastPath(ctx context.Context, updates *lsp.LSPFileUpdates) bool {
	for _, edit := range updates.Edits {
		prev, ok, err := idx.lookup(ctx, edit.Path)
		if err != nil {
			if idx.logger != nil {
				idx.logger.Warn("workspaceindex: fast-path lookup failed, falling back to slow path",
					zap.String("path", edit.Path), zap.Error(err))
			}
			return false
		}
		if !ok {
			return false
		}
		if countTopLevelMethods(edit.Source) != prev.MethodCount {
			return false
		}
	}
	return true
}

func (idx *Index) lookup(ctx context.Context, path string) (FileRecord, bool, error) {
	var rec FileRecord
	rec.Path = path
	row := idx.db.QueryRowContext(ctx, `SELECT hash, version, method_count FROM files WHERE path = ?`, path)
	switch err := row.Scan(&rec.Hash, &rec.Version, &rec.MethodCount); err {
	case nil:
		return rec, true, nil
	case sql.ErrNoRows:
		return FileRecord{}, false, nil
	default:
		return FileRecord{}, false, err
	}
}

// countTopLevelMethods is a crude, parser-free proxy for "did this edit's
// public shape change": it's enough to distinguish an in-body edit from
// one that added or removed a method without requiring a real parser,
// which is out of scope for this core (see Non-goals).
func countTopLevelMethods(source string) int {
	count := 0
	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "def ") {
			count++
		}
	}
	return count
}
