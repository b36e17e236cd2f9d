// Package typecheck provides the default lsp.TypecheckerDelegate this
// core ships with. Type inference itself is an external collaborator (see
// spec Non-goals): Delegate's job ends at fanning the slow path's
// re-index out across touched files and reporting whether it committed,
// not at actually inferring anything.
package typecheck

import (
	"context"

	"go.uber.org/zap"

	"github.com/le-company/sorbetcfg/internal/lsp"
)

// Delegate implements lsp.TypecheckerDelegate as a bounded fan-out over
// the files a workspace edit touched. Swap it for a real checker by
// implementing lsp.TypecheckerDelegate directly; the dispatcher never
// assumes this is the only implementation.
type Delegate struct {
	pool   *lsp.WorkerPool
	logger *zap.Logger
}

// NewDelegate wires a Delegate. jobs bounds the slow path's internal
// fan-out (0 means GOMAXPROCS).
func NewDelegate(jobs int, logger *zap.Logger) *Delegate {
	return &Delegate{
		pool:   lsp.NewWorkerPool(jobs),
		logger: logger,
	}
}

// TypecheckOnFastPath incrementally re-checks updates against already
// committed state. The index has already accepted the edit by the time
// the dispatcher calls this; there's nothing further for the fast path to
// do beyond whatever a real checker would do here.
func (d *Delegate) TypecheckOnFastPath(ctx context.Context, updates *lsp.LSPFileUpdates) error {
	if d.logger != nil {
		d.logger.Info("typecheck: fast path", zap.Int("files", len(updates.Edits)))
	}
	return nil
}

// Typecheck runs the slow path: a whole-program re-index fanned out
// across every file updates touched. It reports false rather than an
// error when ctx was canceled mid-flight, since that's a preemption, not
// a failure.
func (d *Delegate) Typecheck(ctx context.Context, updates *lsp.LSPFileUpdates, epoch uint64) (bool, error) {
	paths := updates.Paths()
	err := d.pool.ReindexFiles(ctx, paths, func(ctx context.Context, path string) error {
		if d.logger != nil {
			d.logger.Debug("typecheck: reindexing", zap.String("path", path), zap.Uint64("epoch", epoch))
		}
		return nil
	})
	if ctx.Err() != nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.logger != nil {
		d.logger.Info("typecheck: slow path committed", zap.Uint64("epoch", epoch), zap.Int("files", len(paths)))
	}
	return true, nil
}
