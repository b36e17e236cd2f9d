package lsp

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// WorkerPool fans a slow path's whole-program re-index out across the
// files it touches, bounded by a concurrency limit, the same shape as a
// bounded parallel directory walk: one errgroup per call, SetLimit to cap
// concurrency, one goroutine per item, first error wins via the group's
// shared context.
type WorkerPool struct {
	jobs int
}

// NewWorkerPool returns a pool capped at jobs concurrent goroutines; jobs
// <= 0 means GOMAXPROCS.
func NewWorkerPool(jobs int) *WorkerPool {
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	return &WorkerPool{jobs: jobs}
}

// ReindexFiles calls reindex once per path, bounded by the pool's limit,
// and returns the first error any call produced. A cancellation of ctx
// (a preempting fast path, typically) propagates to every in-flight call
// via the group's derived context.
func (p *WorkerPool) ReindexFiles(ctx context.Context, paths []string, reindex func(ctx context.Context, path string) error) error {
	if len(paths) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(p.jobs, len(paths)))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return reindex(gctx, path)
		})
	}
	return g.Wait()
}
