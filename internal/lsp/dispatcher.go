package lsp

import (
	"context"
	"sync"

	"github.com/le-company/sorbetcfg/internal/metrics"
)

// Dispatcher runs the three-thread pipeline a workspace edit passes
// through: a preprocessor that indexes every incoming edit in submission
// order, and a scheduler that classifies each indexed task and either
// runs it inline on the fast path or hands it to the slow path's worker
// pool, preempting an in-flight slow task whenever a fast one becomes
// ready behind it.
// Dispatcher owns no collaborator references of its own: every task
// already carries the indexer/typechecker it was constructed with, so the
// dispatcher's only state is the scheduling machinery (the epoch source
// for slow-path commits, and which slow task currently holds the worker
// pool).
type Dispatcher struct {
	epochs  *EpochManager
	metrics *metrics.Registry

	incoming chan *WorkspaceEditTask
	indexed  chan *WorkspaceEditTask
	finished chan *WorkspaceEditTask

	mu         sync.Mutex
	slowTask   *WorkspaceEditTask
	slowCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher sharing epochs with whatever tasks
// will be submitted to it (tasks and the dispatcher must agree on the
// same EpochManager, since RunSpecial calls epochs.StartCommitEpoch
// directly).
func NewDispatcher(epochs *EpochManager, reg *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		epochs:   epochs,
		metrics:  reg,
		incoming: make(chan *WorkspaceEditTask, 64),
		indexed:  make(chan *WorkspaceEditTask, 64),
		finished: make(chan *WorkspaceEditTask, 64),
	}
}

// Start launches the preprocessor and scheduler goroutines. Both exit once
// ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	go d.preprocessLoop(ctx)
	go d.scheduleLoop(ctx)
}

// Wait blocks until both dispatcher goroutines have exited, which happens
// once Start's ctx is canceled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit hands a new task to the preprocessor thread, preserving FIFO
// submission order.
func (d *Dispatcher) Submit(task *WorkspaceEditTask) {
	d.incoming <- task
}

// Finished yields every task once the dispatcher is through with it. That
// is normally in Done; a task whose merge, Index, Run or RunSpecial failed
// is yielded in whatever state it had reached.
func (d *Dispatcher) Finished() <-chan *WorkspaceEditTask {
	return d.finished
}

func (d *Dispatcher) preprocessLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.incoming:
			if !ok {
				return
			}
			task = d.coalesce(ctx, task)
			task.Preprocess(ctx)

			if task.FinalPhase() == FinalPhasePreprocess {
				task.mu.Lock()
				task.state = StateDone
				task.mu.Unlock()
				task.markStarted()
				d.emitFinished(ctx, task)
				continue
			}

			if err := task.Index(ctx); err != nil {
				task.markStarted()
				d.emitFinished(ctx, task)
				continue
			}

			select {
			case d.indexed <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

// coalesce absorbs every task already waiting on d.incoming into task via
// MergeNewer, so a burst of edits that piled up while the preprocessor was
// busy with an earlier one lands as a single commitEdit instead of one per
// edit. Only tasks not yet indexed can be merged; task was just dequeued
// and nothing calls Index on it until this returns, so every task drained
// here still qualifies. A task that MergeNewer rejects (which should not
// happen here, since nothing else indexes tasks out from under this loop)
// is finished on its own rather than dropped.
func (d *Dispatcher) coalesce(ctx context.Context, task *WorkspaceEditTask) *WorkspaceEditTask {
	for {
		select {
		case next, ok := <-d.incoming:
			if !ok {
				return task
			}
			if err := task.MergeNewer(next); err != nil {
				next.markStarted()
				d.emitFinished(ctx, next)
				continue
			}
		default:
			return task
		}
	}
}

func (d *Dispatcher) scheduleLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.indexed:
			if !ok {
				return
			}
			d.schedule(ctx, task)
		}
	}
}

// schedule classifies an indexed task and runs it. A fast task always
// preempts whatever slow task currently occupies the worker pool, since a
// fast path is cheap enough to finish well before the preempted slow
// path's re-index would have anyway. A new slow task also supersedes an
// older one rather than queuing behind it: cancellation is cooperative, so
// the old one's goroutine keeps running until it next checks its context,
// at which point it reports itself Canceled instead of Committed.
//
// schedule never blocks waiting for a slow task to finish, so the
// scheduler loop stays free to dequeue and preempt behind it.
func (d *Dispatcher) schedule(ctx context.Context, task *WorkspaceEditTask) {
	if task.CanTakeFastPath(ctx) {
		d.preemptSlowTask()
		_ = task.Run(ctx)
		d.emitFinished(ctx, task)
		return
	}

	d.preemptSlowTask()

	slowCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.slowTask = task
	d.slowCancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		epoch := d.epochs.NextEpoch()
		_ = task.RunSpecial(slowCtx, epoch)
		task.Finish()

		d.mu.Lock()
		if d.slowTask == task {
			d.slowTask = nil
			d.slowCancel = nil
		}
		d.mu.Unlock()

		d.emitFinished(ctx, task)
	}()
}

func (d *Dispatcher) preemptSlowTask() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slowCancel != nil {
		d.slowCancel()
	}
}

func (d *Dispatcher) emitFinished(ctx context.Context, task *WorkspaceEditTask) {
	if d.metrics != nil {
		d.metrics.AddCounter("lsp.messages.processed", 1)
	}
	select {
	case d.finished <- task:
	case <-ctx.Done():
	}
}
