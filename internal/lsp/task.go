package lsp

import (
	"context"
	"fmt"
	"sync"

	"github.com/le-company/sorbetcfg/internal/metrics"
)

// WorkspaceEditTask carries one workspace edit notification through
// Created -> Preprocessed -> Indexed -> (FastRun | SlowRun -> Committed |
// Canceled) -> Done. Every phase method is safe to call from whichever
// dispatcher thread owns that phase; the mutex only protects the fields
// phases hand off to each other (state, the cached fast-path decision,
// the timers), not the phases' own work.
type WorkspaceEditTask struct {
	mu    sync.Mutex
	state State

	updates     *LSPFileUpdates
	indexer     Indexer
	typechecker TypecheckerDelegate
	epochs      *EpochManager
	metrics     *metrics.Registry

	editCount          int
	committedEditCount int
	indexed            bool

	latencyTimer           *metrics.Timer
	latencyCancelSlowPath  *metrics.Timer
	diagnosticLatencyTimers []*metrics.Timer
	canceledSlowPath       bool

	cachedFastPathDecisionValid bool
	cachedFastPathDecision      bool

	started     chan struct{}
	startedOnce sync.Once
}

// NewWorkspaceEditTask creates a task in the Created state. latencyCancelSlowPath
// is armed immediately unless updates carries no edits, since a task with
// nothing to commit will never reach a point where "the slow path got
// preempted by a faster one" is a meaningful thing to measure.
func NewWorkspaceEditTask(updates *LSPFileUpdates, indexer Indexer, tc TypecheckerDelegate, epochs *EpochManager, reg *metrics.Registry) *WorkspaceEditTask {
	t := &WorkspaceEditTask{
		state:       StateCreated,
		updates:     updates,
		indexer:     indexer,
		typechecker: tc,
		epochs:      epochs,
		metrics:     reg,
		editCount:   len(updates.Edits),
		started:     make(chan struct{}),
	}
	if reg != nil {
		t.latencyTimer = reg.StartTimer("lsp.latency")
		if len(updates.Edits) != 0 {
			t.latencyCancelSlowPath = reg.StartTimer("latency.cancel_slow_path")
		}
	}
	return t
}

// State returns the task's current phase.
func (t *WorkspaceEditTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FinalPhase reports how far this task's shape requires it to progress.
func (t *WorkspaceEditTask) FinalPhase() FinalPhaseKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.updates.Edits) == 0 {
		return FinalPhasePreprocess
	}
	return FinalPhaseRun
}

// MergeNewer absorbs a task that arrived while t was still waiting to be
// indexed, so the scheduler only ever typechecks the merged result once.
// Merging either task once it has already been indexed (and so may have
// already committed part of its edits, or started running) is a caller
// bug and fails instead of silently corrupting whichever task is still
// live.
func (t *WorkspaceEditTask) MergeNewer(newer *WorkspaceEditTask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	newer.mu.Lock()
	defer newer.mu.Unlock()

	if t.indexed || newer.indexed {
		return fmt.Errorf("lsp: cannot merge a task that has already been indexed")
	}

	t.updates.Merge(newer.updates)
	t.editCount += newer.editCount

	if newer.latencyTimer != nil {
		newer.latencyTimer.Cancel()
	}
	if newer.latencyCancelSlowPath != nil {
		newer.latencyCancelSlowPath.Cancel()
	}
	for _, dt := range newer.diagnosticLatencyTimers {
		dt.Cancel()
	}

	t.cachedFastPathDecisionValid = false
	newer.cachedFastPathDecisionValid = false
	return nil
}

// Preprocess clones a diagnostic latency timer per edit and advances to
// Preprocessed.
func (t *WorkspaceEditTask) Preprocess(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latencyTimer != nil {
		for range t.updates.Edits {
			t.diagnosticLatencyTimers = append(t.diagnosticLatencyTimers, t.latencyTimer.Clone("last_diagnostic_latency"))
		}
	}
	t.state = StatePreprocessed
}

// Index commits the edit to the backing index and advances to Indexed.
func (t *WorkspaceEditTask) Index(ctx context.Context) error {
	t.mu.Lock()
	updates := t.updates
	t.mu.Unlock()

	if err := t.indexer.CommitEdit(ctx, updates); err != nil {
		return err
	}

	t.mu.Lock()
	t.indexed = true
	t.state = StateIndexed
	t.mu.Unlock()
	return nil
}

// CanTakeFastPath asks the indexer at most once per merge generation
// whether this task's updates are small and local enough to skip a full
// re-typecheck, caching the answer until the next MergeNewer invalidates
// it.
func (t *WorkspaceEditTask) CanTakeFastPath(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cachedFastPathDecisionValid {
		return t.cachedFastPathDecision
	}
	t.cachedFastPathDecision = t.indexer.CanTakeFastPath(ctx, t.updates)
	t.cachedFastPathDecisionValid = true
	return t.cachedFastPathDecision
}

// CanPreempt reports whether a currently-running slow path task may be
// interrupted to let this one run first; it's the same question as
// CanTakeFastPath, since only a fast task is ever worth preempting for.
func (t *WorkspaceEditTask) CanPreempt(ctx context.Context) bool {
	return t.CanTakeFastPath(ctx)
}

// NeedsMultithreading reports whether this task must run on the
// background worker pool rather than inline on the scheduler thread.
func (t *WorkspaceEditTask) NeedsMultithreading(ctx context.Context) bool {
	return !t.CanTakeFastPath(ctx)
}

// SchedulerWaitUntilReady blocks until Run or RunSpecial has begun
// executing (not necessarily finished), or ctx is done first.
func (t *WorkspaceEditTask) SchedulerWaitUntilReady(ctx context.Context) error {
	select {
	case <-t.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WorkspaceEditTask) markStarted() {
	t.startedOnce.Do(func() { close(t.started) })
}

func (t *WorkspaceEditTask) cancelSlowPathLatencyOnce() {
	if t.latencyCancelSlowPath != nil && !t.canceledSlowPath {
		t.latencyCancelSlowPath.Cancel()
		t.canceledSlowPath = true
	}
}

// Run executes the fast path: an incremental re-typecheck against
// already-committed state. It is an error to call this on a task whose
// cached decision says it needs the slow path; that mismatch means the
// scheduler misclassified it.
func (t *WorkspaceEditTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.latencyTimer != nil {
		t.latencyTimer.SetTag("fast")
	}
	t.cancelSlowPathLatencyOnce()
	t.state = StateFastRun
	t.mu.Unlock()

	t.markStarted()

	if !t.CanTakeFastPath(ctx) {
		return fmt.Errorf("lsp: attempted to run a slow path update on the fast path")
	}

	t.mu.Lock()
	newEditCount := t.editCount - t.committedEditCount
	t.mu.Unlock()

	if err := t.typechecker.TypecheckOnFastPath(ctx, t.updates); err != nil {
		return err
	}

	if t.metrics != nil && newEditCount > 1 {
		t.metrics.AddCounter("sorbet.mergedEdits", int64(newEditCount-1))
	}

	t.mu.Lock()
	t.committedEditCount = t.editCount
	t.state = StateDone
	if t.latencyTimer != nil {
		t.latencyTimer.Done()
	}
	t.mu.Unlock()
	return nil
}

// RunSpecial executes the slow path: a full re-index and typecheck under
// epoch. A false result from the typechecker means a newer commit
// preempted this one; RunSpecial cancels the task's own timers and leaves
// StateCanceled rather than reporting stats for work nobody will see.
func (t *WorkspaceEditTask) RunSpecial(ctx context.Context, epoch uint64) error {
	t.mu.Lock()
	if t.latencyTimer != nil {
		t.latencyTimer.SetTag("slow")
	}
	t.cancelSlowPathLatencyOnce()
	t.state = StateSlowRun
	newEditCount := t.editCount - t.committedEditCount
	t.mu.Unlock()

	t.epochs.StartCommitEpoch(epoch)
	t.markStarted()

	committed, err := t.typechecker.Typecheck(ctx, t.updates, epoch)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if committed {
		if t.metrics != nil && newEditCount > 1 {
			t.metrics.AddCounter("sorbet.mergedEdits", int64(newEditCount-1))
		}
		t.committedEditCount = t.editCount
		t.state = StateCommitted
		if t.latencyTimer != nil {
			t.latencyTimer.Done()
		}
	} else {
		if t.latencyTimer != nil {
			t.latencyTimer.Cancel()
		}
		for _, dt := range t.diagnosticLatencyTimers {
			dt.Cancel()
		}
		t.state = StateCanceled
	}
	return nil
}

// Finish transitions a Committed or Canceled task to Done. Run already
// leaves a fast-path task in Done directly, since there is no commit/
// cancel fork on that path.
func (t *WorkspaceEditTask) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCommitted || t.state == StateCanceled {
		t.state = StateDone
	}
}
