package lsp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/le-company/sorbetcfg/internal/metrics"
)

type fakeIndexer struct {
	mu         sync.Mutex
	committed  []*LSPFileUpdates
	fastPath   bool
}

func (f *fakeIndexer) CommitEdit(ctx context.Context, updates *LSPFileUpdates) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, updates)
	return nil
}

func (f *fakeIndexer) CanTakeFastPath(ctx context.Context, updates *LSPFileUpdates) bool {
	return f.fastPath
}

type fakeTypechecker struct {
	fastRan  chan struct{}
	slowDone chan struct{}
	slowErr  error
	slowOK   bool
	blockSlow chan struct{}
}

func (f *fakeTypechecker) TypecheckOnFastPath(ctx context.Context, updates *LSPFileUpdates) error {
	if f.fastRan != nil {
		close(f.fastRan)
	}
	return nil
}

func (f *fakeTypechecker) Typecheck(ctx context.Context, updates *LSPFileUpdates, epoch uint64) (bool, error) {
	if f.blockSlow != nil {
		select {
		case <-f.blockSlow:
		case <-ctx.Done():
			if f.slowDone != nil {
				close(f.slowDone)
			}
			return false, nil
		}
	}
	if f.slowDone != nil {
		close(f.slowDone)
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return f.slowOK, f.slowErr
}

func TestTaskWithNoEditsShortCircuitsToPreprocessed(t *testing.T) {
	reg := metrics.NewRegistry()
	idx := &fakeIndexer{fastPath: true}
	tc := &fakeTypechecker{slowOK: true}
	epochs := NewEpochManager()

	task := NewWorkspaceEditTask(&LSPFileUpdates{}, idx, tc, epochs, reg)
	if task.FinalPhase() != FinalPhasePreprocess {
		t.Fatalf("expected FinalPhasePreprocess for an edit-less task")
	}

	d := NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Submit(task)
	select {
	case done := <-d.Finished():
		if done.State() != StateDone {
			t.Fatalf("expected StateDone, got %v", done.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for edit-less task to finish")
	}
	if len(idx.committed) != 0 {
		t.Fatalf("an edit-less task must never reach the indexer")
	}
}

func TestDispatcherRunsFastPath(t *testing.T) {
	reg := metrics.NewRegistry()
	idx := &fakeIndexer{fastPath: true}
	fastRan := make(chan struct{})
	tc := &fakeTypechecker{fastRan: fastRan}
	epochs := NewEpochManager()

	task := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "a.rb"}}}, idx, tc, epochs, reg)

	d := NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Submit(task)

	select {
	case <-fastRan:
	case <-time.After(2 * time.Second):
		t.Fatal("fast path never ran")
	}

	select {
	case done := <-d.Finished():
		if done.State() != StateDone {
			t.Fatalf("expected StateDone, got %v", done.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fast task to finish")
	}
}

func TestDispatcherRunsSlowPathToCommitted(t *testing.T) {
	reg := metrics.NewRegistry()
	idx := &fakeIndexer{fastPath: false}
	tc := &fakeTypechecker{slowOK: true}
	epochs := NewEpochManager()

	task := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "a.rb"}}}, idx, tc, epochs, reg)

	d := NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Submit(task)

	select {
	case done := <-d.Finished():
		if done.State() != StateDone {
			t.Fatalf("expected StateDone after a committed slow path, got %v", done.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slow task to finish")
	}
}

func TestFastPathPreemptsInFlightSlowPath(t *testing.T) {
	reg := metrics.NewRegistry()
	idxSlow := &fakeIndexer{fastPath: false}
	idxFast := &fakeIndexer{fastPath: true}
	epochs := NewEpochManager()

	blockSlow := make(chan struct{})
	slowDone := make(chan struct{})
	slowTC := &fakeTypechecker{blockSlow: blockSlow, slowDone: slowDone, slowOK: true}
	fastRan := make(chan struct{})
	fastTC := &fakeTypechecker{fastRan: fastRan}

	slowTask := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "big.rb"}}}, idxSlow, slowTC, epochs, reg)
	fastTask := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "small.rb"}}}, idxFast, fastTC, epochs, reg)

	d := NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Submit(slowTask)
	if err := slowTask.SchedulerWaitUntilReady(ctx); err != nil {
		t.Fatalf("slow task never started: %v", err)
	}

	d.Submit(fastTask)

	select {
	case <-fastRan:
	case <-time.After(2 * time.Second):
		t.Fatal("fast path never preempted the slow path")
	}

	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("preempted slow path never observed cancellation")
	}

	if slowTask.State() != StateCanceled && slowTask.State() != StateDone {
		t.Fatalf("expected the preempted slow task to cancel, got %v", slowTask.State())
	}
}

func TestMergeNewerFoldsUpdatesAndInvalidatesCache(t *testing.T) {
	reg := metrics.NewRegistry()
	idx := &fakeIndexer{fastPath: true}
	tc := &fakeTypechecker{}
	epochs := NewEpochManager()

	older := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "a.rb"}}}, idx, tc, epochs, reg)
	newer := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "b.rb"}}}, idx, tc, epochs, reg)

	_ = older.CanTakeFastPath(context.Background())

	if err := older.MergeNewer(newer); err != nil {
		t.Fatalf("MergeNewer: %v", err)
	}

	if len(older.updates.Edits) != 2 {
		t.Fatalf("expected merged task to carry both edits, got %d", len(older.updates.Edits))
	}
	if older.cachedFastPathDecisionValid {
		t.Fatalf("MergeNewer must invalidate the cached fast-path decision")
	}
}

func TestMergeNewerRejectsAlreadyIndexedTask(t *testing.T) {
	idx := &fakeIndexer{}
	tc := &fakeTypechecker{}
	epochs := NewEpochManager()

	a := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "a.rb"}}}, idx, tc, epochs, nil)
	b := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "b.rb"}}}, idx, tc, epochs, nil)

	if err := a.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	if err := a.MergeNewer(b); err == nil {
		t.Fatalf("expected an error merging a newer task into one already indexed")
	}
	if err := b.MergeNewer(a); err == nil {
		t.Fatalf("expected an error absorbing a task that has already been indexed")
	}
}

func TestDispatcherCoalescesQueuedEdits(t *testing.T) {
	reg := metrics.NewRegistry()
	idx := &fakeIndexer{fastPath: true}
	tc := &fakeTypechecker{}
	epochs := NewEpochManager()

	older := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "a.rb"}}}, idx, tc, epochs, reg)
	newer := NewWorkspaceEditTask(&LSPFileUpdates{Edits: []FileEdit{{Path: "b.rb"}}}, idx, tc, epochs, reg)

	d := NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Submit(older)
	d.Submit(newer)

	select {
	case done := <-d.Finished():
		if done.State() != StateDone {
			t.Fatalf("expected StateDone, got %v", done.State())
		}
		if done != older {
			t.Fatalf("expected the earlier task to survive the merge")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the coalesced task to finish")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.committed) != 1 {
		t.Fatalf("expected a single commitEdit call for the coalesced batch, got %d", len(idx.committed))
	}
	if len(idx.committed[0].Edits) != 2 {
		t.Fatalf("expected the committed batch to carry both edits, got %d", len(idx.committed[0].Edits))
	}
}
