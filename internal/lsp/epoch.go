package lsp

import "sync/atomic"

// EpochManager hands out the epoch a slow path commits under and lets any
// goroutine cheaply check whether the epoch it started under is still
// current, i.e. whether a newer commit has superseded it and it should
// cooperatively abandon its work rather than race a result in.
type EpochManager struct {
	current atomic.Uint64
}

// NewEpochManager starts at epoch 0.
func NewEpochManager() *EpochManager {
	return &EpochManager{}
}

// NextEpoch allocates the epoch the next slow path commit should use.
func (m *EpochManager) NextEpoch() uint64 {
	return m.current.Add(1)
}

// StartCommitEpoch marks epoch as the one currently being committed,
// called right before a slow path's typecheck begins.
func (m *EpochManager) StartCommitEpoch(epoch uint64) {
	m.current.Store(epoch)
}

// Current returns the most recently started commit epoch.
func (m *EpochManager) Current() uint64 {
	return m.current.Load()
}

// IsCurrent reports whether epoch is still the one in flight.
func (m *EpochManager) IsCurrent(epoch uint64) bool {
	return m.current.Load() == epoch
}
