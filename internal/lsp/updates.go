package lsp

// FileEdit is one file's worth of a workspace edit notification.
type FileEdit struct {
	Path    string
	Version int
	Source  string
}

// LSPFileUpdates is the payload of a single workspace/didChange-style
// notification, plus the epoch the slow path should commit under if it
// turns out one is needed.
type LSPFileUpdates struct {
	Epoch uint64
	Edits []FileEdit
}

// Merge folds newer's edits into u in place, keeping the later epoch. A
// later edit to the same path supersedes an earlier one with the same
// path once indexed, but merge itself doesn't dedupe: the indexer sees
// every edit in submission order and applies them in sequence, which is
// what makes two edits to the same path collapse into "whatever the
// second one said" rather than something subtler.
func (u *LSPFileUpdates) Merge(newer *LSPFileUpdates) {
	u.Edits = append(u.Edits, newer.Edits...)
	u.Epoch = newer.Epoch
}

// Paths returns the distinct file paths touched by u, in first-touched
// order.
func (u *LSPFileUpdates) Paths() []string {
	seen := make(map[string]struct{}, len(u.Edits))
	var out []string
	for _, e := range u.Edits {
		if _, ok := seen[e.Path]; ok {
			continue
		}
		seen[e.Path] = struct{}{}
		out = append(out, e.Path)
	}
	return out
}
