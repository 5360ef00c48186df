package loom

import (
	"sync"
	"time"
)

// HistoryEntry describes one snapshot in a document's history.
type HistoryEntry struct {
	Op      string    `json:"op"`
	At      time.Time `json:"at"`
	Current bool      `json:"current"`
}

type snapshot struct {
	graph *Graph
	op    string
	at    time.Time
}

// Document owns a graph's edit history: an append-only log of immutable
// snapshots plus a cursor. Graphs returned by a Document must not be mutated.
type Document struct {
	mu        sync.Mutex
	snapshots []snapshot
	cursor    int
	lockedBy  string
	now       func() time.Time
}

// NewDocument starts a history at g.
func NewDocument(g *Graph) *Document {
	return &Document{
		snapshots: []snapshot{{graph: g.Clone(), op: "open", at: time.Now()}},
		now:       time.Now,
	}
}

// Graph returns the current snapshot.
func (d *Document) Graph() *Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots[d.cursor].graph
}

// Apply performs an edit and records the result as the new current
// snapshot, dropping any redo tail.
func (d *Document) Apply(e Edit) (*Graph, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLock(); err != nil {
		return nil, err
	}
	next, err := ApplyEdit(d.snapshots[d.cursor].graph, e)
	if err != nil {
		return nil, err
	}
	d.snapshots = append(d.snapshots[:d.cursor+1], snapshot{graph: next, op: e.Op(), at: d.now()})
	d.cursor++
	return next, nil
}

// Undo moves the cursor one snapshot back.
func (d *Document) Undo() (*Graph, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLock(); err != nil {
		return nil, err
	}
	if d.cursor == 0 {
		return nil, ErrNothingToUndo
	}
	d.cursor--
	return d.snapshots[d.cursor].graph, nil
}

// Redo moves the cursor one snapshot forward.
func (d *Document) Redo() (*Graph, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLock(); err != nil {
		return nil, err
	}
	if d.cursor == len(d.snapshots)-1 {
		return nil, ErrNothingToRedo
	}
	d.cursor++
	return d.snapshots[d.cursor].graph, nil
}

// CanUndo reports whether Undo would succeed ignoring locks.
func (d *Document) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor > 0
}

// CanRedo reports whether Redo would succeed ignoring locks.
func (d *Document) CanRedo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor < len(d.snapshots)-1
}

// History lists the snapshots oldest first.
func (d *Document) History() []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := make([]HistoryEntry, len(d.snapshots))
	for i, s := range d.snapshots {
		entries[i] = HistoryEntry{Op: s.op, At: s.at, Current: i == d.cursor}
	}
	return entries
}

// Lock reserves the document for a run. Edits fail with *GraphLockedError
// until Unlock is called with the same run id.
func (d *Document) Lock(runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLock(); err != nil {
		return err
	}
	d.lockedBy = runID
	return nil
}

// Unlock releases a lock held by runID.
func (d *Document) Unlock(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lockedBy == runID {
		d.lockedBy = ""
	}
}

// LockedBy returns the run holding the document, or "".
func (d *Document) LockedBy() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockedBy
}

func (d *Document) checkLock() error {
	if d.lockedBy != "" {
		return &GraphLockedError{GraphID: d.snapshots[d.cursor].graph.ID, RunID: d.lockedBy}
	}
	return nil
}
