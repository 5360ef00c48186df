package loom

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/agentstation/loom/internal/broker"
	"github.com/agentstation/loom/internal/store"
)

// RunStore holds run state for active and recently finished runs.
//
// UpdateOutcome is the only external mutation point. Writes for different
// nodes of the same run proceed in parallel; status recomputation takes the
// run's exclusive lock so it never observes a torn set of outcomes.
type RunStore struct {
	mu          sync.RWMutex
	active      map[string]*runState
	finished    *store.Bounded[string, *runState]
	generations map[string]uint64
	now         func() time.Time
}

type runState struct {
	// mu is held shared by node writes and exclusively by run-level
	// transitions and snapshots.
	mu    sync.RWMutex
	run   Run
	slots map[string]*slot

	pubMu sync.Mutex
	seq   uint64
	topic *broker.Topic[RunEvent]
	now   func() time.Time
}

type slot struct {
	mu      sync.Mutex
	outcome NodeOutcome
}

// RunStoreOption configures a RunStore.
type RunStoreOption func(*runStoreOptions)

type runStoreOptions struct {
	retain  int
	onEvict func(*Run)
	now     func() time.Time
}

// WithRetention bounds the number of finished runs kept in memory.
func WithRetention(n int) RunStoreOption {
	return func(o *runStoreOptions) {
		o.retain = n
	}
}

// WithEviction registers a callback receiving finished runs dropped by the
// retention limit.
func WithEviction(fn func(*Run)) RunStoreOption {
	return func(o *runStoreOptions) {
		o.onEvict = fn
	}
}

// WithStoreClock overrides the store's time source.
func WithStoreClock(now func() time.Time) RunStoreOption {
	return func(o *runStoreOptions) {
		o.now = now
	}
}

// NewRunStore creates an empty store. Finished runs are retained up to 100
// by default.
func NewRunStore(opts ...RunStoreOption) *RunStore {
	o := runStoreOptions{retain: 100, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	storeOpts := []store.Option[string, *runState]{
		store.WithMaxEntries[string, *runState](o.retain),
		store.WithEvictionPolicy[string, *runState](store.FIFO),
	}
	if o.onEvict != nil {
		onEvict := o.onEvict
		storeOpts = append(storeOpts, store.WithEvictionCallback(func(_ string, rs *runState) {
			onEvict(rs.snapshot())
		}))
	}

	return &RunStore{
		active:      make(map[string]*runState),
		finished:    store.NewBounded(storeOpts...),
		generations: make(map[string]uint64),
		now:         o.now,
	}
}

// CreateRun registers a pending run for g with every node pending. Its
// generation is one above the previous run of the same graph id. A nil plan
// is computed from g when possible.
func (s *RunStore) CreateRun(g *Graph, plan *ExecutionPlan) *Run {
	return s.createRun(g, plan, fingerprints(g, nil))
}

func (s *RunStore) createRun(g *Graph, plan *ExecutionPlan, prints map[string]string) *Run {
	rs := &runState{
		run: Run{
			ID:        uuid.NewString(),
			GraphID:   g.ID,
			GraphName: g.Name,
			Status:    RunPending,
			Nodes:     make([]string, 0, len(g.Nodes)),

			Fingerprints: prints,
		},
		slots: make(map[string]*slot, len(g.Nodes)),
		topic: broker.New[RunEvent](),
		now:   s.now,
	}
	for _, n := range g.Nodes {
		if _, dup := rs.slots[n.ID]; dup {
			continue
		}
		rs.run.Nodes = append(rs.run.Nodes, n.ID)
		rs.slots[n.ID] = &slot{outcome: NodeOutcome{Status: NodePending}}
	}
	if plan == nil {
		plan, _ = Plan(g)
	}
	if plan != nil {
		rs.run.Plan = plan.Levels
	}

	s.mu.Lock()
	s.generations[g.ID]++
	rs.run.Generation = s.generations[g.ID]
	s.active[rs.run.ID] = rs
	s.mu.Unlock()

	return rs.snapshot()
}

// GetRun returns a read-only snapshot of a run.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	rs, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return rs.snapshot(), nil
}

// Runs returns snapshots of the retained runs of a graph, oldest first.
func (s *RunStore) Runs(graphID string) []*Run {
	s.mu.RLock()
	states := make([]*runState, 0, len(s.active))
	for _, rs := range s.active {
		states = append(states, rs)
	}
	s.mu.RUnlock()
	states = append(states, s.finished.Values()...)

	var runs []*Run
	for _, rs := range states {
		snap := rs.snapshot()
		if snap.GraphID == graphID {
			runs = append(runs, snap)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Generation < runs[j].Generation })
	return runs
}

// UpdateOutcome replaces a node's outcome and publishes the matching event.
// It fails with ErrRunAlreadyTerminal once the run is terminal and with
// ErrOutcomeTerminal when the node already reached a terminal status.
func (s *RunStore) UpdateOutcome(runID, nodeID string, outcome NodeOutcome) error {
	rs, err := s.lookup(runID)
	if err != nil {
		return err
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunAlreadyTerminal, runID, rs.run.Status)
	}
	sl, ok := rs.slots[nodeID]
	if !ok {
		return fmt.Errorf("%w: %q in run %s", ErrNodeNotFound, nodeID, runID)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	prev := sl.outcome
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: node %s is %s", ErrOutcomeTerminal, nodeID, prev.Status)
	}
	next := outcome.clone()
	if next.Status != NodeComplete {
		next.Outputs = nil
	}
	sl.outcome = next

	if typ, ok := nodeEvent(prev, next); ok {
		rs.publish(RunEvent{
			Type:     typ,
			NodeID:   nodeID,
			Status:   string(next.Status),
			Attempt:  next.Attempts,
			Progress: next.Progress,
			Error:    next.Error,
		})
	}
	return nil
}

// Subscribe returns the run's progress feed. The sequence replays past
// events, follows live ones and ends after the terminal event. Unknown runs
// yield nothing.
func (s *RunStore) Subscribe(runID string) iter.Seq[RunEvent] {
	return s.SubscribeContext(context.Background(), runID)
}

// SubscribeContext is like Subscribe but also ends when ctx is done.
func (s *RunStore) SubscribeContext(ctx context.Context, runID string) iter.Seq[RunEvent] {
	rs, err := s.lookup(runID)
	if err != nil {
		return func(func(RunEvent) bool) {}
	}
	return rs.topic.Subscribe(ctx)
}

// progress records a progress report for a running node.
func (s *RunStore) progress(runID, nodeID string, p Progress) {
	rs, err := s.lookup(runID)
	if err != nil {
		return
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.run.Status.Terminal() {
		return
	}
	sl, ok := rs.slots[nodeID]
	if !ok {
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.outcome.Status != NodeRunning {
		return
	}
	sl.outcome.Progress = p.Fraction
	rs.publish(RunEvent{
		Type:     EventNodeProgress,
		NodeID:   nodeID,
		Status:   string(NodeRunning),
		Attempt:  sl.outcome.Attempts,
		Progress: p.Fraction,
		Delta:    p.Delta,
	})
}

// start moves a pending run to running.
func (s *RunStore) start(runID string) error {
	rs, err := s.lookup(runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status != RunPending {
		return fmt.Errorf("loom: run %s is %s, not pending", runID, rs.run.Status)
	}
	rs.run.Status = RunRunning
	rs.run.StartedAt = rs.now()
	rs.publish(RunEvent{Type: EventRunStarted, Status: string(RunRunning)})
	return nil
}

// setPaused records a pause or resume.
func (s *RunStore) setPaused(runID string, paused bool) {
	rs, err := s.lookup(runID)
	if err != nil {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status.Terminal() || rs.run.Paused == paused {
		return
	}
	rs.run.Paused = paused
	typ := EventRunResumed
	if paused {
		typ = EventRunPaused
	}
	rs.publish(RunEvent{Type: typ, Status: string(rs.run.Status)})
}

// checkpoint tallies outcomes at a level boundary.
func (s *RunStore) checkpoint(runID string, level int) Counts {
	rs, err := s.lookup(runID)
	if err != nil {
		return Counts{}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	counts := rs.countsLocked()
	rs.publish(RunEvent{Type: EventLevelCompleted, Level: level, Counts: &counts})
	return counts
}

// finish skips every non-terminal node, derives the overall status, closes
// the feed and moves the run into retention.
func (s *RunStore) finish(runID string, cancelled bool) (*Run, error) {
	rs, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunAlreadyTerminal, runID, rs.run.Status)
	}
	now := rs.now()
	for _, id := range rs.run.Nodes {
		sl := rs.slots[id]
		if sl.outcome.Status.Terminal() {
			continue
		}
		prev := sl.outcome
		sl.outcome.Status = NodeSkipped
		sl.outcome.Outputs = nil
		sl.outcome.EndedAt = now
		if !prev.StartedAt.IsZero() {
			sl.outcome.Duration = now.Sub(prev.StartedAt)
		}
		if cancelled {
			sl.outcome.Error = &ErrorRecord{Kind: KindCancelled, Message: "run cancelled"}
		}
		rs.publish(RunEvent{
			Type:    EventNodeSkipped,
			NodeID:  id,
			Status:  string(NodeSkipped),
			Attempt: sl.outcome.Attempts,
			Error:   sl.outcome.Error,
		})
	}

	counts := rs.countsLocked()
	rs.run.Status = overallStatus(counts, len(rs.run.Nodes), cancelled)
	rs.run.Paused = false
	if rs.run.StartedAt.IsZero() {
		rs.run.StartedAt = now
	}
	rs.run.EndedAt = now
	rs.publish(RunEvent{Type: EventRunTerminal, Status: string(rs.run.Status), Counts: &counts})
	rs.topic.Close()
	snap := rs.snapshotLocked()
	rs.mu.Unlock()

	// Retain before leaving active so lookups never miss the run.
	s.finished.Set(runID, rs)
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()

	return snap, nil
}

func (s *RunStore) lookup(runID string) (*runState, error) {
	s.mu.RLock()
	rs, ok := s.active[runID]
	s.mu.RUnlock()
	if ok {
		return rs, nil
	}
	if rs, ok := s.finished.Get(runID); ok {
		return rs, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshotLocked()
}

// snapshotLocked must be called with rs.mu held exclusively.
func (rs *runState) snapshotLocked() *Run {
	r := rs.run
	r.Outcomes = make(map[string]NodeOutcome, len(rs.slots))
	for id, sl := range rs.slots {
		r.Outcomes[id] = sl.outcome
	}
	return r.clone()
}

// countsLocked must be called with rs.mu held exclusively.
func (rs *runState) countsLocked() Counts {
	var c Counts
	for _, sl := range rs.slots {
		c.add(sl.outcome.Status)
	}
	return c
}

// publish stamps and records an event. Callers hold rs.mu in either mode.
func (rs *runState) publish(ev RunEvent) {
	rs.pubMu.Lock()
	defer rs.pubMu.Unlock()

	rs.seq++
	ev.ID = ulid.Make().String()
	ev.Seq = rs.seq
	ev.RunID = rs.run.ID
	ev.Timestamp = rs.now()
	rs.topic.Publish(ev)
}
