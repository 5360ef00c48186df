package loom

import (
	"maps"
	"time"
)

// RunStatus is the overall status of a run.
type RunStatus string

// Run statuses.
const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially-failed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether no further changes can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartiallyFailed, RunFailed, RunCancelled:
		return true
	}
	return false
}

// NodeStatus is the status of one node within a run.
type NodeStatus string

// Node statuses.
const (
	NodePending  NodeStatus = "pending"
	NodeRunning  NodeStatus = "running"
	NodeRetrying NodeStatus = "retrying"
	NodeComplete NodeStatus = "complete"
	NodeError    NodeStatus = "error"
	NodeSkipped  NodeStatus = "skipped"
)

// Terminal reports whether the status is final for the run.
func (s NodeStatus) Terminal() bool {
	return s == NodeComplete || s == NodeError || s == NodeSkipped
}

// ErrorRecord is the serializable form of a node failure.
type ErrorRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorRecord classifies err.
func NewErrorRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	return &ErrorRecord{Kind: ErrorKind(err), Message: err.Error()}
}

// NodeOutcome is one node's result within a run.
type NodeOutcome struct {
	Status NodeStatus `json:"status"`
	// Outputs is only set once Status is NodeComplete.
	Outputs Values       `json:"outputs,omitempty"`
	Error   *ErrorRecord `json:"error,omitempty"`
	// Attempts counts Execute invocations, the node's retry count.
	Attempts  int           `json:"attempts"`
	Progress  float64       `json:"progress,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
	// Reused is set when outputs were carried over from an earlier run.
	Reused bool `json:"reused,omitempty"`
}

func (o NodeOutcome) clone() NodeOutcome {
	o.Outputs = Values(cloneMap(o.Outputs))
	if o.Error != nil {
		e := *o.Error
		o.Error = &e
	}
	return o
}

// Counts tallies node outcomes by status.
type Counts struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Error    int `json:"error"`
	Skipped  int `json:"skipped"`
}

// Terminal returns the number of nodes in a terminal status.
func (c Counts) Terminal() int { return c.Complete + c.Error + c.Skipped }

func (c *Counts) add(s NodeStatus) {
	switch s {
	case NodePending:
		c.Pending++
	case NodeRunning, NodeRetrying:
		c.Running++
	case NodeComplete:
		c.Complete++
	case NodeError:
		c.Error++
	case NodeSkipped:
		c.Skipped++
	}
}

// Run is one execution attempt of a graph.
type Run struct {
	ID         string                 `json:"id"`
	GraphID    string                 `json:"graph_id"`
	GraphName  string                 `json:"graph_name,omitempty"`
	Generation uint64                 `json:"generation"`
	Status     RunStatus              `json:"status"`
	Paused     bool                   `json:"paused,omitempty"`
	StartedAt  time.Time              `json:"started_at,omitzero"`
	EndedAt    time.Time              `json:"ended_at,omitzero"`
	Plan       [][]string             `json:"plan,omitempty"`
	Nodes      []string               `json:"nodes"`
	Outcomes   map[string]NodeOutcome `json:"outcomes"`
	// Fingerprints hash each node's configuration at run start. WithReuse
	// only carries over nodes whose fingerprint is unchanged.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// Outcome returns a node's outcome.
func (r *Run) Outcome(nodeID string) (NodeOutcome, bool) {
	o, ok := r.Outcomes[nodeID]
	return o, ok
}

// Counts tallies node outcomes.
func (r *Run) Counts() Counts {
	var c Counts
	for _, o := range r.Outcomes {
		c.add(o.Status)
	}
	return c
}

// Failed returns the ids of errored nodes in insertion order.
func (r *Run) Failed() []string {
	var ids []string
	for _, id := range r.Nodes {
		if r.Outcomes[id].Status == NodeError {
			ids = append(ids, id)
		}
	}
	return ids
}

// Duration returns the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *Run) clone() *Run {
	c := *r
	c.Plan = make([][]string, len(r.Plan))
	for i, level := range r.Plan {
		c.Plan[i] = append([]string(nil), level...)
	}
	c.Nodes = append([]string(nil), r.Nodes...)
	c.Fingerprints = maps.Clone(r.Fingerprints)
	c.Outcomes = make(map[string]NodeOutcome, len(r.Outcomes))
	for id, o := range r.Outcomes {
		c.Outcomes[id] = o.clone()
	}
	return &c
}

// overallStatus derives a run's terminal status from its outcomes.
func overallStatus(c Counts, total int, cancelled bool) RunStatus {
	switch {
	case cancelled:
		return RunCancelled
	case c.Complete == total:
		return RunCompleted
	case c.Complete == 0 && c.Error > 0:
		return RunFailed
	default:
		return RunPartiallyFailed
	}
}
