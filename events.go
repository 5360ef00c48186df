package loom

import (
	"time"
)

// EventType names a run progress event.
type EventType string

// Run events.
const (
	EventRunStarted     EventType = "run.started"
	EventRunPaused      EventType = "run.paused"
	EventRunResumed     EventType = "run.resumed"
	EventRunTerminal    EventType = "run.terminal"
	EventLevelCompleted EventType = "level.completed"

	EventNodeStarted   EventType = "node.started"
	EventNodeProgress  EventType = "node.progress"
	EventNodeRetrying  EventType = "node.retrying"
	EventNodeCompleted EventType = "node.completed"
	EventNodeErrored   EventType = "node.errored"
	EventNodeSkipped   EventType = "node.skipped"
)

// RunEvent is one entry in a run's progress feed.
type RunEvent struct {
	ID        string       `json:"id"`
	Seq       uint64       `json:"seq"`
	Type      EventType    `json:"type"`
	RunID     string       `json:"run_id"`
	NodeID    string       `json:"node_id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Level     int          `json:"level,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Progress  float64      `json:"progress,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Error     *ErrorRecord `json:"error,omitempty"`
	Counts    *Counts      `json:"counts,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Terminal reports whether this event ends the feed.
func (e RunEvent) Terminal() bool { return e.Type == EventRunTerminal }

// nodeEvent maps an outcome transition to the event it announces.
func nodeEvent(prev, next NodeOutcome) (EventType, bool) {
	switch next.Status {
	case NodeRunning:
		if prev.Status == NodeRunning {
			return EventNodeProgress, true
		}
		return EventNodeStarted, true
	case NodeRetrying:
		return EventNodeRetrying, true
	case NodeComplete:
		return EventNodeCompleted, true
	case NodeError:
		return EventNodeErrored, true
	case NodeSkipped:
		return EventNodeSkipped, true
	}
	return "", false
}
