package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStartFailed EventType = "start_failed"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit"
)

// Record describes one engine run. RunID is stable across the events of a
// run so start, stop and exit rows can be joined.
type Record struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Port      uint16    `json:"port"`
	URL       string    `json:"url,omitempty"`
	Command   string    `json:"command,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
