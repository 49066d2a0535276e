package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerInfo is where the engine can be reached.
type ServerInfo struct {
	URL    string `json:"url"`
	Port   uint16 `json:"port"`
	Status string `json:"status"`
}

// Event is one message of the /events stream. Data is left raw; decode it
// with Progress, Log or Status depending on Event.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Time  time.Time       `json:"time"`
}

// Event names.
const (
	EventProgress = "engine-progress"
	EventLog      = "engine-log"
	EventStatus   = "engine-status"
)

type Progress struct {
	Percent uint   `json:"percent"`
	Message string `json:"message"`
}

type LogLine struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type Status struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Port   uint16 `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Progress decodes an engine-progress payload.
func (e Event) Progress() (Progress, error) {
	var p Progress
	return p, e.decode(EventProgress, &p)
}

// Log decodes an engine-log payload.
func (e Event) Log() (LogLine, error) {
	var l LogLine
	return l, e.decode(EventLog, &l)
}

// Status decodes an engine-status payload.
func (e Event) Status() (Status, error) {
	var s Status
	return s, e.decode(EventStatus, &s)
}

func (e Event) decode(want string, v any) error {
	if e.Event != want {
		return fmt.Errorf("event %q is not %q", e.Event, want)
	}
	return json.Unmarshal(e.Data, v)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "API error: " + e.Message
}
