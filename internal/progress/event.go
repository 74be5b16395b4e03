// Package progress holds generation session state and pushes status events
// to the one live subscriber attached to each session.
package progress

import (
	"encoding/json"
	"time"
)

// EventType names a progress event.
type EventType string

// Event types pushed to subscribers.
const (
	EventConnected   EventType = "connected"
	EventProgress    EventType = "progress"
	EventFileCreated EventType = "file_created"
	EventPaused      EventType = "paused"
	EventResumed     EventType = "resumed"
	EventStopped     EventType = "stopped"
	EventCompleted   EventType = "completed"
	EventError       EventType = "error"
	EventPong        EventType = "pong"
)

// Control message types accepted from clients.
const (
	ControlStop   = "stop_ai"
	ControlPause  = "pause_ai"
	ControlResume = "resume_ai"
	ControlPing   = "ping"
)

// Event is one status update. Extra fields are serialized alongside the fixed ones.
type Event struct {
	Type      EventType
	Message   string
	Progress  int
	Timestamp time.Time
	Extra     map[string]any
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, message string, progress int) Event {
	return Event{Type: t, Message: message, Progress: progress, Timestamp: time.Now().UTC()}
}

// With returns a copy of e with key set in Extra.
func (e Event) With(key string, value any) Event {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// MarshalJSON flattens Extra into the top-level object. Fixed fields win on collision.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+4)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["type"] = e.Type
	out["message"] = e.Message
	out["progress"] = e.Progress
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// ControlMessage is a client-to-server frame on the progress channel.
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}
