package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/lumnicode/internal/progress"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteProgress sends a progress event under its own type name
func (s *SSEWriter) WriteProgress(ev progress.Event) error {
	return s.WriteEvent(string(ev.Type), ev)
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteProgress(progress.NewEvent(progress.EventError, message, 0)) //nolint:errcheck
}

// ends reports whether the stream closes after ev.
func ends(ev progress.Event) bool {
	switch ev.Type {
	case progress.EventStopped, progress.EventCompleted, progress.EventError:
		return true
	}
	return false
}
