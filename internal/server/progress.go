package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/progress"
)

// subscriberBuffer bounds events queued for one slow connection before it is detached.
const subscriberBuffer = 64

// handleSessionEvents streams one session's progress events over SSE until the
// session halts or the client goes away.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sess, err := s.generator.GetSession(userID, r.PathValue("id"))
	if err != nil {
		s.failure(w, r, err)
		return
	}

	registry := s.generator.Registry()
	sub := progress.NewChannelSubscriber(subscriberBuffer)
	if err := registry.Connect(sess.ID, userID, sub); err != nil {
		s.failure(w, r, err)
		return
	}
	defer registry.Disconnect(sess.ID, sub)

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	connected := progress.NewEvent(progress.EventConnected, "Connected to AI progress stream", sess.Progress).
		With("session_id", sess.ID).
		With("status", sess.Status)
	if err := sse.WriteProgress(connected); err != nil {
		return
	}
	if sess.Status.Terminal() {
		return
	}

	for {
		select {
		case ev := <-sub.Events():
			if err := sse.WriteProgress(ev); err != nil {
				slog.Debug("sse write failed", "session_id", sess.ID, "error", err)
				return
			}
			if ends(ev) {
				return
			}
		case <-sub.Done():
			sse.WriteError("Progress stream taken over by another connection")
			return
		case <-r.Context().Done():
			return
		case <-s.closing:
			sse.WriteError("Server is shutting down")
			return
		}
	}
}

// handleProgressSocket upgrades to a WebSocket bound to one generation session.
// The session id comes from ?session=; a fresh one is chosen when absent so a
// client can connect before starting generation.
func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "project_id", "Project not found")
	if !ok {
		return
	}
	if !s.ownsProject(w, r, projectID, userID) {
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	registry := s.generator.Registry()
	sub := progress.NewChannelSubscriber(subscriberBuffer)
	if err := registry.Connect(sessionID, userID, sub); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Session not found")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		registry.Disconnect(sessionID, sub)
		return
	}

	written := make(chan struct{})
	go s.writeProgress(conn, sessionID, sub, written)

	connected := progress.NewEvent(progress.EventConnected, "Connected to AI progress stream", 0).
		With("session_id", sessionID).
		With("project_id", projectID)
	sub.Send(connected) //nolint:errcheck

	s.readControl(conn, userID, sessionID, sub)

	registry.Disconnect(sessionID, sub)
	sub.Close()
	<-written
}

// writeProgress is the connection's only writer. It owns closing conn.
func (s *Server) writeProgress(conn net.Conn, sessionID string, sub *progress.ChannelSubscriber, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		select {
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to encode progress event", "session_id", sessionID, "error", err)
				continue
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				slog.Debug("websocket write failed", "session_id", sessionID, "error", err)
				sub.Close()
				return
			}
		case <-sub.Done():
			return
		case <-s.closing:
			return
		}
	}
}

// readControl handles client frames until the connection closes.
func (s *Server) readControl(conn net.Conn, userID uuid.UUID, sessionID string, sub *progress.ChannelSubscriber) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("websocket read failed", "session_id", sessionID, "error", err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		var msg progress.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.Send(progress.NewEvent(progress.EventError, "Error processing message: "+err.Error(), 0)) //nolint:errcheck
			continue
		}
		target := sessionID
		if msg.SessionID != "" {
			target = msg.SessionID
		}

		if reply, ok := s.control(userID, target, msg.Type); ok {
			sub.Send(reply) //nolint:errcheck
		}
	}
}

// control applies one control message. Successful stop, pause and resume are
// acknowledged by the event the generator publishes, so no reply is returned.
func (s *Server) control(userID uuid.UUID, sessionID, msgType string) (progress.Event, bool) {
	var err error
	switch msgType {
	case progress.ControlStop:
		_, err = s.generator.Stop(userID, sessionID)
	case progress.ControlPause:
		_, err = s.generator.Pause(userID, sessionID)
	case progress.ControlResume:
		_, err = s.generator.Resume(userID, sessionID)
	case progress.ControlPing:
		return progress.NewEvent(progress.EventPong, "pong", 0), true
	default:
		return progress.NewEvent(progress.EventError, fmt.Sprintf("Unknown message type: %s", msgType), 0), true
	}
	if err != nil {
		return progress.NewEvent(progress.EventError, err.Error(), 0).With("session_id", sessionID), true
	}
	return progress.Event{}, false
}
