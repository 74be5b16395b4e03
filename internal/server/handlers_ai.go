package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/assist"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/pipeline"
	"github.com/jonathan/lumnicode/internal/progress"
)

// AssistRequest is the request body for POST /api/assist
type AssistRequest struct {
	FileContent    string                 `json:"file_content"`
	CursorPosition *assist.CursorPosition `json:"cursor_position,omitempty"`
	Prompt         string                 `json:"prompt,omitempty" validate:"max=10000"`
	Language       string                 `json:"language,omitempty" validate:"max=64"`
}

// GenerateRequest is the request body for POST /api/ai/generate/{project_id}
type GenerateRequest struct {
	Prompt    string   `json:"prompt" validate:"required"`
	TechStack []string `json:"tech_stack,omitempty" validate:"max=20,dive,max=64"`
	SessionID string   `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// GenerateResponse is returned when a session starts
type GenerateResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// SessionActionResponse is returned by stop, pause, and resume
type SessionActionResponse struct {
	Message string            `json:"message"`
	Session *progress.Session `json:"session"`
}

// AIProviderStatus reports whether the caller can use a provider
type AIProviderStatus struct {
	ID        llm.Provider `json:"id"`
	Name      string       `json:"name"`
	Available bool         `json:"available"`
}

// handleAssist returns one inline suggestion. Provider failures come back as
// a placeholder suggestion with status 200.
func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req AssistRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp := s.assist.Assist(r.Context(), userID, assist.Request{
		FileContent:    req.FileContent,
		CursorPosition: req.CursorPosition,
		Prompt:         req.Prompt,
		Language:       req.Language,
	})
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleStartGeneration starts a background generation session
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "project_id", "Project not found")
	if !ok {
		return
	}

	var req GenerateRequest
	if !s.decode(w, r, &req) {
		return
	}

	sess, err := s.generator.Start(r.Context(), pipeline.StartRequest{
		UserID:    userID,
		ProjectID: projectID,
		Prompt:    req.Prompt,
		TechStack: req.TechStack,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.failure(w, r, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, GenerateResponse{
		SessionID: sess.ID,
		Status:    "started",
		Message:   "AI generation started successfully",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sessions := s.generator.ListSessions(userID)
	if sessions == nil {
		sessions = []*progress.Session{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sess, err := s.generator.GetSession(userID, r.PathValue("id"))
	if err != nil {
		s.failure(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

type sessionAction func(userID uuid.UUID, id string) (*progress.Session, error)

// sessionActionHandler adapts a generator control method to an HTTP handler.
func (s *Server) sessionActionHandler(action sessionAction, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.userID(w, r)
		if !ok {
			return
		}
		sess, err := action(userID, r.PathValue("id"))
		if err != nil {
			s.failure(w, r, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, SessionActionResponse{Message: message, Session: sess})
	}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.sessionActionHandler(s.generator.Stop, "AI generation stopped")(w, r)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.sessionActionHandler(s.generator.Pause, "AI generation paused")(w, r)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionActionHandler(s.generator.Resume, "AI generation resumed")(w, r)
}

// handleGenerationHistory lists the caller's sessions for one project
func (s *Server) handleGenerationHistory(w http.ResponseWriter, r *http.Request) {
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

	history := []*progress.Session{}
	for _, sess := range s.generator.ListSessions(userID) {
		if sess.ProjectID == projectID {
			history = append(history, sess)
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"project_id": projectID, "sessions": history})
}

// handleAIProviders reports which providers the caller holds a usable key for
func (s *Server) handleAIProviders(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	views, err := s.keys.ListKeys(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	usable := make(map[llm.Provider]bool)
	for _, v := range views {
		if v.IsActive && v.IsValidated {
			usable[v.Provider] = true
		}
	}

	out := make([]AIProviderStatus, 0, len(llm.Providers()))
	for _, p := range llm.Providers() {
		out = append(out, AIProviderStatus{ID: p, Name: p.DisplayName(), Available: usable[p]})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"providers": out})
}

// ownsProject writes 404 and returns false when the project is missing or not the caller's.
func (s *Server) ownsProject(w http.ResponseWriter, r *http.Request, projectID, userID uuid.UUID) bool {
	project, err := s.projects.GetProject(r.Context(), projectID, userID)
	if err != nil {
		s.failure(w, r, err)
		return false
	}
	if project == nil {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return false
	}
	return true
}
