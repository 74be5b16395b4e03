package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/pipeline"
)

// ProjectRepository is the project persistence behind the project routes and
// the generation ownership checks. Every lookup is scoped to the owner.
type ProjectRepository interface {
	pipeline.ProjectStore
	CreateProject(ctx context.Context, ownerID uuid.UUID, name, description string) (*db.Project, error)
	ListProjects(ctx context.Context, ownerID uuid.UUID) ([]db.Project, error)
	UpdateProject(ctx context.Context, projectID, ownerID uuid.UUID, update db.ProjectUpdate) (*db.Project, error)
	DeleteProject(ctx context.Context, projectID, ownerID uuid.UUID) (bool, error)
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]db.File, error)
}

// AccountStore reads the caller's user row.
type AccountStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// CreateProjectRequest is the request body for POST /api/projects
type CreateProjectRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description,omitempty" validate:"max=10000"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req CreateProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.failure(w, r, &ErrValidation{Field: "name", Message: "required"})
		return
	}

	project, err := s.projects.CreateProject(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projects, err := s.projects.ListProjects(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if projects == nil {
		projects = []db.Project{}
	}
	s.jsonResponse(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "id", "Project not found")
	if !ok {
		return
	}

	project, err := s.projects.GetProject(r.Context(), projectID, userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if project == nil {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "id", "Project not found")
	if !ok {
		return
	}
	var req db.ProjectUpdate
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		s.failure(w, r, &ErrValidation{Field: "name", Message: "required"})
		return
	}

	project, err := s.projects.UpdateProject(r.Context(), projectID, userID, req)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if project == nil {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "id", "Project not found")
	if !ok {
		return
	}

	found, err := s.projects.DeleteProject(r.Context(), projectID, userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjectFiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := s.pathUUID(w, r, "id", "Project not found")
	if !ok {
		return
	}
	if !s.ownsProject(w, r, projectID, userID) {
		return
	}

	files, err := s.projects.ListFiles(r.Context(), projectID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if files == nil {
		files = []db.File{}
	}
	s.jsonResponse(w, http.StatusOK, files)
}

// handleMe returns the caller's user row, created on first sight by the auth middleware.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	user, err := s.accounts.GetUser(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if user == nil {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}
