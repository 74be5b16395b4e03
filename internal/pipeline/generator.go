// Package pipeline drives generation sessions: plan a file manifest, scaffold
// configuration, generate each file, and finalize the project, reporting
// progress through the session registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/progress"
	"github.com/jonathan/lumnicode/internal/safego"
	"github.com/jonathan/lumnicode/internal/telemetry"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrShuttingDown    = errors.New("generator is shutting down")
)

// Defaults for Options.
const (
	DefaultFileDelay = 500 * time.Millisecond
	DefaultMaxFiles  = 50
)

// TextGenerator produces text for a user with provider fallback.
type TextGenerator interface {
	GenerateText(ctx context.Context, userID uuid.UUID, prompt string, temperature float64) (string, error)
}

// ProjectStore is the persistence the pipeline writes through.
type ProjectStore interface {
	// GetProject returns nil when the project does not exist or is not owned by ownerID.
	GetProject(ctx context.Context, projectID, ownerID uuid.UUID) (*db.Project, error)
	UpdateProjectDescription(ctx context.Context, projectID uuid.UUID, description string) error
	UpsertFile(ctx context.Context, projectID uuid.UUID, path, content, language string) error
}

// Options tunes a Generator.
type Options struct {
	// FileDelay paces file generation. Zero disables pacing.
	FileDelay time.Duration
	// MaxFiles caps the planned manifest. Zero means no cap.
	MaxFiles int
}

// DefaultOptions returns production pacing and caps.
func DefaultOptions() Options {
	return Options{FileDelay: DefaultFileDelay, MaxFiles: DefaultMaxFiles}
}

// StartRequest starts a session. An empty SessionID is generated.
type StartRequest struct {
	UserID    uuid.UUID
	ProjectID uuid.UUID
	Prompt    string
	TechStack []string
	SessionID string
}

// task is the handle of the one goroutine driving a session.
type task struct {
	wake chan struct{}
	done chan struct{}
	// exiting is set under the generator lock once the task has seen a
	// non-running status and will not touch the session again.
	exiting bool
}

func newTask() *task {
	return &task{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// poke interrupts pacing so the task reaches its next status check promptly.
func (t *task) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Generator owns generation sessions and their background tasks.
type Generator struct {
	ai       TextGenerator
	projects ProjectStore
	registry *progress.Registry
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	closing bool
}

// NewGenerator creates a Generator.
func NewGenerator(ai TextGenerator, projects ProjectStore, registry *progress.Registry, opts Options) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		ai:       ai,
		projects: projects,
		registry: registry,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
}

// Registry exposes the session registry for transports.
func (g *Generator) Registry() *progress.Registry {
	return g.registry
}

// Start verifies ownership of the project, creates a running session, and
// launches its background task.
func (g *Generator) Start(ctx context.Context, req StartRequest) (*progress.Session, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	project, err := g.projects.GetProject(ctx, req.ProjectID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return nil, ErrShuttingDown
	}

	sess, err := g.registry.CreateSession(progress.NewSessionParams{
		ID:        req.SessionID,
		ProjectID: project.ID,
		UserID:    req.UserID,
		Prompt:    prompt,
		TechStack: req.TechStack,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("generation session started", "session_id", sess.ID, "project_id", project.ID, "user_id", req.UserID)
	telemetry.GenerationSessionsTotal.WithLabelValues("started").Inc()
	g.registry.Publish(sess.ID, progress.NewEvent(progress.EventProgress, "Starting AI generation...", 0))
	g.spawnLocked(sess.ID)
	return sess, nil
}

func (g *Generator) spawnLocked(id string) {
	t := newTask()
	g.tasks[id] = t
	telemetry.ActiveGenerationTasks.Inc()
	safego.GoRecover(func() { g.run(t, id) }, func(r any) {
		g.fail(id, fmt.Errorf("panic: %v", r))
	})
}

// release deregisters t and signals its completion.
func (g *Generator) release(id string, t *task) {
	g.mu.Lock()
	t.exiting = true
	if g.tasks[id] == t {
		delete(g.tasks, id)
	}
	g.mu.Unlock()
	close(t.done)
	telemetry.ActiveGenerationTasks.Dec()
}

// liveLocked returns the session's task if it will still observe status changes.
func (g *Generator) liveLocked(id string) (*task, bool) {
	t, ok := g.tasks[id]
	if !ok || t.exiting {
		return nil, false
	}
	return t, true
}

// session returns the session when userID owns it.
func (g *Generator) session(userID uuid.UUID, id string) (*progress.Session, error) {
	sess, ok := g.registry.GetSession(id)
	if !ok || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetSession returns the caller's session.
func (g *Generator) GetSession(userID uuid.UUID, id string) (*progress.Session, error) {
	return g.session(userID, id)
}

// ListSessions returns the caller's sessions, newest first.
func (g *Generator) ListSessions(userID uuid.UUID) []*progress.Session {
	return g.registry.ListSessions(userID)
}

// Stop ends a running or paused session. A live task observes the stop at its
// next file boundary and reports it; otherwise Stop reports it directly.
func (g *Generator) Stop(userID uuid.UUID, id string) (*progress.Session, error) {
	if _, err := g.session(userID, id); err != nil {
		return nil, err
	}

	g.mu.Lock()
	sess, err := g.registry.Transition(id, progress.StatusStopped, progress.StatusRunning, progress.StatusPaused)
	if err != nil {
		g.mu.Unlock()
		return sess, err
	}
	t, active := g.liveLocked(id)
	if active {
		t.poke()
	}
	g.mu.Unlock()

	if !active {
		g.reportStopped(sess, "Generation stopped by user")
	}
	return sess, nil
}

// Pause halts a running session at its next file boundary.
func (g *Generator) Pause(userID uuid.UUID, id string) (*progress.Session, error) {
	if _, err := g.session(userID, id); err != nil {
		return nil, err
	}

	g.mu.Lock()
	sess, err := g.registry.Transition(id, progress.StatusPaused, progress.StatusRunning)
	if err != nil {
		g.mu.Unlock()
		return sess, err
	}
	if t, ok := g.liveLocked(id); ok {
		t.poke()
	}
	g.mu.Unlock()

	telemetry.GenerationSessionsTotal.WithLabelValues("paused").Inc()
	g.registry.Publish(id, progress.NewEvent(progress.EventPaused, "Generation paused", sess.Progress))
	return sess, nil
}

// Resume continues a paused session from the file where it halted. A new task
// is spawned only if the previous one has already given up the session.
func (g *Generator) Resume(userID uuid.UUID, id string) (*progress.Session, error) {
	if _, err := g.session(userID, id); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	sess, err := g.registry.Transition(id, progress.StatusRunning, progress.StatusPaused)
	if err != nil {
		g.mu.Unlock()
		return sess, err
	}
	if _, active := g.liveLocked(id); !active {
		g.spawnLocked(id)
	}
	g.mu.Unlock()

	telemetry.GenerationSessionsTotal.WithLabelValues("resumed").Inc()
	g.registry.Publish(id, progress.NewEvent(progress.EventResumed, "Generation resumed", sess.Progress))
	return sess, nil
}

// Shutdown refuses new work, cancels in-flight calls, and waits for every task to exit.
func (g *Generator) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	dones := make([]chan struct{}, 0, len(g.tasks))
	for _, t := range g.tasks {
		dones = append(dones, t.done)
	}
	g.mu.Unlock()

	g.cancel()
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until the session's current task exits. It returns immediately
// when no task is running.
func (g *Generator) Wait(ctx context.Context, id string) error {
	g.mu.Lock()
	t, ok := g.tasks[id]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Generator) reportStopped(sess *progress.Session, message string) {
	telemetry.GenerationSessionsTotal.WithLabelValues("stopped").Inc()
	g.registry.Publish(sess.ID, progress.NewEvent(progress.EventStopped, message, sess.Progress))
}
