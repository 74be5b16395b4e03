package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lumnicode/internal/assist"
	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/progress"
)

// scriptedAI answers plan prompts with manifest and everything else with file content.
type scriptedAI struct {
	mu       sync.Mutex
	manifest string
	planErr  error
	fileErr  map[string]error
	prompts  []string
}

func (s *scriptedAI) GenerateText(_ context.Context, _ uuid.UUID, prompt string, _ float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)

	if strings.Contains(prompt, "Return ONLY valid JSON matching this exact structure") {
		if s.planErr != nil {
			return "", s.planErr
		}
		return s.manifest, nil
	}
	for path, err := range s.fileErr {
		if strings.Contains(prompt, " at "+path+" ") {
			return "", err
		}
	}
	if strings.Contains(prompt, "package.json") {
		return `{"name":"demo","version":"0.1.0","scripts":{"dev":"vite"}}`, nil
	}
	return "```ts\nexport const x = 1;\n```", nil
}

func (s *scriptedAI) planCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, "Return ONLY valid JSON matching this exact structure") {
			n++
		}
	}
	return n
}

type memoryProjects struct {
	mu          sync.Mutex
	project     *db.Project
	files       map[string]string
	languages   map[string]string
	writes      []string
	description string
	onUpsert    func(path string)
}

func newMemoryProjects(owner uuid.UUID) *memoryProjects {
	return &memoryProjects{
		project:   &db.Project{ID: uuid.New(), OwnerID: owner, Name: "demo"},
		files:     map[string]string{},
		languages: map[string]string{},
	}
}

func (m *memoryProjects) GetProject(_ context.Context, projectID, ownerID uuid.UUID) (*db.Project, error) {
	if projectID != m.project.ID || ownerID != m.project.OwnerID {
		return nil, nil
	}
	cp := *m.project
	return &cp, nil
}

func (m *memoryProjects) UpdateProjectDescription(_ context.Context, _ uuid.UUID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.description = description
	return nil
}

func (m *memoryProjects) UpsertFile(_ context.Context, _ uuid.UUID, path, content, language string) error {
	m.mu.Lock()
	m.files[path] = content
	m.languages[path] = language
	m.writes = append(m.writes, path)
	hook := m.onUpsert
	m.mu.Unlock()
	if hook != nil {
		hook(path)
	}
	return nil
}

func (m *memoryProjects) sourceFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, w := range m.writes {
		if strings.HasPrefix(w, "src/") {
			out = append(out, w)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Send(ev progress.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) Close() {}

func (l *eventLog) ofType(t progress.EventType) []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func manifestJSON(n int) string {
	m := Manifest{Description: "A generated demo", Dependencies: []string{"react"}}
	for i := 1; i <= n; i++ {
		m.Structure = append(m.Structure, ManifestEntry{
			Path:        fmt.Sprintf("src/file%02d.ts", i),
			Type:        "script",
			Description: fmt.Sprintf("module %d", i),
		})
	}
	out, _ := json.Marshal(m)
	return string(out)
}

type harness struct {
	gen      *Generator
	ai       *scriptedAI
	projects *memoryProjects
	events   *eventLog
	user     uuid.UUID
}

func newHarness(t *testing.T, files int) *harness {
	t.Helper()
	user := uuid.New()
	h := &harness{
		ai:       &scriptedAI{manifest: manifestJSON(files)},
		projects: newMemoryProjects(user),
		events:   &eventLog{},
		user:     user,
	}
	h.gen = NewGenerator(h.ai, h.projects, progress.NewRegistry(0), Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.gen.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T, id string, stack ...string) *progress.Session {
	t.Helper()
	require.NoError(t, h.gen.Registry().Connect(id, h.user, h.events))
	sess, err := h.gen.Start(context.Background(), StartRequest{
		UserID:    h.user,
		ProjectID: h.projects.project.ID,
		Prompt:    "todo app",
		TechStack: stack,
		SessionID: id,
	})
	require.NoError(t, err)
	return sess
}

func (h *harness) wait(t *testing.T, id string) *progress.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gen.Wait(ctx, id))
	sess, err := h.gen.GetSession(h.user, id)
	require.NoError(t, err)
	return sess
}

func TestGenerate_CompletesWithMonotonicProgress(t *testing.T) {
	h := newHarness(t, 10)
	sess := h.start(t, uuid.NewString(), "react", "typescript")
	final := h.wait(t, sess.ID)

	assert.Equal(t, progress.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	assert.Len(t, h.projects.sourceFiles(), 10)
	assert.Contains(t, h.projects.files, "package.json")
	assert.Contains(t, h.projects.files, "vite.config.ts")
	assert.Contains(t, h.projects.files, "tsconfig.json")
	assert.Equal(t, "export const x = 1;\n", h.projects.files["src/file01.ts"])
	assert.Equal(t, "typescript", h.projects.languages["src/file01.ts"])
	assert.Equal(t, "A generated demo", h.projects.description)

	created := h.events.ofType(progress.EventFileCreated)
	require.Len(t, created, 13)
	last := 0
	for _, ev := range created {
		assert.GreaterOrEqual(t, ev.Progress, last)
		assert.LessOrEqual(t, ev.Progress, 90)
		last = ev.Progress
	}
	assert.Equal(t, 90, last)
	assert.Equal(t, 10, created[len(created)-1].Extra["completed_files"])
	assert.Equal(t, 10, created[len(created)-1].Extra["total_files"])

	completed := h.events.ofType(progress.EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 100, completed[0].Progress)
}

func TestGenerate_ScaffoldDependsOnStack(t *testing.T) {
	h := newHarness(t, 1)
	sess := h.start(t, uuid.NewString(), "Go")
	h.wait(t, sess.ID)

	assert.Contains(t, h.projects.files, "package.json")
	assert.NotContains(t, h.projects.files, "vite.config.ts")
	assert.NotContains(t, h.projects.files, "tsconfig.json")

	var pkg map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.projects.files["package.json"]), &pkg))
	assert.Equal(t, "demo", pkg["name"])
}

func TestStop_AfterThirdFile(t *testing.T) {
	h := newHarness(t, 10)
	id := uuid.NewString()
	var once sync.Once
	h.projects.onUpsert = func(path string) {
		if path == "src/file03.ts" {
			once.Do(func() {
				_, err := h.gen.Stop(h.user, id)
				assert.NoError(t, err)
			})
		}
	}
	sess := h.start(t, id)
	final := h.wait(t, sess.ID)

	assert.Equal(t, progress.StatusStopped, final.Status)
	assert.Equal(t, []string{"src/file01.ts", "src/file02.ts", "src/file03.ts"}, h.projects.sourceFiles())
	assert.Len(t, h.events.ofType(progress.EventStopped), 1)
	assert.Empty(t, h.events.ofType(progress.EventCompleted))
	assert.Empty(t, h.projects.description)
}

func TestPauseResume_ContinuesFromNextFile(t *testing.T) {
	h := newHarness(t, 5)
	id := uuid.NewString()
	var once sync.Once
	h.projects.onUpsert = func(path string) {
		if path == "src/file02.ts" {
			once.Do(func() {
				_, err := h.gen.Pause(h.user, id)
				assert.NoError(t, err)
			})
		}
	}
	sess := h.start(t, id)

	paused := h.wait(t, sess.ID)
	assert.Equal(t, progress.StatusPaused, paused.Status)
	assert.Equal(t, 2, paused.Context[ctxNextFile])
	assert.Len(t, h.projects.sourceFiles(), 2)
	assert.Len(t, h.events.ofType(progress.EventPaused), 1)

	_, err := h.gen.Resume(h.user, id)
	require.NoError(t, err)
	final := h.wait(t, id)

	assert.Equal(t, progress.StatusCompleted, final.Status)
	assert.Equal(t, []string{
		"src/file01.ts", "src/file02.ts", "src/file03.ts", "src/file04.ts", "src/file05.ts",
	}, h.projects.sourceFiles())
	assert.Equal(t, 1, h.ai.planCalls())
	assert.Len(t, h.events.ofType(progress.EventResumed), 1)

	pkgWrites := 0
	for _, w := range h.projects.writes {
		if w == "package.json" {
			pkgWrites++
		}
	}
	assert.Equal(t, 1, pkgWrites)
}

func TestGenerate_MalformedManifestIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.ai.manifest = "I cannot produce JSON today."
	sess := h.start(t, uuid.NewString())
	final := h.wait(t, sess.ID)

	assert.Equal(t, progress.StatusError, final.Status)
	assert.Contains(t, final.Error, "failed to parse project structure")
	assert.Empty(t, h.projects.writes)

	errs := h.events.ofType(progress.EventError)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Message, "Generation failed: "))
}

func TestGenerate_NoCredentialsIsFatal(t *testing.T) {
	h := newHarness(t, 3)
	h.ai.planErr = assist.ErrNoCredentials
	sess := h.start(t, uuid.NewString())
	final := h.wait(t, sess.ID)

	assert.Equal(t, progress.StatusError, final.Status)
	assert.Equal(t, assist.ErrNoCredentials.Error(), final.Error)
}

func TestGenerate_FileFailureIsSkipped(t *testing.T) {
	h := newHarness(t, 3)
	h.ai.fileErr = map[string]error{
		"src/file02.ts": &assist.AllProvidersFailedError{Task: "text generation"},
	}
	sess := h.start(t, uuid.NewString())
	final := h.wait(t, sess.ID)

	assert.Equal(t, progress.StatusCompleted, final.Status)
	assert.Equal(t, []string{"src/file01.ts", "src/file03.ts"}, h.projects.sourceFiles())
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.gen.Start(ctx, StartRequest{UserID: h.user, ProjectID: h.projects.project.ID, Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = h.gen.Start(ctx, StartRequest{UserID: uuid.New(), ProjectID: h.projects.project.ID, Prompt: "x"})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = h.gen.Start(ctx, StartRequest{UserID: h.user, ProjectID: uuid.New(), Prompt: "x"})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestControl_OwnershipAndTransitions(t *testing.T) {
	h := newHarness(t, 1)
	sess := h.start(t, uuid.NewString())
	h.wait(t, sess.ID)

	stranger := uuid.New()
	_, err := h.gen.GetSession(stranger, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.gen.Stop(stranger, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.gen.Pause(stranger, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.gen.Resume(stranger, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.gen.Stop(h.user, sess.ID)
	assert.ErrorIs(t, err, progress.ErrInvalidTransition)
	_, err = h.gen.Resume(h.user, sess.ID)
	assert.ErrorIs(t, err, progress.ErrInvalidTransition)

	assert.Len(t, h.gen.ListSessions(h.user), 1)
	assert.Empty(t, h.gen.ListSessions(stranger))
}

func TestStop_PausedSessionWithoutTask(t *testing.T) {
	h := newHarness(t, 3)
	id := uuid.NewString()
	var once sync.Once
	h.projects.onUpsert = func(path string) {
		if path == "src/file01.ts" {
			once.Do(func() {
				_, err := h.gen.Pause(h.user, id)
				assert.NoError(t, err)
			})
		}
	}
	h.start(t, id)
	h.wait(t, id)

	stopped, err := h.gen.Stop(h.user, id)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusStopped, stopped.Status)
	assert.Len(t, h.events.ofType(progress.EventStopped), 1)
}

func TestShutdown_RejectsNewSessions(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.gen.Shutdown(context.Background()))

	_, err := h.gen.Start(context.Background(), StartRequest{UserID: h.user, ProjectID: h.projects.project.ID, Prompt: "x"})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}
