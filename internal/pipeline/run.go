package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/lumnicode/internal/assist"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/progress"
	"github.com/jonathan/lumnicode/internal/prompts"
	"github.com/jonathan/lumnicode/internal/telemetry"
)

// Session context keys that make a session resumable.
const (
	ctxManifest   = "manifest"
	ctxScaffolded = "scaffolded"
	ctxNextFile   = "next_file"
	ctxCompleted  = "completed_files"
)

type runState struct {
	manifest   *Manifest
	scaffolded bool
	nextFile   int
	completed  int
}

func stateFrom(sess *progress.Session) runState {
	var st runState
	st.manifest, _ = sess.Context[ctxManifest].(*Manifest)
	st.scaffolded, _ = sess.Context[ctxScaffolded].(bool)
	st.nextFile, _ = sess.Context[ctxNextFile].(int)
	st.completed, _ = sess.Context[ctxCompleted].(int)
	return st
}

// run drives one session from wherever its context says it left off.
func (g *Generator) run(t *task, id string) {
	defer g.release(id, t)

	sess, ok := g.registry.GetSession(id)
	if !ok {
		return
	}
	ctx := g.baseCtx
	st := stateFrom(sess)

	if st.manifest == nil {
		if !g.proceed(id, t) {
			return
		}
		m, err := g.plan(ctx, sess)
		if err != nil {
			g.abort(id, err)
			return
		}
		st.manifest = m
	}

	if !st.scaffolded {
		if !g.proceed(id, t) {
			return
		}
		if err := g.scaffold(ctx, sess, st.manifest); err != nil {
			g.abort(id, err)
			return
		}
	}

	if !g.generateFiles(ctx, t, sess, &st) {
		return
	}
	g.finalize(ctx, t, sess, st.manifest)
}

// proceed reports whether the session is still running. Otherwise the task
// marks itself exiting and reports why it halted. Both happen under the
// generator lock so a concurrent Resume either sees a live task or spawns a new one.
func (g *Generator) proceed(id string, t *task) bool {
	if g.baseCtx.Err() != nil {
		g.interrupt(id)
		return false
	}

	g.mu.Lock()
	sess, ok := g.registry.GetSession(id)
	if ok && sess.Status == progress.StatusRunning {
		g.mu.Unlock()
		return true
	}
	t.exiting = true
	g.mu.Unlock()

	if ok {
		g.halted(sess)
	}
	return false
}

func (g *Generator) halted(sess *progress.Session) {
	switch sess.Status {
	case progress.StatusStopped:
		g.reportStopped(sess, "Generation stopped by user")
	case progress.StatusPaused:
		slog.Info("generation paused", "session_id", sess.ID, "next_file", sess.Context[ctxNextFile])
	}
}

// abort ends the session as stopped during shutdown, or as failed otherwise.
func (g *Generator) abort(id string, err error) {
	if g.baseCtx.Err() != nil {
		g.interrupt(id)
		return
	}
	g.fail(id, err)
}

func (g *Generator) interrupt(id string) {
	sess, err := g.registry.Transition(id, progress.StatusStopped, progress.StatusRunning, progress.StatusPaused)
	if err != nil {
		return
	}
	g.reportStopped(sess, "Generation interrupted: server shutting down")
}

// fail moves the session to error and reports the cause. If a stop won the
// race the stop is reported instead.
func (g *Generator) fail(id string, cause error) {
	sess, err := g.registry.Transition(id, progress.StatusError, progress.StatusRunning, progress.StatusPaused)
	if err != nil {
		if sess != nil {
			g.halted(sess)
		}
		return
	}

	msg := cause.Error()
	if _, err := g.registry.UpdateSession(id, progress.Patch{Error: &msg}); err != nil {
		slog.Warn("failed to record session error", "session_id", id, "error", err)
	}
	slog.Error("generation failed", "session_id", id, "error", cause)
	telemetry.GenerationSessionsTotal.WithLabelValues("error").Inc()
	g.registry.Publish(id, progress.NewEvent(progress.EventError, "Generation failed: "+msg, sess.Progress))
}

// report stores progress and context, then publishes ev.
func (g *Generator) report(id string, ev progress.Event, patch map[string]any) {
	pct := ev.Progress
	if _, err := g.registry.UpdateSession(id, progress.Patch{Progress: &pct, Context: patch}); err != nil {
		slog.Warn("failed to update session", "session_id", id, "error", err)
	}
	g.registry.Publish(id, ev)
}

func (g *Generator) pace(t *task) {
	if g.opts.FileDelay <= 0 {
		return
	}
	timer := time.NewTimer(g.opts.FileDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.wake:
	case <-g.baseCtx.Done():
	}
}

func fatal(err error) bool {
	return errors.Is(err, assist.ErrNoCredentials) || errors.Is(err, context.Canceled)
}

const promptFile = "generation.json"

func render(key string, data map[string]string) string {
	return prompts.MustLoad(promptFile).MustRender(key, data)
}

func planPrompt(prompt string, techStack []string) string {
	input := render("plan-input", map[string]string{
		"Prompt":    strconv.Quote(prompt),
		"TechStack": strings.Join(techStack, ", "),
	})
	return llm.BuildStructuredPrompt(llm.ProjectManifestSchema(), input)
}

func (g *Generator) plan(ctx context.Context, sess *progress.Session) (*Manifest, error) {
	g.report(sess.ID, progress.NewEvent(progress.EventProgress,
		"Analyzing requirements and planning project structure...", 10), nil)

	text, err := g.ai.GenerateText(ctx, sess.UserID, planPrompt(sess.Prompt, sess.TechStack), 0)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(text, g.opts.MaxFiles)
	if err != nil {
		return nil, err
	}

	g.report(sess.ID, progress.NewEvent(progress.EventProgress,
		fmt.Sprintf("Planned %d files", len(m.Structure)), 20).With("total_files", len(m.Structure)),
		map[string]any{ctxManifest: m, ctxNextFile: 0, ctxCompleted: 0})
	return m, nil
}

type configFile struct {
	path   string
	prompt string
	clean  func(string) string
}

func cleanConfig(text string) string {
	if cleaned := llm.CleanJSONBlock(text); json.Valid([]byte(cleaned)) {
		return cleaned + "\n"
	}
	return llm.CleanCodeBlock(text)
}

func (g *Generator) scaffold(ctx context.Context, sess *progress.Session, m *Manifest) error {
	g.report(sess.ID, progress.NewEvent(progress.EventProgress, "Creating configuration files...", 20), nil)

	data := map[string]string{
		"Prompt":       sess.Prompt,
		"TechStack":    strings.Join(sess.TechStack, ", "),
		"Dependencies": strings.Join(m.Dependencies, ", "),
	}
	files := []configFile{{path: "package.json", prompt: render("package-json", data)}}
	if hasTech(sess.TechStack, "react", "vue") {
		files = append(files, configFile{
			path:   "vite.config.ts",
			prompt: render("vite-config", data),
			clean:  llm.CleanCodeBlock,
		})
	}
	if hasTech(sess.TechStack, "typescript") {
		files = append(files, configFile{
			path:   "tsconfig.json",
			prompt: render("tsconfig", data),
			clean:  cleanConfig,
		})
	}

	for i, f := range files {
		text, err := g.ai.GenerateText(ctx, sess.UserID, f.prompt, 0)
		if err != nil && fatal(err) {
			return err
		}

		var content string
		switch {
		case f.path == "package.json":
			generated := false
			if err == nil {
				content, generated = packageJSON(text, sess.Prompt, m.Dependencies)
			} else {
				content = fallbackPackageJSON(sess.Prompt, m.Dependencies)
			}
			if !generated {
				slog.Warn("using fallback package.json", "session_id", sess.ID)
			}
		case err != nil:
			slog.Warn("skipping config file", "session_id", sess.ID, "path", f.path, "error", err)
			continue
		default:
			content = f.clean(text)
		}

		if err := g.projects.UpsertFile(ctx, sess.ProjectID, f.path, content, LanguageForPath(f.path)); err != nil {
			return fmt.Errorf("failed to save %s: %w", f.path, err)
		}
		telemetry.GenerationFilesTotal.Inc()
		g.report(sess.ID, progress.NewEvent(progress.EventFileCreated, "Created "+f.path,
			20+(i+1)*10/len(files)).With("current_file", f.path), nil)
	}

	g.report(sess.ID, progress.NewEvent(progress.EventProgress, "Generating main application files...", 30),
		map[string]any{ctxScaffolded: true})
	return nil
}

func filePrompt(e ManifestEntry, sess *progress.Session) string {
	return render("source-file", map[string]string{
		"Type":      e.Type,
		"Path":      e.Path,
		"Prompt":    sess.Prompt,
		"TechStack": strings.Join(sess.TechStack, ", "),
		"Purpose":   e.Description,
	})
}

// filesProgress maps completed files linearly onto 30..90.
func filesProgress(completed, total int) int {
	if total <= 0 {
		return 90
	}
	return 30 + completed*60/total
}

// generateFiles creates manifest entries sequentially from st.nextFile. It
// returns false when the session halted or failed.
func (g *Generator) generateFiles(ctx context.Context, t *task, sess *progress.Session, st *runState) bool {
	total := len(st.manifest.Structure)

	for i := st.nextFile; i < total; i++ {
		if !g.proceed(sess.ID, t) {
			return false
		}
		entry := st.manifest.Structure[i]

		text, err := g.ai.GenerateText(ctx, sess.UserID, filePrompt(entry, sess), 0)
		if err != nil {
			if fatal(err) {
				g.abort(sess.ID, err)
				return false
			}
			slog.Warn("skipping file", "session_id", sess.ID, "path", entry.Path, "error", err)
			g.report(sess.ID, progress.NewEvent(progress.EventProgress, "Failed to generate "+entry.Path,
				filesProgress(st.completed, total)).With("current_file", entry.Path),
				map[string]any{ctxNextFile: i + 1})
			continue
		}

		if err := g.projects.UpsertFile(ctx, sess.ProjectID, entry.Path, llm.CleanCodeBlock(text), LanguageForPath(entry.Path)); err != nil {
			g.abort(sess.ID, fmt.Errorf("failed to save %s: %w", entry.Path, err))
			return false
		}
		st.completed++
		telemetry.GenerationFilesTotal.Inc()

		ev := progress.NewEvent(progress.EventFileCreated, "Created "+entry.Path, filesProgress(st.completed, total)).
			With("current_file", entry.Path).
			With("total_files", total).
			With("completed_files", st.completed)
		g.report(sess.ID, ev, map[string]any{ctxNextFile: i + 1, ctxCompleted: st.completed})

		if i < total-1 {
			g.pace(t)
		}
	}
	return true
}

func (g *Generator) finalize(ctx context.Context, t *task, sess *progress.Session, m *Manifest) {
	if !g.proceed(sess.ID, t) {
		return
	}
	g.report(sess.ID, progress.NewEvent(progress.EventProgress, "Finalizing project...", 90), nil)

	description := strings.TrimSpace(m.Description)
	if description == "" {
		description = sess.Prompt
	}
	if err := g.projects.UpdateProjectDescription(ctx, sess.ProjectID, description); err != nil {
		g.abort(sess.ID, fmt.Errorf("failed to update project: %w", err))
		return
	}

	g.mu.Lock()
	cur, err := g.registry.Transition(sess.ID, progress.StatusCompleted, progress.StatusRunning)
	if err != nil {
		t.exiting = true
		g.mu.Unlock()
		if cur != nil {
			g.halted(cur)
		}
		return
	}
	g.mu.Unlock()

	slog.Info("generation completed", "session_id", sess.ID, "files", len(m.Structure))
	telemetry.GenerationSessionsTotal.WithLabelValues("completed").Inc()
	g.report(sess.ID, progress.NewEvent(progress.EventCompleted, "Project generation completed successfully!", 100), nil)
}
