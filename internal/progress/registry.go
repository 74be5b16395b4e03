package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/safego"
)

// Status is a generation session lifecycle state.
type Status string

// Session statuses.
const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// DefaultSessionTTL is how long terminal sessions stay queryable.
const DefaultSessionTTL = time.Hour

// Session is one generation job's state.
type Session struct {
	ID        string         `json:"session_id"`
	ProjectID uuid.UUID      `json:"project_id"`
	UserID    uuid.UUID      `json:"-"`
	Status    Status         `json:"status"`
	Progress  int            `json:"progress"`
	Prompt    string         `json:"prompt"`
	TechStack []string       `json:"tech_stack"`
	Context   map[string]any `json:"context"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.TechStack = append([]string(nil), s.TechStack...)
	cp.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	return &cp
}

// NewSessionParams describes a session to create. An empty ID is generated.
type NewSessionParams struct {
	ID        string
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Prompt    string
	TechStack []string
}

// Patch holds the fields UpdateSession merges. Nil fields are left alone and
// Context entries are merged key by key.
type Patch struct {
	Status   *Status
	Progress *int
	Error    *string
	Context  map[string]any
}

type entry struct {
	session    *Session
	owner      uuid.UUID
	subscriber Subscriber
}

// Registry maps session IDs to state and to at most one live subscriber.
// All reads and writes happen under one lock and return copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates a Registry that evicts terminal sessions after ttl.
// A non-positive ttl uses DefaultSessionTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// CreateSession registers a new running session. An id already held by another
// user reports ErrSessionNotFound; a subscriber that another user attached to
// the id beforehand is detached and closed.
func (r *Registry) CreateSession(p NewSessionParams) (*Session, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok && e.session != nil {
		if e.owner != p.UserID {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if !ok {
		// A subscriber may have connected before the session was created.
		e = &entry{}
		r.entries[id] = e
	}
	if e.owner != p.UserID && e.subscriber != nil {
		stale := e.subscriber
		e.subscriber = nil
		defer stale.Close()
	}
	e.owner = p.UserID
	e.session = &Session{
		ID:        id,
		ProjectID: p.ProjectID,
		UserID:    p.UserID,
		Status:    StatusRunning,
		Prompt:    p.Prompt,
		TechStack: append([]string(nil), p.TechStack...),
		Context:   map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return e.session.clone(), nil
}

// GetSession returns a copy of the session, or false if unknown.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session.clone(), true
}

// UpdateSession merges patch into the session and stamps UpdatedAt.
// Status changes out of a terminal state are rejected.
func (r *Registry) UpdateSession(id string, patch Patch) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status != s.Status && s.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, *patch.Status)
	}

	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Progress != nil {
		s.Progress = *patch.Progress
	}
	if patch.Error != nil {
		s.Error = *patch.Error
	}
	for k, v := range patch.Context {
		s.Context[k] = v
	}
	s.UpdatedAt = r.now()
	return s.clone(), nil
}

// Transition moves the session to `to` only if its current status is one of from.
func (r *Registry) Transition(id string, to Status, from ...Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if s.Status == f {
			allowed = true
			break
		}
	}
	if !allowed || s.Status.Terminal() {
		return s.clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = r.now()
	return s.clone(), nil
}

func (r *Registry) lookup(id string) (*Session, error) {
	e, ok := r.entries[id]
	if !ok || e.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.session, nil
}

// ListSessions returns the user's sessions, newest first.
func (r *Registry) ListSessions(userID uuid.UUID) []*Session {
	r.mu.RLock()
	var out []*Session
	for _, e := range r.entries {
		if e.session != nil && e.session.UserID == userID {
			out = append(out, e.session.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Connect attaches userID's sub to the session, replacing and closing any
// previous subscriber. The session does not need to exist yet; the id is then
// reserved for userID until the last subscriber leaves. An id held by another
// user reports ErrSessionNotFound.
func (r *Registry) Connect(id string, userID uuid.UUID, sub Subscriber) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{owner: userID}
		r.entries[id] = e
	}
	if e.owner != userID {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	prev := e.subscriber
	e.subscriber = sub
	r.mu.Unlock()

	if prev != nil && prev != sub {
		prev.Close()
	}
	return nil
}

// Disconnect detaches sub if it is still the session's subscriber.
func (r *Registry) Disconnect(id string, sub Subscriber) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.subscriber != sub {
		r.mu.Unlock()
		return
	}
	e.subscriber = nil
	if e.session == nil {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	sub.Close()
}

// Publish delivers ev to the session's subscriber, if any. Events are dropped
// when nobody is attached; a failed delivery detaches the subscriber.
func (r *Registry) Publish(id string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}

	r.mu.RLock()
	var sub Subscriber
	if e, ok := r.entries[id]; ok {
		sub = e.subscriber
	}
	r.mu.RUnlock()

	if sub == nil {
		return
	}
	if err := sub.Send(ev); err != nil {
		slog.Debug("detaching progress subscriber", "session_id", id, "error", err)
		r.Disconnect(id, sub)
	}
}

// Sweep evicts terminal sessions idle for longer than the TTL and returns how many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var subs []Subscriber
	removed := 0
	for id, e := range r.entries {
		if e.session == nil || !e.session.Status.Terminal() || e.session.UpdatedAt.After(cutoff) {
			continue
		}
		if e.subscriber != nil {
			subs = append(subs, e.subscriber)
		}
		delete(r.entries, id)
		removed++
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 4
	}
	safego.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					slog.Info("evicted finished generation sessions", "count", n)
				}
			}
		}
	})
}
