package progress

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed int
}

func (r *recordingSubscriber) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func newSession(t *testing.T, r *Registry, user uuid.UUID) *Session {
	t.Helper()
	s, err := r.CreateSession(NewSessionParams{
		ProjectID: uuid.New(),
		UserID:    user,
		Prompt:    "todo app",
		TechStack: []string{"react", "typescript"},
	})
	require.NoError(t, err)
	return s
}

func TestCreateSession(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 0, s.Progress)
	assert.NotNil(t, s.Context)

	_, err := r.CreateSession(NewSessionParams{ID: s.ID, UserID: s.UserID})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = r.CreateSession(NewSessionParams{ID: s.ID, UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())

	s.TechStack[0] = "mutated"
	s.Context["x"] = 1

	got, ok := r.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, "react", got.TechStack[0])
	assert.NotContains(t, got.Context, "x")

	_, ok = r.GetSession("missing")
	assert.False(t, ok)
}

func TestUpdateSession_MergesAndStamps(t *testing.T) {
	r := NewRegistry(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	s := newSession(t, r, uuid.New())

	r.now = func() time.Time { return base.Add(time.Minute) }
	progress := 40
	updated, err := r.UpdateSession(s.ID, Patch{Progress: &progress, Context: map[string]any{"next_file": 2}})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Progress)
	assert.Equal(t, 2, updated.Context["next_file"])
	assert.Equal(t, base.Add(time.Minute), updated.UpdatedAt)
	assert.Equal(t, base, updated.CreatedAt)

	_, err = r.UpdateSession(s.ID, Patch{Context: map[string]any{"manifest": "m"}})
	require.NoError(t, err)
	got, _ := r.GetSession(s.ID)
	assert.Equal(t, 2, got.Context["next_file"])
	assert.Equal(t, "m", got.Context["manifest"])

	_, err = r.UpdateSession("missing", Patch{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSession_TerminalIsFinal(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())

	stopped := StatusStopped
	_, err := r.UpdateSession(s.ID, Patch{Status: &stopped})
	require.NoError(t, err)

	running := StatusRunning
	_, err = r.UpdateSession(s.ID, Patch{Status: &running})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	progress := 50
	_, err = r.UpdateSession(s.ID, Patch{Progress: &progress})
	assert.NoError(t, err)
}

func TestTransition(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())

	got, err := r.Transition(s.ID, StatusPaused, StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	_, err = r.Transition(s.ID, StatusPaused, StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(s.ID, StatusRunning, StatusPaused)
	require.NoError(t, err)

	_, err = r.Transition(s.ID, StatusCompleted, StatusRunning)
	require.NoError(t, err)

	for _, to := range []Status{StatusRunning, StatusPaused, StatusStopped, StatusError} {
		cur, err := r.Transition(s.ID, to, StatusCompleted, StatusRunning, StatusPaused)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusCompleted, cur.Status)
	}

	_, err = r.Transition("missing", StatusStopped, StatusRunning)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTransition_ConcurrentStopWinsOnce(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Transition(s.ID, StatusStopped, StatusRunning, StatusPaused); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListSessions_ScopedToUser(t *testing.T) {
	r := NewRegistry(0)
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	r.now = func() time.Time { return base }
	first := newSession(t, r, alice)
	r.now = func() time.Time { return base.Add(time.Second) }
	second := newSession(t, r, alice)
	newSession(t, r, bob)

	got := r.ListSessions(alice)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
	assert.Empty(t, r.ListSessions(uuid.New()))
}

func TestPublish_DropsWithoutSubscriber(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())
	r.Publish(s.ID, NewEvent(EventProgress, "nobody listening", 10))
	r.Publish("unknown", NewEvent(EventProgress, "nobody listening", 10))

	sub := &recordingSubscriber{}
	require.NoError(t, r.Connect(s.ID, s.UserID, sub))
	r.Publish(s.ID, NewEvent(EventProgress, "hello", 20))

	require.Len(t, sub.events, 1)
	assert.Equal(t, "hello", sub.events[0].Message)
}

func TestPublish_FailureDetaches(t *testing.T) {
	r := NewRegistry(0)
	s := newSession(t, r, uuid.New())
	sub := &recordingSubscriber{err: ErrSubscriberClosed}
	require.NoError(t, r.Connect(s.ID, s.UserID, sub))

	r.Publish(s.ID, NewEvent(EventProgress, "x", 1))
	assert.Equal(t, 1, sub.closed)

	sub.err = nil
	r.Publish(s.ID, NewEvent(EventProgress, "y", 2))
	assert.Empty(t, sub.events)

	_, ok := r.GetSession(s.ID)
	assert.True(t, ok)
}

func TestConnect_ReplacesPreviousSubscriber(t *testing.T) {
	r := NewRegistry(0)
	user := uuid.New()
	first, second := &recordingSubscriber{}, &recordingSubscriber{}
	require.NoError(t, r.Connect("s1", user, first))
	require.NoError(t, r.Connect("s1", user, second))
	assert.Equal(t, 1, first.closed)

	// a stale disconnect does not detach the newer subscriber
	r.Disconnect("s1", first)
	r.Publish("s1", NewEvent(EventProgress, "x", 1))
	assert.Len(t, second.events, 1)
	assert.Empty(t, first.events)
}

func TestConnectBeforeCreate(t *testing.T) {
	r := NewRegistry(0)
	user := uuid.New()
	sub := &recordingSubscriber{}
	require.NoError(t, r.Connect("early", user, sub))

	_, err := r.CreateSession(NewSessionParams{ID: "early", UserID: user})
	require.NoError(t, err)

	r.Publish("early", NewEvent(EventProgress, "x", 1))
	assert.Len(t, sub.events, 1)
}

func TestConnect_RejectsOtherUsersSession(t *testing.T) {
	r := NewRegistry(0)
	owner, other := uuid.New(), uuid.New()
	s := newSession(t, r, owner)

	ownerSub, otherSub := &recordingSubscriber{}, &recordingSubscriber{}
	require.NoError(t, r.Connect(s.ID, owner, ownerSub))
	assert.ErrorIs(t, r.Connect(s.ID, other, otherSub), ErrSessionNotFound)

	r.Publish(s.ID, NewEvent(EventProgress, "x", 1))
	assert.Len(t, ownerSub.events, 1)
	assert.Equal(t, 0, ownerSub.closed)
	assert.Empty(t, otherSub.events)
}

func TestConnect_ReservedIDRejectsOtherUser(t *testing.T) {
	r := NewRegistry(0)
	owner, other := uuid.New(), uuid.New()
	ownerSub := &recordingSubscriber{}
	require.NoError(t, r.Connect("reserved", owner, ownerSub))

	assert.ErrorIs(t, r.Connect("reserved", other, &recordingSubscriber{}), ErrSessionNotFound)
	assert.Equal(t, 0, ownerSub.closed)
}

func TestCreateSession_DetachesOtherUsersEarlySubscriber(t *testing.T) {
	r := NewRegistry(0)
	squatter, creator := uuid.New(), uuid.New()
	early := &recordingSubscriber{}
	require.NoError(t, r.Connect("shared", squatter, early))

	s, err := r.CreateSession(NewSessionParams{ID: "shared", UserID: creator})
	require.NoError(t, err)
	assert.Equal(t, 1, early.closed)

	r.Publish(s.ID, NewEvent(EventProgress, "private", 1))
	assert.Empty(t, early.events)
	assert.ErrorIs(t, r.Connect(s.ID, squatter, &recordingSubscriber{}), ErrSessionNotFound)
}

func TestDisconnect_RemovesOrphanEntry(t *testing.T) {
	r := NewRegistry(0)
	sub := &recordingSubscriber{}
	require.NoError(t, r.Connect("orphan", uuid.New(), sub))
	r.Disconnect("orphan", sub)

	r.mu.RLock()
	_, ok := r.entries["orphan"]
	r.mu.RUnlock()
	assert.False(t, ok)
	assert.Equal(t, 1, sub.closed)
}

func TestSweep_EvictsOnlyExpiredTerminalSessions(t *testing.T) {
	r := NewRegistry(time.Hour)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	user := uuid.New()

	done := newSession(t, r, user)
	_, err := r.Transition(done.ID, StatusCompleted, StatusRunning)
	require.NoError(t, err)
	sub := &recordingSubscriber{}
	require.NoError(t, r.Connect(done.ID, user, sub))

	running := newSession(t, r, user)

	r.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.Equal(t, 0, r.Sweep())

	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, r.Sweep())

	_, ok := r.GetSession(done.ID)
	assert.False(t, ok)
	_, ok = r.GetSession(running.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, sub.closed)
}

func TestEvent_MarshalFlattensExtra(t *testing.T) {
	ev := Event{
		Type:      EventFileCreated,
		Message:   "Created src/App.tsx",
		Progress:  42,
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}.With("completed", 3).With("total", 10).With("type", "ignored")

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "file_created", got["type"])
	assert.Equal(t, "Created src/App.tsx", got["message"])
	assert.Equal(t, float64(42), got["progress"])
	assert.Equal(t, "2026-01-01T12:00:00Z", got["timestamp"])
	assert.Equal(t, float64(3), got["completed"])
	assert.Equal(t, float64(10), got["total"])
}

func TestChannelSubscriber(t *testing.T) {
	sub := NewChannelSubscriber(1)
	require.NoError(t, sub.Send(NewEvent(EventConnected, "hi", 0)))
	assert.ErrorIs(t, sub.Send(NewEvent(EventProgress, "overflow", 1)), ErrSubscriberFull)

	ev := <-sub.Events()
	assert.Equal(t, EventConnected, ev.Type)

	sub.Close()
	sub.Close()
	assert.ErrorIs(t, sub.Send(NewEvent(EventProgress, "late", 2)), ErrSubscriberClosed)
	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
