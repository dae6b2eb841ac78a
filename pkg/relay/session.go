package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StreamHandle identifies one active generation. Cancel is idempotent and the
// first cause wins.
type StreamHandle struct {
	ID        string
	UserID    UserID
	StartedAt time.Time

	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	cause     error
	abort     context.CancelFunc
	fragments atomic.Int64
	flushed   atomic.Int64
}

// NewStreamHandle creates an uncancelled handle. The Dispatcher creates one per admitted message.
func NewStreamHandle(userID UserID, now time.Time) *StreamHandle {
	return &StreamHandle{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: now,
		done:      make(chan struct{}),
	}
}

func (h *StreamHandle) Cancel(cause error) bool {
	if h == nil {
		return false
	}
	if cause == nil {
		cause = ErrCancelled
	}
	first := false
	h.once.Do(func() {
		first = true
		h.mu.Lock()
		h.cause = cause
		abort := h.abort
		h.mu.Unlock()
		close(h.done)
		if abort != nil {
			abort()
		}
	})
	return first
}

func (h *StreamHandle) Cancelled() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *StreamHandle) Done() <-chan struct{} { return h.done }

func (h *StreamHandle) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// setAbort registers the function that aborts the backend call. If the handle is
// already cancelled it runs immediately.
func (h *StreamHandle) setAbort(abort context.CancelFunc) {
	h.mu.Lock()
	h.abort = abort
	h.mu.Unlock()
	if h.Cancelled() {
		abort()
	}
}

type StreamCursor struct {
	Fragments    int64 `json:"fragments"`
	FlushedRunes int64 `json:"flushed_runes"`
}

func (h *StreamHandle) Cursor() StreamCursor {
	return StreamCursor{Fragments: h.fragments.Load(), FlushedRunes: h.flushed.Load()}
}

// Session is the in-memory state of one user. mu serializes every mutation.
type Session struct {
	mu           sync.Mutex
	loaded       bool
	state        SessionState
	active       *StreamHandle
	lastActivity time.Time
}

type SessionDefaults struct {
	Model   string
	Persona string
}

// SessionRegistry owns the user sessions and hydrates them from the Store on first use.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[UserID]*Session

	store        Store
	contexts     *ContextStore
	defaults     SessionDefaults
	systemPrompt func(persona string) string
	storeTimeout time.Duration
	now          func() time.Time
}

func NewSessionRegistry(store Store, contexts *ContextStore, defaults SessionDefaults, systemPrompt func(string) string) *SessionRegistry {
	if store == nil {
		store = NewMemoryStore()
	}
	if contexts == nil {
		contexts = NewContextStore(DefaultMaxTurns)
	}
	if systemPrompt == nil {
		systemPrompt = func(string) string { return "" }
	}
	return &SessionRegistry{
		sessions:     map[UserID]*Session{},
		store:        store,
		contexts:     contexts,
		defaults:     defaults,
		systemPrompt: systemPrompt,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

func (r *SessionRegistry) entry(userID UserID) *Session {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[userID]; ok {
		return s
	}
	s = &Session{}
	r.sessions[userID] = s
	return s
}

func (r *SessionRegistry) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.storeTimeout)
}

// lock returns the user's session locked and hydrated. The caller must unlock s.mu.
// If hydration fails the session stays unloaded and is retried on next use.
func (r *SessionRegistry) lock(ctx context.Context, userID UserID) (*Session, error) {
	s := r.entry(userID)
	s.mu.Lock()
	if s.loaded {
		return s, nil
	}
	if err := r.hydrate(ctx, userID, s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (r *SessionRegistry) hydrate(ctx context.Context, userID UserID, s *Session) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	state, ok, err := r.store.LoadSession(sctx, userID)
	if err != nil {
		return storeError("load session", err)
	}
	now := r.now()
	if !ok {
		state = SessionState{
			UserID:    userID,
			Model:     r.defaults.Model,
			Persona:   r.defaults.Persona,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.SaveSession(sctx, state); err != nil {
			return storeError("save session", err)
		}
	}
	turns, err := r.store.LoadContext(sctx, userID, r.contexts.MaxTurns())
	if err != nil {
		return storeError("load context", err)
	}
	r.contexts.Hydrate(userID, turns)
	r.contexts.SetSystem(userID, r.systemPrompt(state.Persona), state.CreatedAt)

	s.state = state
	s.loaded = true
	s.lastActivity = now
	log.Debug().Str("component", "relay").Int64("user_id", int64(userID)).Int("turns", len(turns)).Bool("created", !ok).Msg("session hydrated")
	return nil
}

// appendTurn persists a turn and then appends it to the in-memory window.
// Must be called with s.mu held.
func (r *SessionRegistry) appendTurn(ctx context.Context, userID UserID, s *Session, t Turn) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.AppendContextRow(sctx, userID, t); err != nil {
		return storeError("append context row", err)
	}
	r.contexts.Append(userID, t)
	s.lastActivity = t.Timestamp
	return nil
}

// saveState persists next and only then replaces the in-memory state.
// Must be called with s.mu held.
func (r *SessionRegistry) saveState(ctx context.Context, s *Session, next SessionState) error {
	next.UpdatedAt = r.now()
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.SaveSession(sctx, next); err != nil {
		return storeError("save session", err)
	}
	s.state = next
	return nil
}

// State returns a copy of the user's session state, hydrating it if needed.
func (r *SessionRegistry) State(ctx context.Context, userID UserID) (SessionState, error) {
	s, err := r.lock(ctx, userID)
	if err != nil {
		return SessionState{}, err
	}
	defer s.mu.Unlock()
	return s.state, nil
}

// IsBanned reports the ban flag of a loaded session. Unknown users are not banned.
func (r *SessionRegistry) IsBanned(userID UserID) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && s.state.Banned
}

func (r *SessionRegistry) ActiveStream(userID UserID) *StreamHandle {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveStreams returns the handles of every stream in flight, oldest first.
func (r *SessionRegistry) ActiveStreams() []*StreamHandle {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var out []*StreamHandle
	for _, s := range sessions {
		s.mu.Lock()
		if s.active != nil {
			out = append(out, s.active)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Known lists users with an in-memory session, sorted.
func (r *SessionRegistry) Known() []UserID {
	r.mu.RLock()
	ids := make([]UserID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
