package relay

import (
	"sync"
	"time"
)

const DefaultMaxTurns = 20

// ContextWindow is a bounded, chronological list of turns. The bound counts
// user and assistant turns only; system turns are pinned and never evicted.
type ContextWindow struct {
	maxTurns int
	turns    []Turn
	regular  int
}

func NewContextWindow(maxTurns int) *ContextWindow {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &ContextWindow{maxTurns: maxTurns}
}

// Append adds a turn and evicts the oldest non-system turn when the bound is exceeded.
func (w *ContextWindow) Append(t Turn) (evicted Turn, ok bool) {
	w.turns = append(w.turns, t)
	if t.Role == RoleSystem {
		return Turn{}, false
	}
	w.regular++
	if w.regular <= w.maxTurns {
		return Turn{}, false
	}
	for i, candidate := range w.turns {
		if candidate.Role == RoleSystem {
			continue
		}
		w.turns = append(w.turns[:i:i], w.turns[i+1:]...)
		w.regular--
		return candidate, true
	}
	return Turn{}, false
}

// SetSystem replaces every pinned system turn with a single one at the head.
// An empty content removes the pinned turn.
func (w *ContextWindow) SetSystem(content string, ts time.Time) {
	kept := make([]Turn, 0, len(w.turns)+1)
	if content != "" {
		kept = append(kept, Turn{Role: RoleSystem, Content: content, Timestamp: ts})
	}
	for _, t := range w.turns {
		if t.Role != RoleSystem {
			kept = append(kept, t)
		}
	}
	w.turns = kept
}

// Clear drops user and assistant turns; the pinned system turn survives.
func (w *ContextWindow) Clear() {
	kept := w.turns[:0:0]
	for _, t := range w.turns {
		if t.Role == RoleSystem {
			kept = append(kept, t)
		}
	}
	w.turns = kept
	w.regular = 0
}

func (w *ContextWindow) Snapshot() []Turn {
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Len counts non-system turns.
func (w *ContextWindow) Len() int { return w.regular }

// ContextStore maps users to their ContextWindow. The Dispatcher only mutates a
// user's window while holding that user's session lock.
type ContextStore struct {
	mu       sync.RWMutex
	maxTurns int
	windows  map[UserID]*contextEntry
}

type contextEntry struct {
	mu sync.Mutex
	w  *ContextWindow
}

func NewContextStore(maxTurns int) *ContextStore {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &ContextStore{maxTurns: maxTurns, windows: map[UserID]*contextEntry{}}
}

func (cs *ContextStore) MaxTurns() int { return cs.maxTurns }

func (cs *ContextStore) entry(userID UserID) *contextEntry {
	cs.mu.RLock()
	e, ok := cs.windows[userID]
	cs.mu.RUnlock()
	if ok {
		return e
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if e, ok = cs.windows[userID]; ok {
		return e
	}
	e = &contextEntry{w: NewContextWindow(cs.maxTurns)}
	cs.windows[userID] = e
	return e
}

func (cs *ContextStore) Append(userID UserID, t Turn) {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.Append(t)
}

func (cs *ContextStore) Snapshot(userID UserID) []Turn {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.Snapshot()
}

func (cs *ContextStore) Clear(userID UserID) {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.Clear()
}

func (cs *ContextStore) SetSystem(userID UserID, content string, ts time.Time) {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.SetSystem(content, ts)
}

func (cs *ContextStore) Len(userID UserID) int {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.Len()
}

// Hydrate replaces the user's non-system turns with rows loaded from storage.
func (cs *ContextStore) Hydrate(userID UserID, turns []Turn) {
	e := cs.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.Clear()
	for _, t := range turns {
		e.w.Append(t)
	}
}
