package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process Store. It mirrors the conversation-sequence
// semantics of the SQL store so hydration behaves the same.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[UserID]*memSession
	messages int64
}

type memSession struct {
	state         SessionState
	seq           int64
	totalMessages int64
	rows          []memRow
}

type memRow struct {
	seq  int64
	turn Turn
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[UserID]*memSession{}}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) LoadSession(ctx context.Context, userID UserID) (SessionState, bool, error) {
	if s == nil {
		return SessionState{}, false, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return SessionState{}, false, nil
	}
	return sess.state, true, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, state SessionState) error {
	if s == nil {
		return errors.New("memory store: nil store")
	}
	if state.UserID == 0 {
		return errors.New("memory store: user id is 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[state.UserID]
	if !ok {
		s.sessions[state.UserID] = &memSession{state: state}
		return nil
	}
	if !sess.state.CreatedAt.IsZero() {
		state.CreatedAt = sess.state.CreatedAt
	}
	sess.state = state
	return nil
}

func (s *MemoryStore) AppendContextRow(ctx context.Context, userID UserID, t Turn) error {
	if s == nil {
		return errors.New("memory store: nil store")
	}
	if !t.Role.Valid() {
		return errors.Errorf("memory store: invalid role %q", t.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return errors.Errorf("memory store: unknown user %d", userID)
	}
	sess.rows = append(sess.rows, memRow{seq: sess.seq, turn: t})
	if t.Role == RoleUser {
		sess.totalMessages++
	}
	s.messages++
	return nil
}

func (s *MemoryStore) LoadContext(ctx context.Context, userID UserID, limit int) ([]Turn, error) {
	if s == nil {
		return nil, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	out := make([]Turn, 0, len(sess.rows))
	for _, r := range sess.rows {
		if r.seq == sess.seq {
			out = append(out, r.turn)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ClearContext(ctx context.Context, userID UserID) error {
	if s == nil {
		return errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		sess.seq++
	}
	return nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]SessionState, error) {
	if s == nil {
		return nil, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionState, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	if s == nil {
		return StoreStats{}, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStats{Users: int64(len(s.sessions)), Messages: s.messages}
	for _, sess := range s.sessions {
		if sess.state.Banned {
			st.BannedUsers++
		}
	}
	return st, nil
}

func (s *MemoryStore) Usage(ctx context.Context, userID UserID) (Usage, bool, error) {
	if s == nil {
		return Usage{}, false, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Usage{}, false, nil
	}
	return Usage{
		UserID:        userID,
		Model:         sess.state.Model,
		Persona:       sess.state.Persona,
		Banned:        sess.state.Banned,
		Messages:      sess.totalMessages,
		Conversations: sess.seq + 1,
		MemberSince:   sess.state.CreatedAt,
	}, true, nil
}
