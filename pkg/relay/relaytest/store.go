package relaytest

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// FaultyStore wraps a Store and fails selected operations on demand.
type FaultyStore struct {
	relay.Store

	mu    sync.Mutex
	fails map[string]error
}

const (
	OpLoadSession = "load_session"
	OpSaveSession = "save_session"
	OpLoadContext = "load_context"
	OpAppendRow   = "append_row"
	OpClear       = "clear"
	OpListUsers   = "list_users"
)

func NewFaultyStore(inner relay.Store) *FaultyStore {
	if inner == nil {
		inner = relay.NewMemoryStore()
	}
	return &FaultyStore{Store: inner, fails: map[string]error{}}
}

// Fail makes op return err until it is set back to nil.
func (s *FaultyStore) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, op)
		return
	}
	s.fails[op] = err
}

func (s *FaultyStore) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fails[op]
}

func (s *FaultyStore) LoadSession(ctx context.Context, userID relay.UserID) (relay.SessionState, bool, error) {
	if err := s.failure(OpLoadSession); err != nil {
		return relay.SessionState{}, false, err
	}
	return s.Store.LoadSession(ctx, userID)
}

func (s *FaultyStore) SaveSession(ctx context.Context, state relay.SessionState) error {
	if err := s.failure(OpSaveSession); err != nil {
		return err
	}
	return s.Store.SaveSession(ctx, state)
}

func (s *FaultyStore) LoadContext(ctx context.Context, userID relay.UserID, limit int) ([]relay.Turn, error) {
	if err := s.failure(OpLoadContext); err != nil {
		return nil, err
	}
	return s.Store.LoadContext(ctx, userID, limit)
}

func (s *FaultyStore) AppendContextRow(ctx context.Context, userID relay.UserID, turn relay.Turn) error {
	if err := s.failure(OpAppendRow); err != nil {
		return err
	}
	return s.Store.AppendContextRow(ctx, userID, turn)
}

func (s *FaultyStore) ClearContext(ctx context.Context, userID relay.UserID) error {
	if err := s.failure(OpClear); err != nil {
		return err
	}
	return s.Store.ClearContext(ctx, userID)
}

func (s *FaultyStore) ListUsers(ctx context.Context) ([]relay.SessionState, error) {
	if err := s.failure(OpListUsers); err != nil {
		return nil, err
	}
	return s.Store.ListUsers(ctx)
}

// RecordingSink collects published events.
type RecordingSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (s *RecordingSink) Publish(ctx context.Context, ev relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *RecordingSink) Types() []relay.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}
