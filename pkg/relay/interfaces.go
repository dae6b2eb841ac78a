package relay

import (
	"context"
	"time"
)

// Transport is the outbound half of a chat platform adapter.
//
// EditMessage replaces the full text of a previously sent message. Implementations
// return ErrMessageNotModified when the platform rejects an edit with identical text.
type Transport interface {
	SendMessage(ctx context.Context, chatID ChatID, text string) (MessageID, error)
	EditMessage(ctx context.Context, chatID ChatID, messageID MessageID, text string) error
}

// Request is what a Backend receives for one generation.
type Request struct {
	Context []Turn
	Model   string
	Persona string
}

// Backend starts a streamed generation.
type Backend interface {
	Invoke(ctx context.Context, req Request) (FragmentStream, error)
}

// FragmentStream yields text fragments. Next returns io.EOF once the generation is
// complete. Close may be called while Next is blocked and must unblock it.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Store persists session state and context rows.
type Store interface {
	LoadSession(ctx context.Context, userID UserID) (SessionState, bool, error)
	SaveSession(ctx context.Context, state SessionState) error
	// LoadContext returns the most recent limit turns of the current conversation,
	// oldest first. A limit <= 0 returns every turn.
	LoadContext(ctx context.Context, userID UserID, limit int) ([]Turn, error)
	AppendContextRow(ctx context.Context, userID UserID, turn Turn) error
	// ClearContext starts a new conversation. Older rows are kept but no longer loaded.
	ClearContext(ctx context.Context, userID UserID) error
	ListUsers(ctx context.Context) ([]SessionState, error)
	// Usage reports the lifetime counters of one user. ok is false for unknown users.
	Usage(ctx context.Context, userID UserID) (Usage, bool, error)
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// Usage is what a user (or an operator) sees about one account.
type Usage struct {
	UserID  UserID `json:"user_id"`
	Model   string `json:"model"`
	Persona string `json:"persona"`
	Banned  bool   `json:"banned"`
	// Messages counts user turns ever stored, across cleared conversations.
	Messages int64 `json:"messages"`
	// Conversations counts the current conversation and every cleared one.
	Conversations int64     `json:"conversations"`
	MemberSince   time.Time `json:"member_since"`
}

type StoreStats struct {
	Users       int64 `json:"users"`
	BannedUsers int64 `json:"banned_users"`
	Messages    int64 `json:"messages"`
}

// EventSink receives lifecycle events. Publish errors are logged and never fail
// the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// PersonaResolver validates models and maps persona names to system prompts.
type PersonaResolver interface {
	HasModel(model string) bool
	SystemPrompt(persona string) (string, bool)
}
