package relay

import (
	"strings"
	"time"
)

type UserID int64

type ChatID int64

type MessageID int64

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is one entry of a conversation context. Turns are values; they are never
// mutated after being appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// InboundEvent is a normalized message received from a transport.
type InboundEvent struct {
	UserID    UserID
	ChatID    ChatID
	ChatType  ChatType
	Text      string
	Timestamp time.Time
}

func (e InboundEvent) targetChat() ChatID {
	if e.ChatID != 0 {
		return e.ChatID
	}
	return ChatID(e.UserID)
}

func (e InboundEvent) normalizedText() string {
	return strings.TrimSpace(e.Text)
}

// SessionState is the durable part of a user's session.
type SessionState struct {
	UserID    UserID    `json:"user_id"`
	Model     string    `json:"model"`
	Persona   string    `json:"persona"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Result describes how an admitted (or rejected) inbound message ended.
type Result struct {
	Status    Status
	StreamID  string
	Text      string
	Delivered string
	Fragments int
}
