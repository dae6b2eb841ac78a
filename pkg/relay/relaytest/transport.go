// Package relaytest holds in-memory fakes for exercising the relay in tests.
package relaytest

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type OpKind string

const (
	OpSend OpKind = "send"
	OpEdit OpKind = "edit"
)

// Op is one recorded transport call.
type Op struct {
	Kind      OpKind
	ChatID    relay.ChatID
	MessageID relay.MessageID
	Text      string
}

// Transport records every send and edit and keeps the latest text per message.
type Transport struct {
	mu       sync.Mutex
	nextID   relay.MessageID
	ops      []Op
	texts    map[relay.MessageID]string
	failChat map[relay.ChatID]error
	notify   chan Op
}

var _ relay.Transport = &Transport{}

func NewTransport() *Transport {
	return &Transport{
		texts:    map[relay.MessageID]string{},
		failChat: map[relay.ChatID]error{},
	}
}

// FailChat makes every call targeting chatID return err.
func (t *Transport) FailChat(chatID relay.ChatID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failChat[chatID] = err
}

// Watch returns a channel receiving every subsequent op. It must be drained.
func (t *Transport) Watch(buffer int) <-chan Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = make(chan Op, buffer)
	return t.notify
}

func (t *Transport) record(op Op) {
	t.ops = append(t.ops, op)
	if t.notify != nil {
		select {
		case t.notify <- op:
		default:
		}
	}
}

func (t *Transport) SendMessage(ctx context.Context, chatID relay.ChatID, text string) (relay.MessageID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failChat[chatID]; err != nil {
		return 0, err
	}
	t.nextID++
	id := t.nextID
	t.texts[id] = text
	t.record(Op{Kind: OpSend, ChatID: chatID, MessageID: id, Text: text})
	return id, nil
}

func (t *Transport) EditMessage(ctx context.Context, chatID relay.ChatID, messageID relay.MessageID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failChat[chatID]; err != nil {
		return err
	}
	prev, ok := t.texts[messageID]
	if !ok {
		return errors.Errorf("relaytest: unknown message %d", messageID)
	}
	if prev == text {
		return relay.ErrMessageNotModified
	}
	t.texts[messageID] = text
	t.record(Op{Kind: OpEdit, ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (t *Transport) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// Text returns the current text of a message.
func (t *Transport) Text(messageID relay.MessageID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.texts[messageID]
}

// Sent lists the texts of messages created in chatID, in order.
func (t *Transport) Sent(chatID relay.ChatID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, op := range t.ops {
		if op.Kind == OpSend && op.ChatID == chatID {
			out = append(out, op.Text)
		}
	}
	return out
}

// Messages returns the ids of messages created in chatID, in order.
func (t *Transport) Messages(chatID relay.ChatID) []relay.MessageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []relay.MessageID
	for _, op := range t.ops {
		if op.Kind == OpSend && op.ChatID == chatID {
			out = append(out, op.MessageID)
		}
	}
	return out
}

// Edits returns every edit applied to messageID, in order.
func (t *Transport) Edits(messageID relay.MessageID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, op := range t.ops {
		if op.Kind == OpEdit && op.MessageID == messageID {
			out = append(out, op.Text)
		}
	}
	return out
}

// HasTextContaining reports whether any message currently contains substr.
func (t *Transport) HasTextContaining(substr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, text := range t.texts {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}
