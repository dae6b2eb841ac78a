package wschat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// ErrChatUnavailable is returned when no connection is attached to the target chat.
var ErrChatUnavailable = errors.New("wschat: no connection for chat")

const (
	FrameMessageNew  = "message.new"
	FrameMessageEdit = "message.edit"
	FrameError       = "error"
)

// Frame is the outbound wire format.
type Frame struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

type HubOptions struct {
	WriteTimeout time.Duration
	// IdleTimeout drops a chat's pool once it has had no connection for this long.
	IdleTimeout time.Duration
}

// Hub is a relay.Transport that delivers messages to websocket connections.
// It remembers the last text of every message it sent so identical edits are
// reported as relay.ErrMessageNotModified, like a real chat platform does.
type Hub struct {
	opts HubOptions

	mu    sync.Mutex
	pools map[relay.ChatID]*ConnectionPool

	textsMu sync.Mutex
	texts   map[relay.MessageID]sentMessage

	nextID atomic.Int64
}

type sentMessage struct {
	chatID relay.ChatID
	text   string
}

var _ relay.Transport = &Hub{}

func NewHub(opts HubOptions) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		opts:  opts,
		pools: map[relay.ChatID]*ConnectionPool{},
		texts: map[relay.MessageID]sentMessage{},
	}
}

func (h *Hub) pool(chatID relay.ChatID, create bool) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poolLocked(chatID, create)
}

func (h *Hub) poolLocked(chatID relay.ChatID, create bool) *ConnectionPool {
	p, ok := h.pools[chatID]
	if !ok && create {
		var self *ConnectionPool
		self = NewConnectionPool(int64(chatID), h.opts.WriteTimeout, h.opts.IdleTimeout, func() {
			h.dropIfIdle(chatID, self)
		})
		p = self
		h.pools[chatID] = p
	}
	return p
}

func (h *Hub) dropIfIdle(chatID relay.ChatID, p *ConnectionPool) {
	h.mu.Lock()
	cur, ok := h.pools[chatID]
	drop := ok && cur == p && p.IsEmpty()
	if drop {
		delete(h.pools, chatID)
	}
	h.mu.Unlock()
	if drop {
		h.Forget(chatID)
		log.Debug().Str("component", "wschat").Int64("chat_id", int64(chatID)).Msg("dropped idle chat pool")
	}
}

// Attach adds conn to the chat's pool.
func (h *Hub) Attach(chatID relay.ChatID, conn wsConn) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.poolLocked(chatID, true)
	p.Add(conn)
	return p
}

func (h *Hub) Detach(chatID relay.ChatID, conn wsConn) {
	if p := h.pool(chatID, false); p != nil {
		p.Remove(conn)
		return
	}
	_ = closeConn(conn)
}

// Connections returns the number of connections attached to chatID.
func (h *Hub) Connections(chatID relay.ChatID) int {
	return h.pool(chatID, false).Count()
}

func (h *Hub) deliver(chatID relay.ChatID, f Frame) error {
	p := h.pool(chatID, false)
	if p.IsEmpty() {
		return ErrChatUnavailable
	}
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "wschat: marshal frame")
	}
	if p.Broadcast(b) == 0 {
		return ErrChatUnavailable
	}
	return nil
}

func (h *Hub) SendMessage(ctx context.Context, chatID relay.ChatID, text string) (relay.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := relay.MessageID(h.nextID.Add(1))
	if err := h.deliver(chatID, Frame{Type: FrameMessageNew, ChatID: int64(chatID), MessageID: int64(id), Text: text}); err != nil {
		return 0, err
	}
	h.textsMu.Lock()
	h.texts[id] = sentMessage{chatID: chatID, text: text}
	h.textsMu.Unlock()
	return id, nil
}

func (h *Hub) EditMessage(ctx context.Context, chatID relay.ChatID, messageID relay.MessageID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.textsMu.Lock()
	prev, ok := h.texts[messageID]
	h.textsMu.Unlock()
	if !ok || prev.chatID != chatID {
		return errors.Errorf("wschat: unknown message %d in chat %d", messageID, chatID)
	}
	if prev.text == text {
		return relay.ErrMessageNotModified
	}
	if err := h.deliver(chatID, Frame{Type: FrameMessageEdit, ChatID: int64(chatID), MessageID: int64(messageID), Text: text}); err != nil {
		return err
	}
	h.textsMu.Lock()
	h.texts[messageID] = sentMessage{chatID: chatID, text: text}
	h.textsMu.Unlock()
	return nil
}

// Forget drops the remembered texts of a chat's messages.
func (h *Hub) Forget(chatID relay.ChatID) {
	h.textsMu.Lock()
	defer h.textsMu.Unlock()
	for id, m := range h.texts {
		if m.chatID == chatID {
			delete(h.texts, id)
		}
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.pools))
	for _, p := range h.pools {
		pools = append(pools, p)
	}
	h.pools = map[relay.ChatID]*ConnectionPool{}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}
