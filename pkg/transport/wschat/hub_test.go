package wschat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

func decodeFrames(t *testing.T, raw []string) []Frame {
	t.Helper()
	out := make([]Frame, 0, len(raw))
	for _, r := range raw {
		var f Frame
		require.NoError(t, json.Unmarshal([]byte(r), &f))
		out = append(out, f)
	}
	return out
}

func TestHubSendWithoutConnectionFails(t *testing.T) {
	hub := NewHub(HubOptions{})
	_, err := hub.SendMessage(context.Background(), 5, "hello")
	require.ErrorIs(t, err, ErrChatUnavailable)
}

func TestHubSendAndEdit(t *testing.T) {
	hub := NewHub(HubOptions{})
	conn := &stubConn{}
	hub.Attach(5, conn)
	require.Equal(t, 1, hub.Connections(5))

	ctx := context.Background()
	id, err := hub.SendMessage(ctx, 5, "💭 Thinking...")
	require.NoError(t, err)
	require.NoError(t, hub.EditMessage(ctx, 5, id, "Hello"))
	require.ErrorIs(t, hub.EditMessage(ctx, 5, id, "Hello"), relay.ErrMessageNotModified)
	require.Error(t, hub.EditMessage(ctx, 6, id, "Hello there"))
	require.Error(t, hub.EditMessage(ctx, 5, id+100, "x"))

	frames := decodeFrames(t, conn.Writes())
	require.Len(t, frames, 2)
	require.Equal(t, Frame{Type: FrameMessageNew, ChatID: 5, MessageID: int64(id), Text: "💭 Thinking..."}, frames[0])
	require.Equal(t, Frame{Type: FrameMessageEdit, ChatID: 5, MessageID: int64(id), Text: "Hello"}, frames[1])
}

func TestHubDeliversToEveryConnectionOfAChat(t *testing.T) {
	hub := NewHub(HubOptions{})
	a, b, other := &stubConn{}, &stubConn{}, &stubConn{}
	hub.Attach(1, a)
	hub.Attach(1, b)
	hub.Attach(2, other)

	_, err := hub.SendMessage(context.Background(), 1, "hi")
	require.NoError(t, err)
	require.Len(t, a.Writes(), 1)
	require.Len(t, b.Writes(), 1)
	require.Empty(t, other.Writes())

	hub.Detach(1, a)
	require.Equal(t, 1, hub.Connections(1))
}

func TestHubDropsIdlePools(t *testing.T) {
	hub := NewHub(HubOptions{IdleTimeout: 10 * time.Millisecond})
	conn := &stubConn{}
	hub.Attach(3, conn)
	id, err := hub.SendMessage(context.Background(), 3, "x")
	require.NoError(t, err)
	hub.Detach(3, conn)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.pools[3]
		return !ok
	}, time.Second, 5*time.Millisecond)

	hub.Attach(3, &stubConn{})
	require.Error(t, hub.EditMessage(context.Background(), 3, id, "y"))
}

func TestHubRespectsCancelledContext(t *testing.T) {
	hub := NewHub(HubOptions{})
	hub.Attach(1, &stubConn{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := hub.SendMessage(ctx, 1, "x")
	require.ErrorIs(t, err, context.Canceled)
}
