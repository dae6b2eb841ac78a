package wschat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/backend/scripted"
	"github.com/go-go-golems/chatrelay/pkg/catalog"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type wsFixture struct {
	hub     *Hub
	backend *scripted.Backend
	d       *relay.Dispatcher
	srv     *Server
	http    *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	f := &wsFixture{hub: NewHub(HubOptions{}), backend: scripted.New()}
	d, err := relay.NewDispatcher(relay.Options{
		Backend:   f.backend,
		Transport: f.hub,
		Personas:  cat,
		Defaults:  cat.Defaults(),
		RateLimit: relay.RateLimitConfig{Messages: 10, Window: time.Minute},
		Pump:      relay.PumpConfig{FlushInterval: time.Millisecond, MinFlushChars: 1},
	})
	require.NoError(t, err)
	f.d = d
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, ServerOptions{}, f.hub, NewCommands(d, f.hub, cat, Replies{}), d, nil)
	require.NoError(t, err)
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		f.http.Close()
		cancel()
		srv.Wait()
	})
	return f
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) []Frame {
	t.Helper()
	var seen []Frame
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "frames so far: %+v", seen)
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		seen = append(seen, fr)
		if match(fr) {
			return seen
		}
	}
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	f.backend.Reply("Hello", " world")
	conn := f.dial(t, "user_id=7")
	require.Eventually(t, func() bool { return f.hub.Connections(7) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "hi there"}))
	frames := readUntil(t, conn, func(fr Frame) bool {
		return fr.Type == FrameMessageEdit && fr.Text == "Hello world"
	})
	require.Equal(t, FrameMessageNew, frames[0].Type)
	require.Equal(t, f.d.Notices().Thinking, frames[0].Text)
	require.Equal(t, int64(7), frames[0].ChatID)
	for _, fr := range frames[1:] {
		require.Equal(t, frames[0].MessageID, fr.MessageID)
	}

	require.Eventually(t, func() bool {
		turns, err := f.d.Context(context.Background(), 7)
		return err == nil && len(turns) == 3 && turns[2].Content == "Hello world"
	}, time.Second, 5*time.Millisecond)
	calls := f.backend.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "hi there", calls[0].Context[len(calls[0].Context)-1].Content)
}

func TestWebSocketCommandsAndPing(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user_id=8&chat_id=8&chat_type=private")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	var pong map[string]string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("/help")))
	frames := readUntil(t, conn, func(fr Frame) bool { return fr.Type == FrameMessageNew })
	require.Contains(t, frames[len(frames)-1].Text, "/model")
}

func TestWebSocketRejectsMissingUser(t *testing.T) {
	f := newWSFixture(t)
	resp, err := http.Get(f.http.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(f.http.URL + "/ws?user_id=1&chat_id=abc")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestDecodeInbound(t *testing.T) {
	f, ok := decodeInbound([]byte(`{"text":"hello"}`))
	require.True(t, ok)
	require.Equal(t, "hello", f.Text)

	f, ok = decodeInbound([]byte(`{"type":"PING"}`))
	require.True(t, ok)
	require.Equal(t, "ping", f.Type)

	f, ok = decodeInbound([]byte("plain words"))
	require.True(t, ok)
	require.Equal(t, "plain words", f.Text)

	_, ok = decodeInbound([]byte(`{"text":`))
	require.False(t, ok)
	_, ok = decodeInbound([]byte("   "))
	require.False(t, ok)
}
