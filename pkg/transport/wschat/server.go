package wschat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const defaultReadLimit = 64 << 10

type ServerOptions struct {
	Addr       string
	AdminToken string
	// ReadLimit caps the size of one inbound websocket frame.
	ReadLimit int64
	Upgrader  websocket.Upgrader
}

// inboundFrame is what clients send. Text-only frames are accepted too.
type inboundFrame struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// Server exposes the websocket chat endpoint and the admin API.
type Server struct {
	baseCtx  context.Context
	opts     ServerOptions
	hub      *Hub
	commands *Commands
	admin    AdminSurface
	events   EventLog

	mux      *http.ServeMux
	httpSrv  *http.Server
	inflight sync.WaitGroup
}

// NewServer wires the routes. ctx bounds every inbound message handler, so a
// stream keeps running when its websocket disconnects but stops on shutdown.
func NewServer(ctx context.Context, opts ServerOptions, hub *Hub, commands *Commands, admin AdminSurface, events EventLog) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if hub == nil || commands == nil {
		return nil, errors.New("wschat: hub and commands are required")
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	s := &Server{
		baseCtx:  ctx,
		opts:     opts,
		hub:      hub,
		commands: commands,
		admin:    admin,
		events:   events,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	s.mountAdmin()
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Wait blocks until every in-flight message handler has returned.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("component", "wschat").Str("addr", s.httpSrv.Addr).Msg("starting chat relay server")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server listen error")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.hub.CloseAll()
	return err
}

func parseID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := req.URL.Query()
	userID, ok := parseID(q.Get("user_id"))
	if !ok {
		http.Error(w, "missing or invalid user_id", http.StatusBadRequest)
		return
	}
	chatID := userID
	if raw := q.Get("chat_id"); raw != "" {
		if chatID, ok = parseID(raw); !ok {
			http.Error(w, "invalid chat_id", http.StatusBadRequest)
			return
		}
	}
	chatType := relay.ChatType(strings.TrimSpace(q.Get("chat_type")))
	if chatType == "" {
		chatType = relay.ChatPrivate
	}

	conn, err := s.opts.Upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	pool := s.hub.Attach(relay.ChatID(chatID), conn)

	wsLog := log.With().Str("component", "wschat").Int64("user_id", userID).Int64("chat_id", chatID).Logger()
	wsLog.Info().Msg("ws connected")
	defer wsLog.Info().Msg("ws disconnected")
	defer s.hub.Detach(relay.ChatID(chatID), conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		frame, ok := decodeInbound(data)
		if !ok {
			continue
		}
		if frame.Type == "ping" {
			pool.SendToOne(conn, []byte(`{"type":"pong"}`))
			continue
		}
		ev := relay.InboundEvent{
			UserID:    relay.UserID(userID),
			ChatID:    relay.ChatID(chatID),
			ChatType:  chatType,
			Text:      frame.Text,
			Timestamp: time.Now(),
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.commands.Handle(s.baseCtx, ev); err != nil {
				wsLog.Debug().Err(err).Msg("inbound message handled with error")
			}
		}()
	}
}

func decodeInbound(data []byte) (inboundFrame, bool) {
	trimmed := strings.TrimSpace(string(data))
	if strings.EqualFold(trimmed, "ping") {
		return inboundFrame{Type: "ping"}, true
	}
	if strings.HasPrefix(trimmed, "{") {
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return inboundFrame{}, false
		}
		f.Type = strings.ToLower(strings.TrimSpace(f.Type))
		if f.Type == "" && strings.TrimSpace(f.Text) == "" {
			return inboundFrame{}, false
		}
		return f, true
	}
	return inboundFrame{Text: trimmed}, trimmed != ""
}
