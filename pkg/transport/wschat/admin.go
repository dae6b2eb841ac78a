package wschat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// AdminSurface is the operator half of the Dispatcher.
type AdminSurface interface {
	Ban(ctx context.Context, userID relay.UserID) error
	Unban(ctx context.Context, userID relay.UserID) error
	Broadcast(ctx context.Context, message string) (*relay.BroadcastJob, error)
	ResetRateLimit(userID relay.UserID)
	Stats(ctx context.Context) (relay.Stats, error)
	Users(ctx context.Context, limit int) ([]relay.Usage, error)
}

var _ AdminSurface = &relay.Dispatcher{}

// EventLog exposes consumed lifecycle events.
type EventLog interface {
	Counts() map[relay.EventType]int64
	Recent() []relay.Event
}

type adminRequest struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type statsResponse struct {
	Relay  relay.Stats               `json:"relay"`
	Events map[relay.EventType]int64 `json:"events,omitempty"`
}

func (s *Server) mountAdmin() {
	s.mux.HandleFunc("/api/admin/ban", s.requireAdmin(http.MethodPost, s.handleBan))
	s.mux.HandleFunc("/api/admin/unban", s.requireAdmin(http.MethodPost, s.handleUnban))
	s.mux.HandleFunc("/api/admin/reset-limit", s.requireAdmin(http.MethodPost, s.handleResetLimit))
	s.mux.HandleFunc("/api/admin/broadcast", s.requireAdmin(http.MethodPost, s.handleBroadcast))
	s.mux.HandleFunc("/api/admin/stats", s.requireAdmin(http.MethodGet, s.handleStats))
	s.mux.HandleFunc("/api/admin/events", s.requireAdmin(http.MethodGet, s.handleEvents))
	s.mux.HandleFunc("/api/admin/users", s.requireAdmin(http.MethodGet, s.handleUsers))
}

func (s *Server) requireAdmin(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.admin == nil {
			http.Error(w, "admin api not initialized", http.StatusServiceUnavailable)
			return
		}
		if s.opts.AdminToken == "" {
			http.Error(w, "admin api disabled", http.StatusNotFound)
			return
		}
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.opts.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, req)
	}
}

func decodeAdminRequest(w http.ResponseWriter, req *http.Request, needUser bool) (adminRequest, bool) {
	var body adminRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return adminRequest{}, false
	}
	if needUser && body.UserID == 0 {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return adminRequest{}, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrCannotBanAdmin):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, relay.ErrEmptyMessage):
		http.Error(w, "empty message", http.StatusBadRequest)
	case errors.Is(err, relay.ErrStoreFailure):
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleBan(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeAdminRequest(w, req, true)
	if !ok {
		return
	}
	if err := s.admin.Ban(req.Context(), relay.UserID(body.UserID)); err != nil {
		log.Warn().Str("component", "wschat").Int64("user_id", body.UserID).Err(err).Msg("admin ban failed")
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": body.UserID, "banned": true})
}

func (s *Server) handleUnban(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeAdminRequest(w, req, true)
	if !ok {
		return
	}
	if err := s.admin.Unban(req.Context(), relay.UserID(body.UserID)); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": body.UserID, "banned": false})
}

func (s *Server) handleResetLimit(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeAdminRequest(w, req, true)
	if !ok {
		return
	}
	s.admin.ResetRateLimit(relay.UserID(body.UserID))
	writeJSON(w, http.StatusOK, map[string]any{"user_id": body.UserID, "reset": true})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeAdminRequest(w, req, false)
	if !ok {
		return
	}
	job, err := s.admin.Broadcast(req.Context(), strings.TrimSpace(body.Message))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Report())
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	st, err := s.admin.Stats(req.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	resp := statsResponse{Relay: st}
	if s.events != nil {
		resp.Events = s.events.Counts()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	if s.events == nil {
		http.Error(w, "event log not enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.events.Recent())
}

func (s *Server) handleUsers(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	users, err := s.admin.Users(req.Context(), limit)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
