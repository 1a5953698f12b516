// Package httpapi exposes the relay over HTTP: the websocket channel,
// the shared-list handoff endpoint, and the leftover-message endpoints
// devices poll when they come back online.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/listhit/listsync/internal/relay"
)

type ServerConfig struct {
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type Server struct {
	relay  *relay.Relay
	cfg    ServerConfig
	router *mux.Router
}

func NewServer(r *relay.Relay) *Server {
	return NewServerWithConfig(r, ServerConfig{})
}

func NewServerWithConfig(r *relay.Relay, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{relay: r, cfg: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/shared/channel", s.relay.ChannelHandler()).Methods(http.MethodGet)
	router.HandleFunc("/shared/list/{uniqueId}", s.handleJoinList).Methods(http.MethodPost)
	router.HandleFunc("/shared/getLeftOverMessages", s.handleLeftovers).Methods(http.MethodGet)
	router.HandleFunc("/shared/deleteLeftOverMessages", s.handleDeleteLeftovers).Methods(http.MethodPost)
	router.HandleFunc("/shared/delete/{listId}", s.handleDeleteList).Methods(http.MethodGet, http.MethodPost)
	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := httpsnoop.CaptureMetrics(next, w, r)
		s.cfg.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", metrics.Code,
			"bytes", metrics.Written,
			"duration", metrics.Duration.Round(time.Millisecond),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"present": s.relay.Registry().Len(),
	})
}

// handleJoinList runs the joiner's side of a list handoff. A device
// accepting its own share link gets "success" without touching the
// owning device; anything the owner cannot answer in time is "failed".
func (s *Server) handleJoinList(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["uniqueId"]
	var body struct {
		UserID     string `json:"userId"`
		FromUserID string `json:"fromUserId"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if listID == "" || body.UserID == "" || body.FromUserID == "" {
		writeText(w, http.StatusBadRequest, "failed")
		return
	}
	if body.UserID == body.FromUserID {
		writeText(w, http.StatusOK, "success")
		return
	}

	snapshot, err := s.relay.Join(r.Context(), listID, body.UserID, body.FromUserID)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidInput) {
			writeText(w, http.StatusBadRequest, "failed")
			return
		}
		// Owner absent or silent: the joiner retries later.
		writeText(w, http.StatusInternalServerError, "failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (s *Server) handleLeftovers(w http.ResponseWriter, r *http.Request) {
	identity := relay.IdentityFromRequest(r)
	if identity == "" {
		// Devices treat the body, not the status, as the verdict here.
		writeText(w, http.StatusOK, "failed")
		return
	}
	messages, err := s.relay.Leftovers(identity)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "failed")
		return
	}
	if messages == nil {
		messages = []relay.PendingMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteLeftovers(w http.ResponseWriter, r *http.Request) {
	identity := relay.IdentityFromRequest(r)
	if identity == "" {
		writeText(w, http.StatusOK, "failed")
		return
	}
	if err := s.relay.ClearLeftovers(identity); err != nil {
		writeText(w, http.StatusInternalServerError, "failed")
		return
	}
	writeText(w, http.StatusOK, "done")
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["listId"]
	if listID == "" {
		writeText(w, http.StatusBadRequest, "failed")
		return
	}
	if err := s.relay.DeleteList(listID); err != nil {
		writeText(w, http.StatusInternalServerError, "failed")
		return
	}
	writeText(w, http.StatusOK, "done")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeText(w, http.StatusRequestEntityTooLarge, "failed")
			return false
		}
		writeText(w, http.StatusBadRequest, "failed")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeText(w, http.StatusBadRequest, "failed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
