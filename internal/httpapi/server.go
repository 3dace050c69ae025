// Package httpapi exposes the gateway's HTTP control surface: session status,
// reset, QR rendering, session listing and the event timeline.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/wagateway/internal/gateway"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/KafClaw/wagateway/internal/timeline"
	qrcode "github.com/skip2/go-qrcode"
)

// Sessions is the part of the connection manager the control surface uses.
type Sessions interface {
	Status(id string) (session.Session, error)
	Reset(ctx context.Context, id string) error
	Sessions() []session.Session
}

// Events lists recorded session events.
type Events interface {
	ListEvents(assistantID string, limit int) ([]timeline.SessionEvent, error)
}

// Options configures a Server.
type Options struct {
	// SharedSecret guards every route except the health check. Empty disables auth.
	SharedSecret string
	// SecretHeader carries the secret; "Authorization: Bearer" is accepted too.
	SecretHeader string
	// AllowOrigin is echoed in Access-Control-Allow-Origin. Empty disables CORS headers.
	AllowOrigin  string
	ResetTimeout time.Duration
}

// Server routes control requests to the connection manager.
type Server struct {
	sessions Sessions
	events   Events
	opts     Options
	mux      *http.ServeMux
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status    session.Status `json:"status"`
	QR        string         `json:"qr,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// New builds the handler. events may be nil when the timeline is disabled.
func New(sessions Sessions, events Events, opts Options) *Server {
	if opts.SecretHeader == "" {
		opts.SecretHeader = "X-Gateway-Secret"
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 15 * time.Second
	}
	s := &Server{sessions: sessions, events: events, opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /{$}", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.authed(s.handleStatus))
	s.mux.HandleFunc("POST /reset", s.authed(s.handleReset))
	s.mux.HandleFunc("GET /qr.png", s.authed(s.handleQR))
	s.mux.HandleFunc("GET /sessions", s.authed(s.handleSessions))
	s.mux.HandleFunc("GET /events", s.authed(s.handleEvents))
	s.mux.HandleFunc("/", s.handleNotFound)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.AllowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+s.opts.SecretHeader)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := assistantID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Status(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: sess.Status, QR: sess.QR, LastError: sess.LastError})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := assistantID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.ResetTimeout)
	defer cancel()
	if err := s.sessions.Reset(ctx, id); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session reset for " + id})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := assistantID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Status(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if sess.Status != session.StatusQR || sess.QR == "" {
		writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}
	size := 256
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v >= 64 && v <= 1024 {
		size = v
	}
	png, err := qrcode.Encode(sess.QR, qrcode.Medium, size)
	if err != nil {
		slog.Error("HTTP: failed to render QR", "assistant_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.Sessions()
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []timeline.SessionEvent{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.events.ListEvents(strings.TrimSpace(r.URL.Query().Get("assistantId")), limit)
	if err != nil {
		slog.Error("HTTP: failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []timeline.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// authed rejects requests without the configured shared secret.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.SharedSecret != "" && !s.secretOK(r) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (s *Server) secretOK(r *http.Request) bool {
	got := strings.TrimSpace(r.Header.Get(s.opts.SecretHeader))
	if got == "" {
		got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.SharedSecret)) == 1
}

func assistantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("assistantId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "assistantId is required")
		return "", false
	}
	return id, true
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrInvalidAssistantID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("HTTP: session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
