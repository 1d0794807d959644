package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	myMiddleware "peer-chat/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// SessionReader lists persisted sessions for a listener.
type SessionReader interface {
	ListenerSessions(ctx context.Context, listenerID string, limit int) ([]SessionRecord, error)
}

type Handler struct {
	hub      *Hub
	gate     Admitter
	sessions SessionReader
	upgrader websocket.Upgrader
	cfg      ClientConfig
	log      *slog.Logger
}

// NewHandler builds the socket and read endpoints. sessions may be nil when no
// ledger database is configured.
func NewHandler(hub *Hub, gate Admitter, sessions SessionReader, allowedOrigins []string, cfg ClientConfig, log *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		gate:     gate,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		cfg: cfg,
		log: log,
	}
}

// checkOrigin returns nil for an empty list, which keeps gorilla's same-origin check.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	p, ok := myMiddleware.ParticipantFromContext(r.Context())
	if !ok {
		myMiddleware.WriteError(w, http.StatusUnauthorized, "Unauthorized", "missing-credential")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Upgrade failed", "participant", p.ID, "error", err)
		return
	}

	client := NewClient(h.hub, conn, p, h.gate, h.cfg, h.log)
	// The request context ends when this handler returns; the connection outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Hub.Register(ctx, client); err != nil {
		h.log.Warn("Register failed", "participant", p.ID, "error", err)
		cancel()
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(ctx, cancel)
}

// Availability reports registry sizes.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	stats, err := h.hub.Stats(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrHubStopped) {
			status = http.StatusServiceUnavailable
		}
		myMiddleware.WriteError(w, status, "Hub unavailable", "internal-error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sessions lists the calling listener's recent sessions from the ledger.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	p, ok := myMiddleware.ParticipantFromContext(r.Context())
	if !ok {
		myMiddleware.WriteError(w, http.StatusUnauthorized, "Unauthorized", "missing-credential")
		return
	}
	if !p.IsListener() {
		myMiddleware.WriteError(w, http.StatusForbidden, "Only listeners can view sessions", string(CodeForbiddenRole))
		return
	}
	if h.sessions == nil {
		myMiddleware.WriteError(w, http.StatusNotFound, "Session ledger is not configured", "not-configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			myMiddleware.WriteError(w, http.StatusBadRequest, "limit must be between 1 and 200", string(CodeInvalidPayload))
			return
		}
		limit = n
	}

	records, err := h.sessions.ListenerSessions(r.Context(), p.ID, limit)
	if err != nil {
		h.log.Error("Listing sessions failed", "participant", p.ID, "error", err)
		myMiddleware.WriteError(w, http.StatusInternalServerError, "Could not load sessions", "internal-error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": lo.Ternary(records == nil, []SessionRecord{}, records)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
