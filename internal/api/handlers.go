// Package api serves the read-only HTTP endpoints: health, live stats and
// the archive of finished debates.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/arena/internal/coordinator"
	"github.com/manpreetbhatti/arena/internal/db"
	"github.com/manpreetbhatti/arena/internal/logging"
)

// LiveStats reports in-memory coordinator state.
type LiveStats interface {
	Stats() coordinator.Stats
}

// Connections reports connected sockets.
type Connections interface {
	ClientCount() int
}

// Archive is the read side of the debate archive.
type Archive interface {
	ListDebates(ctx context.Context, limit, offset int) ([]db.DebateSummary, error)
	GetDebate(ctx context.Context, id string) (*db.Debate, error)
	GetStats(ctx context.Context) (map[string]any, error)
}

type API struct {
	live    LiveStats
	conns   Connections
	archive Archive // nil when archiving is disabled
	log     *logging.Logger
	started time.Time
}

func New(live LiveStats, conns Connections, archive Archive, log *logging.Logger) *API {
	if log == nil {
		log = logging.NopLogger()
	}
	return &API{
		live:    live,
		conns:   conns,
		archive: archive,
		log:     log,
		started: time.Now(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("failed to encode JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.live.Stats()
	stats := map[string]any{
		"active_rooms":       live.ActiveRooms,
		"waiting_topics":     live.WaitingTopics,
		"finalized_debates":  live.FinalizedDebates,
		"messages_processed": live.MessagesProcessed,
		"connected_clients":  a.conns.ClientCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.archive != nil {
		archived, err := a.archive.GetStats(r.Context())
		if err != nil {
			a.log.Warn("failed to read archive stats", "error", err)
		} else {
			stats["archived_debates"] = archived["debate_count"]
			stats["archived_messages"] = archived["message_count"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Debate handlers

func (a *API) ListDebatesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	debates, err := a.archive.ListDebates(r.Context(), limit, offset)
	if err != nil {
		a.log.Error("failed to list debates", "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list debates")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"debates": debates,
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) GetDebateHandler(w http.ResponseWriter, r *http.Request, id string) {
	debate, err := a.archive.GetDebate(r.Context(), id)
	if err != nil {
		a.log.Error("failed to get debate", "room_id", id, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get debate")
		return
	}
	if debate == nil {
		a.errorResponse(w, http.StatusNotFound, "Debate not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, debate)
}

func (a *API) DebatesRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.archive == nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Debate archive is disabled")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/debates")

	// /api/debates or /api/debates/
	if path == "" || path == "/" {
		a.ListDebatesHandler(w, r)
		return
	}

	// /api/debates/{id}
	id := strings.TrimPrefix(path, "/")
	if strings.Contains(id, "/") {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}
	a.GetDebateHandler(w, r, id)
}

// Routes registers every endpoint plus the WebSocket handler on a new mux,
// wrapped in the CORS middleware.
func (a *API) Routes(wsHandler http.Handler, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/debates", a.DebatesRouter)
	mux.HandleFunc("/api/debates/", a.DebatesRouter)
	return corsMiddleware(mux, allowedOrigins)
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(allowedOrigins) > 0 {
			origin = ""
			if o := r.Header.Get("Origin"); slices.Contains(allowedOrigins, o) {
				origin = o
				w.Header().Add("Vary", "Origin")
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
