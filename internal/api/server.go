package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/monitor"
	"github.com/rubenmavarezb/ditloop/internal/statesync"
)

// Server is the daemon's HTTP surface. Everything except /api/health
// requires the shared bearer token.
type Server struct {
	Sync      *statesync.Engine
	Monitor   *monitor.Monitor
	Bus       *eventbus.Bus
	Token     string
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sync/version", s.handleSyncVersion)
	mux.HandleFunc("/api/sync/state", s.handleSyncState)
	mux.HandleFunc("/api/sync/offline-queue", s.handleOfflineQueue)
	mux.HandleFunc("/api/executions", s.handleExecutions)
	mux.HandleFunc("/api/executions/stats", s.handleExecutionStats)
	mux.HandleFunc("/api/executions/", s.handleExecutionItem)
	mux.HandleFunc("/api/execute", s.handleExecute)

	return s.requireAuth(mux)
}

// requireAuth enforces the bearer token on every route except the health
// probe.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || s.Token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
		"uptime": time.Since(s.StartedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleSyncVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.Sync.GetCurrentVersion(),
		"timestamp": time.Now().UTC(),
	})
}

// handleSyncState serves incremental deltas when the client's version is
// still inside the buffer, and a full snapshot otherwise.
func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	raw := r.URL.Query().Get("since")
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"type":  "full",
			"state": s.Sync.GetFullState(),
		})
		return
	}

	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid since version"))
		return
	}

	deltas, err := s.Sync.GetDeltasSince(uint64(since))
	if err != nil {
		if errors.Is(err, statesync.ErrVersionTooOld) {
			writeJSON(w, http.StatusOK, map[string]any{
				"type":  "full",
				"state": s.Sync.GetFullState(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type":           "delta",
		"since":          since,
		"deltas":         deltas,
		"currentVersion": s.Sync.GetCurrentVersion(),
	})
}

func (s *Server) handleOfflineQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Events []statesync.OfflineEvent `json:"events"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sync.ProcessOfflineQueue(payload.Events))
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items := s.Monitor.ListExecutions(monitor.ListFilter{
		Workspace: r.URL.Query().Get("workspace"),
		Status:    monitor.Status(r.URL.Query().Get("status")),
	})
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Monitor.GetStats())
}

func (s *Server) handleExecutionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("execution"))
		return
	}
	id := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		ex, ok := s.Monitor.GetExecution(id)
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("execution"))
			return
		}
		writeJSON(w, http.StatusOK, ex)
		return
	}

	switch segments[1] {
	case "cancel":
		s.handleExecutionCancel(w, r, id)
	case "stream":
		s.handleExecutionStream(w, r, id)
	default:
		writeError(w, http.StatusNotFound, errNotFound("execution action"))
	}
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !s.Monitor.CancelExecution(r.Context(), id) {
		writeError(w, http.StatusConflict, errors.New("execution not cancellable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var opts monitor.SubmitOptions
	if err := decodeJSON(r.Body, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.Monitor.SubmitExecution(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "queued"})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
