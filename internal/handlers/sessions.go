// Package handlers serves the session-management HTTP API and the
// WebSocket attach endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/connection"
	"github.com/gluk-w/claworc/shellrelay/internal/database"
	"github.com/gluk-w/claworc/shellrelay/internal/logging"
	"github.com/gluk-w/claworc/shellrelay/internal/middleware"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
	"github.com/gluk-w/claworc/shellrelay/internal/recording"
	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

// defaultCommandLimit caps command history responses without ?limit.
const defaultCommandLimit = 500

// History reads persisted session data. *database.Guarded implements it.
type History interface {
	LoadSession(ctx context.Context, id string) (session.Info, error)
	LoadOutputSince(ctx context.Context, sessionID string, after uint64) ([]stream.Chunk, error)
	ListCommands(ctx context.Context, sessionID string, limit int) ([]session.CommandRecord, error)
}

// Handlers holds the collaborators of the HTTP API.
type Handlers struct {
	Registry *session.Registry
	Manager  *connection.Manager
	History  History
	// DefaultKind is used when a create request names no shell kind.
	DefaultKind shell.Kind
	// AllowedOrigins are WebSocket origin patterns; empty allows any.
	AllowedOrigins []string
	// MaxRecordingEvents caps recording exports.
	MaxRecordingEvents int
	Logger             *zap.Logger
}

func (h *Handlers) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// sessionView is a session as returned by the API.
type sessionView struct {
	session.Info
	Connection connection.State `json:"connection"`
}

func (h *Handlers) view(info session.Info) sessionView {
	v := sessionView{Info: info}
	if h.Manager != nil {
		v.Connection = h.Manager.State(info.ID)
	}
	return v
}

type createRequest struct {
	Name             string            `json:"name"`
	ShellKind        string            `json:"shellKind"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"workingDirectory"`
	Env              map[string]string `json:"env"`
	Rows             uint16            `json:"rows"`
	Cols             uint16            `json:"cols"`
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvalid, fmt.Sprintf(format, args...))
}

// CreateSession spawns a new session.
// POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxMessageSize)).Decode(&body); err != nil {
		writeError(w, invalidRequest("decode body: %v", err))
		return
	}
	kind := h.DefaultKind
	if body.ShellKind != "" {
		k, err := shell.ParseKind(body.ShellKind)
		if err != nil {
			writeError(w, invalidRequest("%v", err))
			return
		}
		kind = k
	}

	s, err := h.Registry.Create(r.Context(), session.Config{
		Name:    body.Name,
		Kind:    kind,
		Command: body.Command,
		WorkDir: body.WorkingDirectory,
		Env:     body.Env,
		Rows:    body.Rows,
		Cols:    body.Cols,
	})
	if err != nil {
		h.logger().Warn("create session",
			zap.String("user", middleware.GetUser(r)),
			zap.String("name", logging.Sanitize(body.Name)),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(s.Info()))
}

// ListSessions returns every live session.
// GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.Registry.List()
	out := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, h.view(info))
	}
	writeJSON(w, http.StatusOK, map[string][]sessionView{"sessions": out})
}

// GetSession returns one live session.
// GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(s.Info()))
}

// DeleteSession terminates a session. Repeated deletes succeed.
// DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Registry.Terminate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Command string `json:"command"`
}

// ExecuteCommand writes one command line to the session.
// POST /api/v1/sessions/{id}/commands
func (h *Handlers) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxMessageSize)).Decode(&body); err != nil {
		writeError(w, invalidRequest("decode body: %v", err))
		return
	}
	msg := protocol.Message{Type: protocol.TypeExecuteCommand, SessionID: id, Command: body.Command}
	if err := msg.Validate(); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.Manager.Execute(r.Context(), id, body.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// ListCommands returns the persisted command history, oldest first.
// GET /api/v1/sessions/{id}/commands?limit=n
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultCommandLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, invalidRequest("bad limit %q", v))
			return
		}
		limit = n
	}
	if _, err := h.lookup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	cmds := []session.CommandRecord{}
	if h.History != nil {
		got, err := h.History.ListCommands(r.Context(), id, limit)
		if err != nil {
			h.logger().Error("list commands", zap.String("session_id", id), zap.Error(err))
			writeError(w, err)
			return
		}
		if got != nil {
			cmds = got
		}
	}
	writeJSON(w, http.StatusOK, map[string][]session.CommandRecord{"commands": cmds})
}

// GetRecording exports the persisted output as an asciicast v2 file.
// Terminated sessions can still be exported until retention purges them.
// GET /api/v1/sessions/{id}/recording
func (h *Handlers) GetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var chunks []stream.Chunk
	if h.History != nil {
		chunks, err = h.History.LoadOutputSince(r.Context(), id, 0)
		if err != nil {
			h.logger().Error("load output for recording", zap.String("session_id", id), zap.Error(err))
			writeError(w, err)
			return
		}
	}

	rec := recording.Build(info.Name, info.Cols, info.Rows, chunks, h.MaxRecordingEvents)
	if rec.Truncated() {
		h.logger().Warn("recording truncated", zap.String("session_id", id), zap.Int("chunks", len(chunks)))
	}
	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.cast"`, id))
	if _, err := rec.WriteTo(w); err != nil {
		h.logger().Debug("write recording", zap.String("session_id", id), zap.Error(err))
	}
}

// lookup finds a live session, then falls back to the store.
func (h *Handlers) lookup(ctx context.Context, id string) (session.Info, error) {
	if s, err := h.Registry.Get(id); err == nil {
		return s.Info(), nil
	}
	if h.History == nil {
		return session.Info{}, session.ErrSessionNotFound
	}
	info, err := h.History.LoadSession(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return session.Info{}, session.ErrSessionNotFound
	}
	return info, err
}

// AttachWS upgrades to a WebSocket bound to one session and replays
// output after ?last_seen.
// GET /api/v1/sessions/{id}/ws?last_seen=n
func (h *Handlers) AttachWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var after uint64
	if v := r.URL.Query().Get("last_seen"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, invalidRequest("bad last_seen %q", v))
			return
		}
		after = n
	}
	// Reject before upgrading so clients see a plain 404.
	if _, err := h.Registry.Get(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := transport.Accept(w, r, h.AllowedOrigins)
	if err != nil {
		h.logger().Warn("websocket upgrade", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close("")

	user := middleware.GetUser(r)
	if err := h.Manager.ServeSession(r.Context(), user, conn, id, after); err != nil {
		h.logger().Debug("websocket connection ended", zap.String("session_id", id), zap.Error(err))
	}
}
