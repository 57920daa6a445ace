package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/claworc/shellrelay/internal/auth"
	"github.com/gluk-w/claworc/shellrelay/internal/connection"
	"github.com/gluk-w/claworc/shellrelay/internal/database"
	"github.com/gluk-w/claworc/shellrelay/internal/metrics"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

// echoProc prints back whatever it is sent.
type echoProc struct {
	spec shell.Spec
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func (p *echoProc) PID() int                    { return 4242 }
func (p *echoProc) Kind() shell.Kind            { return p.spec.Kind }
func (p *echoProc) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *echoProc) Resize(uint16, uint16) error { return nil }
func (p *echoProc) Done() <-chan struct{}       { return p.done }

func (p *echoProc) Write(b []byte) (int, error) {
	out := append([]byte(nil), b...)
	go func() { _, _ = p.w.Write(out) }()
	return len(b), nil
}

func (p *echoProc) Terminate(time.Duration) error {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
	return nil
}

func (p *echoProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *echoProc) ExitStatus() shell.ExitStatus {
	return shell.ExitStatus{Code: -1, Signaled: !p.Alive()}
}

type echoBackend struct{}

func (echoBackend) Available() error { return nil }

func (echoBackend) Start(_ context.Context, spec shell.Spec) (shell.Process, error) {
	r, w := io.Pipe()
	return &echoProc{spec: spec, r: r, w: w, done: make(chan struct{})}, nil
}

type testServer struct {
	*httptest.Server
	reg   *session.Registry
	store *database.Guarded
}

func setupServer(t *testing.T, a *auth.Authenticator) *testServer {
	t.Helper()
	if a == nil {
		var err error
		a, err = auth.New(true, nil)
		require.NoError(t, err)
	}
	raw, err := database.Open(database.Options{Path: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	store := database.NewGuarded(raw, database.BreakerConfig{}, nil)

	l := shell.NewEmptyLauncher(shell.Options{})
	l.Register(shell.KindPOSIX, echoBackend{})
	reg := session.NewRegistry(session.Options{
		Spawner:        l,
		Store:          store,
		TerminateGrace: 10 * time.Millisecond,
		Stream:         stream.Config{FlushInterval: time.Millisecond},
	})
	mgr := connection.NewManager(connection.Options{Registry: reg, DefaultKind: shell.KindPOSIX})

	h := &Handlers{Registry: reg, Manager: mgr, History: store, DefaultKind: shell.KindPOSIX}
	ts := httptest.NewServer(h.Router(a, metrics.New(nil)))
	t.Cleanup(func() {
		ts.Close()
		mgr.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
		raw.Close()
	})
	return &testServer{Server: ts, reg: reg, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) create(t *testing.T, name string) string {
	t.Helper()
	resp := ts.do(t, "POST", "/api/v1/sessions", map[string]any{"name": name, "workingDirectory": t.TempDir()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[sessionView](t, resp).ID
}

func TestSessions_CreateListGetDelete(t *testing.T) {
	ts := setupServer(t, nil)

	resp := ts.do(t, "POST", "/api/v1/sessions", map[string]any{"name": "build", "rows": 30, "cols": 100})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[sessionView](t, resp)
	assert.Equal(t, "build", created.Name)
	assert.Equal(t, shell.KindPOSIX, created.Kind)
	assert.Equal(t, session.StatusActive, created.Status)
	assert.Equal(t, uint16(30), created.Rows)
	assert.Equal(t, connection.StateDetached, created.Connection)

	list := decode[map[string][]sessionView](t, ts.do(t, "GET", "/api/v1/sessions", nil))
	require.Len(t, list["sessions"], 1)
	assert.Equal(t, created.ID, list["sessions"][0].ID)

	resp = ts.do(t, "GET", "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "DELETE", "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, "DELETE", "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessions_Errors(t *testing.T) {
	ts := setupServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown kind", "POST", "/api/v1/sessions", map[string]any{"shellKind": "fish"}, http.StatusBadRequest, "invalid_message"},
		{"unknown session", "GET", "/api/v1/sessions/nope", nil, http.StatusNotFound, "session_not_found"},
		{"delete unknown", "DELETE", "/api/v1/sessions/nope", nil, http.StatusNotFound, "session_not_found"},
		{"execute unknown", "POST", "/api/v1/sessions/nope/commands", map[string]any{"command": "ls"}, http.StatusNotFound, "session_not_found"},
		{"history unknown", "GET", "/api/v1/sessions/nope/commands", nil, http.StatusNotFound, "session_not_found"},
		{"recording unknown", "GET", "/api/v1/sessions/nope/recording", nil, http.StatusNotFound, "session_not_found"},
		{"attach unknown", "GET", "/api/v1/sessions/nope/ws", nil, http.StatusNotFound, "session_not_found"},
		{"bad last_seen", "GET", "/api/v1/sessions/nope/ws?last_seen=x", nil, http.StatusBadRequest, "invalid_message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestExecuteCommand_RecordsHistory(t *testing.T) {
	ts := setupServer(t, nil)
	id := ts.create(t, "hist")

	resp := ts.do(t, "POST", "/api/v1/sessions/"+id+"/commands", map[string]any{"command": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for i, cmd := range []string{"ls", "pwd"} {
		resp := ts.do(t, "POST", "/api/v1/sessions/"+id+"/commands", map[string]any{"command": cmd})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		rec := decode[session.CommandRecord](t, resp)
		assert.Equal(t, uint64(i+1), rec.Sequence)
		assert.Equal(t, cmd, rec.Text)
	}

	got := decode[map[string][]session.CommandRecord](t, ts.do(t, "GET", "/api/v1/sessions/"+id+"/commands", nil))
	require.Len(t, got["commands"], 2)
	assert.Equal(t, "ls", got["commands"][0].Text)
	assert.True(t, got["commands"][0].Completed)

	limited := decode[map[string][]session.CommandRecord](t, ts.do(t, "GET", "/api/v1/sessions/"+id+"/commands?limit=1", nil))
	assert.Len(t, limited["commands"], 1)

	resp = ts.do(t, "GET", "/api/v1/sessions/"+id+"/commands?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRecording_SurvivesTermination(t *testing.T) {
	ts := setupServer(t, nil)
	id := ts.create(t, "rec")

	resp := ts.do(t, "POST", "/api/v1/sessions/"+id+"/commands", map[string]any{"command": "echo hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		chunks, err := ts.store.LoadOutputSince(context.Background(), id, 0)
		return err == nil && len(chunks) > 0
	}, 5*time.Second, 10*time.Millisecond)

	resp = ts.do(t, "DELETE", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/sessions/"+id+"/recording", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-asciicast", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[0], `"version":2`)
	assert.Contains(t, lines[0], `"title":"rec"`)
	assert.Contains(t, string(body), "echo hi")
	assert.Contains(t, string(body), `"m","process ended`)
}

func TestAttachWS_StreamsAndReplays(t *testing.T) {
	ts := setupServer(t, nil)
	id := ts.create(t, "ws")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	wc, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	conn := transport.NewWebSocket(wc, "test")
	defer conn.Close("")

	read := func() protocol.Message {
		raw, err := conn.ReadMessage(ctx)
		require.NoError(t, err)
		var m protocol.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	info := read()
	assert.Equal(t, protocol.TypeSessionInfo, info.Type)
	assert.Equal(t, id, info.SessionID)

	require.NoError(t, conn.WriteMessage(ctx, protocol.Message{Type: protocol.TypeExecuteCommand, SessionID: id, Command: "whoami"}))
	var out strings.Builder
	var last uint64
	for !strings.Contains(out.String(), "whoami") {
		m := read()
		if m.Type == protocol.TypeOutput {
			out.Write(m.Data)
			last = m.Sequence
		}
	}
	require.NoError(t, conn.Close(""))

	// A second connection resuming after last sees nothing old.
	wc2, _, err := websocket.Dial(ctx, wsURL+"?last_seen="+strconv.FormatUint(last, 10), nil)
	require.NoError(t, err)
	conn2 := transport.NewWebSocket(wc2, "test2")
	defer conn2.Close("")
	raw, err := conn2.ReadMessage(ctx)
	require.NoError(t, err)
	var m protocol.Message
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, protocol.TypeSessionInfo, m.Type)
	assert.GreaterOrEqual(t, m.Sequence, last)

	require.NoError(t, conn2.WriteMessage(ctx, protocol.Message{Type: protocol.TypeExecuteCommand, SessionID: id, Command: "date"}))
	for {
		raw, err := conn2.ReadMessage(ctx)
		require.NoError(t, err)
		var m protocol.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		if m.Type != protocol.TypeOutput {
			continue
		}
		assert.Greater(t, m.Sequence, last)
		if strings.Contains(string(m.Data), "date") {
			break
		}
	}
}

func TestRouter_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("tok"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := auth.New(false, []string{"ops:" + string(hash)})
	require.NoError(t, err)
	ts := setupServer(t, a)

	resp := ts.do(t, "GET", "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", ts.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	resp = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["store"])

	resp = ts.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
