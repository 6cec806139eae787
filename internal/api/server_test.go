package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/monitor"
	"github.com/rubenmavarezb/ditloop/internal/schema"
	"github.com/rubenmavarezb/ditloop/internal/statesync"
)

const testToken = "test-token"

type fixture struct {
	bus     *eventbus.Bus
	sync    *statesync.Engine
	monitor *monitor.Monitor
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.NewBus()
	engine := statesync.NewEngine(bus)
	mon := monitor.NewMonitor(bus)
	t.Cleanup(func() {
		mon.Close()
		engine.Destroy()
	})
	srv := &Server{
		Sync:      engine,
		Monitor:   mon,
		Bus:       bus,
		Token:     testToken,
		StartedAt: time.Now(),
	}
	return &fixture{bus: bus, sync: engine, monitor: mon, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/version", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sync/version", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSyncVersion(t *testing.T) {
	f := newFixture(t)
	f.bus.Emit(context.Background(), schema.WorkspaceActivated, map[string]any{"name": "ws"})

	rec := f.do(t, http.MethodGet, "/api/sync/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["version"])
}

func TestSyncStateFullAndDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bus.Emit(ctx, schema.WorkspaceActivated, map[string]any{"name": "ws-a"})
	f.bus.Emit(ctx, schema.WorkspaceActivated, map[string]any{"name": "ws-b"})

	rec := f.do(t, http.MethodGet, "/api/sync/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decodeBody(t, rec)
	assert.Equal(t, "full", full["type"])

	rec = f.do(t, http.MethodGet, "/api/sync/state?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	delta := decodeBody(t, rec)
	assert.Equal(t, "delta", delta["type"])
	assert.Equal(t, float64(2), delta["currentVersion"])
	assert.Len(t, delta["deltas"], 1)
}

func TestSyncStateInvalidSince(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sync/state?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sync/state?since=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfflineQueueEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sync/offline-queue", map[string]any{
		"events": []map[string]any{
			{"clientId": "c1", "event": schema.ChatMessageSent, "data": map[string]any{"text": "hi"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)
	assert.Equal(t, float64(1), result["accepted"])
	assert.Equal(t, float64(0), result["rejected"])
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/execute", monitor.SubmitOptions{
		TaskID:    "task-1",
		Workspace: "ws-a",
		Provider:  "claude",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/api/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []monitor.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	rec = f.do(t, http.MethodGet, "/api/executions?workspace=other", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Empty(t, items)

	rec = f.do(t, http.MethodGet, "/api/executions/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["running"])

	rec = f.do(t, http.MethodGet, "/api/executions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second cancel hits a terminal execution.
	rec = f.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/execute", monitor.SubmitOptions{Workspace: "ws"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionStreamReplaysAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.monitor.SubmitExecution(ctx, monitor.SubmitOptions{TaskID: "task-1", Workspace: "ws"})
	require.NoError(t, err)
	f.bus.Emit(ctx, schema.ExecutionOutput, map[string]any{"taskId": id, "stream": "stdout", "data": "hello\n"})
	f.bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": id, "exitCode": 0})

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/executions/"+id+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "event: output"), "buffered output replayed")
	assert.True(t, strings.Contains(text, "hello"))
	assert.True(t, strings.Contains(text, "event: done"), "terminal execution closes the stream")
}
