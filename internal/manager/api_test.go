// ABOUTME: HTTP API tests covering the wire protocol end to end
// ABOUTME: Drives the handlers against a real SQLite-backed ledger

package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/config"
	"github.com/2389/fleet-manager/internal/protocol"
)

func newTestManager(t *testing.T, testingRoutes bool) (*Manager, *http.ServeMux) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Agents.ReturnTime = 5 * time.Second
	cfg.Agents.ActiveThreshold = 5 * time.Minute
	cfg.Testing.Enabled = testingRoutes

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.store.Close() })

	mux := http.NewServeMux()
	m.registerRoutes(mux)
	return m, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func enqueueBody(taskType string) protocol.EnqueueRequest {
	return protocol.EnqueueRequest{
		TaskID:      uuid.NewString(),
		TaskType:    taskType,
		TaskVersion: 1,
		TestID:      uuid.NewString(),
		TaskData:    map[string]any{"time": float64(5)},
	}
}

func pollBody(caps map[string]protocol.CapabilityInfo, maxTasks int) protocol.TaskRequest {
	return protocol.TaskRequest{
		Protocol:     protocol.Version,
		AgentID:      uuid.NewString(),
		AgentName:    "Test Agent",
		AgentTime:    protocol.FormatTime(time.Now()),
		Capabilities: caps,
		MaxTasks:     maxTasks,
	}
}

func TestEnqueueTask(t *testing.T) {
	_, mux := newTestManager(t, false)

	req := enqueueBody("wait")
	rec := doJSON(t, mux, http.MethodPost, "/task", req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same id again conflicts without mutating the ledger
	rec = doJSON(t, mux, http.MethodPost, "/task", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueTask_Validation(t *testing.T) {
	_, mux := newTestManager(t, false)

	tests := []struct {
		name   string
		mutate func(*protocol.EnqueueRequest)
	}{
		{"malformed task id", func(r *protocol.EnqueueRequest) { r.TaskID = "not-a-uuid" }},
		{"braced task id", func(r *protocol.EnqueueRequest) { r.TaskID = "{" + r.TaskID + "}" }},
		{"malformed test id", func(r *protocol.EnqueueRequest) { r.TestID = "nope" }},
		{"missing task type", func(r *protocol.EnqueueRequest) { r.TaskType = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := enqueueBody("wait")
			tt.mutate(&req)
			rec := doJSON(t, mux, http.MethodPost, "/task", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestEnqueueTask_UnknownFieldRejected(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodPost, "/task", map[string]any{
		"task_id":   uuid.NewString(),
		"task_type": "wait",
		"test_id":   uuid.NewString(),
		"surprise":  true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestTasks_AssignsMatchingWork(t *testing.T) {
	_, mux := newTestManager(t, false)

	enq := enqueueBody("wait")
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	before := time.Now()
	rec := doJSON(t, mux, http.MethodPost, "/tasks",
		pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 2))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[protocol.TaskRequestResponse](t, rec)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, enq.TaskID, resp.Tasks[0].TaskID)
	assert.Equal(t, "wait", resp.Tasks[0].TaskType)
	assert.Equal(t, 1, resp.Tasks[0].TaskVersion)
	assert.Equal(t, enq.TaskData, resp.Tasks[0].TaskData)

	returnTime, err := protocol.ParseTime(resp.ReturnTime)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(5*time.Second), returnTime, 2*time.Second)
}

func TestRequestTasks_VersionMustMatchExactly(t *testing.T) {
	_, mux := newTestManager(t, false)

	enq := enqueueBody("wait")
	enq.TaskVersion = 2
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	rec := doJSON(t, mux, http.MethodPost, "/tasks",
		pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 2))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[protocol.TaskRequestResponse](t, rec)
	assert.Empty(t, resp.Tasks)
}

func TestRequestTasks_ZeroMaxTasksStillRegisters(t *testing.T) {
	_, mux := newTestManager(t, true)

	poll := pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 0)
	rec := doJSON(t, mux, http.MethodPost, "/tasks", poll)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[protocol.TaskRequestResponse](t, rec).Tasks)

	rec = doJSON(t, mux, http.MethodGet, "/testing/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody[map[string][]agentListEntry](t, rec)
	require.Len(t, listing["agents"], 1)
	assert.Equal(t, poll.AgentID, listing["agents"][0].AgentID)
}

func TestRequestTasks_Validation(t *testing.T) {
	_, mux := newTestManager(t, false)

	tests := []struct {
		name   string
		mutate func(*protocol.TaskRequest)
	}{
		{"wrong protocol version", func(r *protocol.TaskRequest) { r.Protocol = 2 }},
		{"zero protocol version", func(r *protocol.TaskRequest) { r.Protocol = 0 }},
		{"malformed agent id", func(r *protocol.TaskRequest) { r.AgentID = "not-a-uuid" }},
		{"urn agent id", func(r *protocol.TaskRequest) { r.AgentID = "urn:uuid:" + r.AgentID }},
		{"missing agent name", func(r *protocol.TaskRequest) { r.AgentName = "" }},
		{"timestamp without offset", func(r *protocol.TaskRequest) { r.AgentTime = "2026-08-29 10:00:00" }},
		{"negative max tasks", func(r *protocol.TaskRequest) { r.MaxTasks = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pollBody(nil, 1)
			tt.mutate(&req)
			rec := doJSON(t, mux, http.MethodPost, "/tasks", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestPostResult_RequiresClaimedTask(t *testing.T) {
	_, mux := newTestManager(t, false)

	enq := enqueueBody("wait")
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	data := map[string]any{"time": float64(5)}
	rec := doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   enq.TaskID,
		TaskData: data,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostResult_UnknownTask(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   uuid.NewString(),
		TaskData: map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostResult_ExactlyOneOfDataAndError(t *testing.T) {
	_, mux := newTestManager(t, false)

	errMsg := "it broke"
	id := uuid.NewString()

	// Both present
	rec := doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol:  protocol.Version,
		TaskID:    id,
		TaskData:  map[string]any{},
		TaskError: &errMsg,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Neither present
	rec = doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   id,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodGet, "/task/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/task/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Full producer-agent-producer cycle: enqueue, poll, post a success,
// fetch the completed task.
func TestTaskLifecycle_Completed(t *testing.T) {
	_, mux := newTestManager(t, false)

	enq := enqueueBody("wait")
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	rec := doJSON(t, mux, http.MethodPost, "/tasks",
		pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 1))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[protocol.TaskRequestResponse](t, rec).Tasks, 1)

	result := map[string]any{"time": float64(4.8)}
	rec = doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   enq.TaskID,
		TaskData: result,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/task/"+enq.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	info := decodeBody[protocol.TaskInfo](t, rec)
	assert.Equal(t, enq.TaskID, info.TaskID)
	assert.Equal(t, enq.TestID, info.TestID)
	assert.Equal(t, result, info.TaskResult)
	assert.Empty(t, info.TaskFailed)
	assert.Empty(t, info.TaskError)

	completed, err := protocol.ParseTime(info.TaskCompleted)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), completed, time.Minute)

	// Terminal tasks reject further results
	rec = doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   enq.TaskID,
		TaskData: result,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTaskLifecycle_Failed(t *testing.T) {
	_, mux := newTestManager(t, false)

	enq := enqueueBody("wait")
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	rec := doJSON(t, mux, http.MethodPost, "/tasks",
		pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	errMsg := "handler exploded"
	rec = doJSON(t, mux, http.MethodPost, "/tasks/response", protocol.ResultPost{
		Protocol:  protocol.Version,
		TaskID:    enq.TaskID,
		TaskError: &errMsg,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/task/"+enq.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	info := decodeBody[protocol.TaskInfo](t, rec)
	assert.Equal(t, errMsg, info.TaskError)
	assert.NotEmpty(t, info.TaskFailed)
	assert.Empty(t, info.TaskCompleted)
	assert.Nil(t, info.TaskResult)
}

func TestStatus(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[protocol.StatusInfo](t, rec)
	assert.Equal(t, 0, status.Agents)
	assert.Equal(t, 0, status.TasksWaiting)

	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enqueueBody("wait")).Code)
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enqueueBody("wait")).Code)
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/tasks", pollBody(nil, 0)).Code)

	rec = doJSON(t, mux, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decodeBody[protocol.StatusInfo](t, rec)
	assert.Equal(t, 1, status.Agents)
	assert.Equal(t, 2, status.TasksWaiting)
}

func TestHealth(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeBody[map[string]string](t, rec))
}

func TestTestingRoutes_DisabledByDefault(t *testing.T) {
	_, mux := newTestManager(t, false)

	rec := doJSON(t, mux, http.MethodGet, "/testing/agents", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/testing/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestingRoutes_ListsAgentsAndTasks(t *testing.T) {
	_, mux := newTestManager(t, true)

	enq := enqueueBody("wait")
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/task", enq).Code)

	poll := pollBody(map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, 0)
	require.Equal(t, http.StatusOK, doJSON(t, mux, http.MethodPost, "/tasks", poll).Code)

	rec := doJSON(t, mux, http.MethodGet, "/testing/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decodeBody[map[string][]agentListEntry](t, rec)["agents"]
	require.Len(t, agents, 1)
	assert.Equal(t, poll.AgentID, agents[0].AgentID)
	assert.Equal(t, "Test Agent", agents[0].AgentName)
	assert.Equal(t, map[string]protocol.CapabilityInfo{"wait": {Version: 1}}, agents[0].Capabilities)

	rec = doJSON(t, mux, http.MethodGet, "/testing/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeBody[map[string][]protocol.TaskInfo](t, rec)["tasks"]
	require.Len(t, tasks, 1)
	assert.Equal(t, enq.TaskID, tasks[0].TaskID)
}
