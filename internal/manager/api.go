// ABOUTME: HTTP API handlers for the fleet-manager wire protocol
// ABOUTME: Implements agent polling, result posting, producer enqueue and status

package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/fleet-manager/internal/protocol"
	"github.com/2389/fleet-manager/internal/store"
)

// decodeStrict decodes a JSON body, rejecting unknown top-level fields.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeJSON writes a JSON response body with the given status.
func (m *Manager) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (m *Manager) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// storeError maps ledger errors to HTTP statuses: conflicts are client
// errors that performed no mutation, everything else is a server error.
func (m *Manager) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateTask):
		m.sendJSONError(w, http.StatusConflict, "task id already exists")
	case errors.Is(err, store.ErrInvalidTransition):
		m.sendJSONError(w, http.StatusConflict, "task is not claimed or already terminal")
	case errors.Is(err, store.ErrNotFound):
		m.sendJSONError(w, http.StatusBadRequest, "no such task")
	default:
		m.logger.Error("storage failure", "error", err)
		m.sendJSONError(w, http.StatusInternalServerError, "storage unavailable")
	}
}

// handleRequestTasks handles POST /tasks: one agent poll. The whole poll
// is a single ledger transaction; on any failure nothing is committed and
// the agent sees a server error.
func (m *Manager) handleRequestTasks(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskRequest
	if err := decodeStrict(r, &req); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Protocol != protocol.Version {
		m.sendJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported protocol %d", req.Protocol))
		return
	}
	if err := protocol.ValidateUUID(req.AgentID); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := protocol.ParseTime(req.AgentTime); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentName == "" {
		m.sendJSONError(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	if req.MaxTasks < 0 {
		m.sendJSONError(w, http.StatusBadRequest, "max_tasks must be non-negative")
		return
	}

	caps := make([]store.Capability, 0, len(req.Capabilities))
	for taskType, info := range req.Capabilities {
		caps = append(caps, store.Capability{Type: taskType, Version: info.Version})
	}

	now := time.Now()
	tasks, err := m.store.PollTasks(r.Context(), store.PollRequest{
		AgentID:      req.AgentID,
		AgentName:    req.AgentName,
		Capabilities: caps,
		MaxTasks:     req.MaxTasks,
		Now:          now,
	})
	if err != nil {
		m.storeError(w, err)
		return
	}

	envelopes := make([]protocol.TaskEnvelope, 0, len(tasks))
	for _, task := range tasks {
		envelopes = append(envelopes, protocol.TaskEnvelope{
			TaskID:      task.ID,
			TaskType:    task.Type,
			TaskVersion: task.Version,
			TaskData:    task.Data,
		})
	}

	m.logger.Info("agent polled",
		"agent_id", req.AgentID,
		"agent_name", req.AgentName,
		"max_tasks", req.MaxTasks,
		"assigned", len(envelopes),
	)

	m.writeJSON(w, http.StatusOK, protocol.TaskRequestResponse{
		Tasks:      envelopes,
		ReturnTime: protocol.FormatTime(now.Add(m.config.Agents.ReturnTime)),
	})
}

// handlePostResult handles POST /tasks/response: a task outcome from an
// agent. Exactly one of task_data and task_error must be present.
func (m *Manager) handlePostResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResultPost
	if err := decodeStrict(r, &req); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Protocol != protocol.Version {
		m.sendJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported protocol %d", req.Protocol))
		return
	}
	if err := protocol.ValidateUUID(req.TaskID); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (req.TaskData == nil) == (req.TaskError == nil) {
		m.sendJSONError(w, http.StatusBadRequest,
			"exactly one of task_data and task_error is required")
		return
	}

	res := store.Result{Data: req.TaskData}
	if req.TaskError != nil {
		res.Error = *req.TaskError
	}

	if err := m.store.RecordResult(r.Context(), req.TaskID, res); err != nil {
		m.storeError(w, err)
		return
	}

	m.logger.Info("task result recorded", "task_id", req.TaskID, "failed", req.TaskError != nil)
	w.WriteHeader(http.StatusOK)
}

// handleEnqueueTask handles POST /task: a producer adding work.
func (m *Manager) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnqueueRequest
	if err := decodeStrict(r, &req); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := protocol.ValidateUUID(req.TaskID); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := protocol.ValidateUUID(req.TestID); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TaskType == "" {
		m.sendJSONError(w, http.StatusBadRequest, "task_type is required")
		return
	}

	err := m.store.InsertTask(r.Context(), &store.Task{
		ID:       req.TaskID,
		OriginID: req.TestID,
		Type:     req.TaskType,
		Version:  req.TaskVersion,
		Data:     req.TaskData,
	})
	if err != nil {
		m.storeError(w, err)
		return
	}

	m.logger.Info("task enqueued",
		"task_id", req.TaskID,
		"task_type", req.TaskType,
		"task_version", req.TaskVersion,
		"test_id", req.TestID,
	)
	w.WriteHeader(http.StatusOK)
}

// handleGetTask handles GET /task/{id}.
func (m *Manager) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := protocol.ValidateUUID(id); err != nil {
		m.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := m.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		m.sendJSONError(w, http.StatusNotFound, "no such task")
		return
	}
	if err != nil {
		m.storeError(w, err)
		return
	}

	m.writeJSON(w, http.StatusOK, taskInfo(task))
}

// taskInfo renders a ledger task for the fetch endpoint. The completed
// and failed pairs are mutually exclusive.
func taskInfo(task *store.Task) protocol.TaskInfo {
	info := protocol.TaskInfo{
		TaskID:      task.ID,
		TestID:      task.OriginID,
		TaskType:    task.Type,
		TaskVersion: task.Version,
		TaskData:    task.Data,
	}
	if task.FailedAt != nil {
		info.TaskFailed = protocol.FormatTime(*task.FailedAt)
		info.TaskError = task.Error
	} else if task.CompletedAt != nil {
		info.TaskCompleted = protocol.FormatTime(*task.CompletedAt)
		info.TaskResult = task.ResultData
	}
	return info
}

// handleStatus handles GET /status.
func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := m.store.Stats(r.Context(), m.config.Agents.ActiveThreshold)
	if err != nil {
		m.storeError(w, err)
		return
	}

	m.writeJSON(w, http.StatusOK, protocol.StatusInfo{
		Agents:       stats.ActiveAgents,
		TasksWaiting: stats.TasksWaiting,
	})
}

// handleHealth handles GET /health.
func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentListEntry is the per-agent shape for GET /testing/agents.
type agentListEntry struct {
	AgentID      string                             `json:"agent_id"`
	AgentName    string                             `json:"agent_name"`
	LastSeen     string                             `json:"last_seen"`
	Capabilities map[string]protocol.CapabilityInfo `json:"agent_capabilities,omitempty"`
}

// handleTestingAgents handles GET /testing/agents: a debug listing of all
// known agents and their declared capabilities.
func (m *Manager) handleTestingAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := m.store.ListAgents(r.Context())
	if err != nil {
		m.storeError(w, err)
		return
	}

	entries := make([]agentListEntry, 0, len(agents))
	for _, a := range agents {
		entry := agentListEntry{
			AgentID:   a.Agent.ID,
			AgentName: a.Agent.Name,
			LastSeen:  protocol.FormatTime(a.Agent.LastSeen),
		}
		if len(a.Capabilities) > 0 {
			entry.Capabilities = make(map[string]protocol.CapabilityInfo, len(a.Capabilities))
			for _, c := range a.Capabilities {
				entry.Capabilities[c.Type] = protocol.CapabilityInfo{Version: c.Version}
			}
		}
		entries = append(entries, entry)
	}

	m.writeJSON(w, http.StatusOK, map[string][]agentListEntry{"agents": entries})
}

// handleTestingTasks handles GET /testing/tasks: a debug listing of every
// task in the ledger.
func (m *Manager) handleTestingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := m.store.ListTasks(r.Context())
	if err != nil {
		m.storeError(w, err)
		return
	}

	infos := make([]protocol.TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		infos = append(infos, taskInfo(task))
	}

	m.writeJSON(w, http.StatusOK, map[string][]protocol.TaskInfo{"tasks": infos})
}
