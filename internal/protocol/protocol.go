// ABOUTME: Wire types for the fleet-manager JSON protocol (version 1)
// ABOUTME: Shared by the coordinator HTTP handlers and the agent communicator

package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version spoken by this implementation.
// Any other value in a request is rejected before touching the ledger.
const Version = 1

// TimeFormat is the wire format for timestamps: ISO-8601 with an offset.
const TimeFormat = time.RFC3339

// CapabilityInfo describes one declared capability of an agent.
type CapabilityInfo struct {
	Version int `json:"version"`
}

// Location is an agent's optional self-reported location.
type Location struct {
	Country   string   `json:"country"`
	Region    string   `json:"region"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// TaskRequest is the poll request body for POST /tasks.
type TaskRequest struct {
	Protocol     int                       `json:"protocol"`
	AgentID      string                    `json:"agent_id"`
	AgentName    string                    `json:"agent_name"`
	AgentTime    string                    `json:"agent_time"`
	Capabilities map[string]CapabilityInfo `json:"agent_capabilities"`
	MaxTasks     int                       `json:"max_tasks"`
	Location     *Location                 `json:"agent_location,omitempty"`
}

// TaskEnvelope is one assigned task inside a poll response.
type TaskEnvelope struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	TaskVersion int            `json:"task_version"`
	TaskData    map[string]any `json:"task_data"`
}

// TaskRequestResponse is the poll response body.
type TaskRequestResponse struct {
	Tasks      []TaskEnvelope `json:"tasks"`
	ReturnTime string         `json:"return_time"`
}

// ResultPost is the body for POST /tasks/response. Exactly one of
// TaskData and TaskError must be present.
type ResultPost struct {
	Protocol  int            `json:"protocol"`
	TaskID    string         `json:"task_id"`
	TaskData  map[string]any `json:"task_data,omitempty"`
	TaskError *string        `json:"task_error,omitempty"`
}

// EnqueueRequest is the producer-side body for POST /task.
type EnqueueRequest struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	TaskVersion int            `json:"task_version"`
	TestID      string         `json:"test_id"`
	TaskData    map[string]any `json:"task_data,omitempty"`
}

// TaskInfo is the response body for GET /task/{id}. The completed and
// failed field pairs are mutually exclusive.
type TaskInfo struct {
	TaskID        string         `json:"task_id"`
	TestID        string         `json:"test_id"`
	TaskType      string         `json:"task_type"`
	TaskVersion   int            `json:"task_version"`
	TaskData      map[string]any `json:"task_data,omitempty"`
	TaskCompleted string         `json:"task_completed,omitempty"`
	TaskResult    map[string]any `json:"task_result,omitempty"`
	TaskFailed    string         `json:"task_failed,omitempty"`
	TaskError     string         `json:"task_error,omitempty"`
}

// StatusInfo is the response body for GET /status.
type StatusInfo struct {
	Agents       int `json:"agents"`
	TasksWaiting int `json:"tasks_waiting"`
}

// ValidateUUID checks that s is a uuid in canonical 8-4-4-4-12 hex form.
// Non-canonical encodings accepted by uuid.Parse (URNs, braces, raw hex)
// are rejected.
func ValidateUUID(s string) error {
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	if !strings.EqualFold(s, u.String()) {
		return fmt.Errorf("uuid %q is not in canonical form", s)
	}
	return nil
}

// ParseTime parses a wire timestamp, requiring an explicit offset.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatTime renders a timestamp in the wire format.
func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}
