// ABOUTME: HTTP communicator between an agent and the fleet manager
// ABOUTME: Classifies failures as temporary or fatal and guarantees result delivery

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/fleet-manager/internal/protocol"
)

// TemporaryError indicates a recoverable communication failure: the
// manager was unreachable or answered with a server error. The caller
// should retry.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string {
	return fmt.Sprintf("temporary communication error: %v", e.Err)
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// FatalError indicates an unrecoverable failure: the manager rejected
// the request as malformed or answered with a body that cannot be
// parsed. Retrying the same exchange can never succeed.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal communication error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Communicator wraps the manager's HTTP protocol for the agent side.
type Communicator struct {
	baseURL       string
	client        *http.Client
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewCommunicator creates a communicator for the manager at baseURL.
func NewCommunicator(baseURL string, logger *slog.Logger) *Communicator {
	return &Communicator{
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		retryInterval: time.Second,
		logger:        logger.With("component", "communicator"),
	}
}

// post sends a JSON body and translates transport and status failures
// into the temporary/fatal taxonomy. The response body is returned only
// for 2xx statuses.
func (c *Communicator) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TemporaryError{Err: err}
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		resp.Body.Close()
		return nil, &FatalError{Err: fmt.Errorf("manager responded with client error status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &TemporaryError{Err: fmt.Errorf("manager responded with server error status %d", resp.StatusCode)}
	}

	return resp, nil
}

// RequestTasks polls the manager for work. Single attempt, no internal
// retry: temporary and fatal errors propagate to the poll loop, which
// decides what to do.
func (c *Communicator) RequestTasks(ctx context.Context, req protocol.TaskRequest) (*protocol.TaskRequestResponse, error) {
	req.Protocol = protocol.Version

	c.logger.Debug("requesting tasks", "agent_id", req.AgentID, "max_tasks", req.MaxTasks)

	resp, err := c.post(ctx, "/tasks", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out protocol.TaskRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("parsing task response: %w", err)}
	}
	return &out, nil
}

// PostResult reports a task outcome, retrying on temporary errors until
// the manager accepts the post. Result delivery is the only path to
// completing a task, so temporary failures are absorbed indefinitely.
// A fatal failure is returned to the caller: the exchange can never
// succeed and the result is lost.
func (c *Communicator) PostResult(ctx context.Context, taskID string, data map[string]any, taskErr string) error {
	body := protocol.ResultPost{
		Protocol: protocol.Version,
		TaskID:   taskID,
	}
	if data != nil {
		body.TaskData = data
	} else {
		body.TaskError = &taskErr
	}

	for {
		resp, err := c.post(ctx, "/tasks/response", body)
		if err == nil {
			resp.Body.Close()
			c.logger.Debug("result posted", "task_id", taskID)
			return nil
		}

		var tempErr *TemporaryError
		if !errors.As(err, &tempErr) {
			return err
		}

		c.logger.Warn("temporary error while posting result, retrying",
			"task_id", taskID, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}
