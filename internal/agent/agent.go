// ABOUTME: Agent poll loop driving the request-execute-report cycle
// ABOUTME: Paces polling from the manager's suggested return time

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/fleet-manager/internal/protocol"
)

// minWait is the floor for the inter-poll wait derived from return_time.
const minWait = time.Second

// Options configures an Agent.
type Options struct {
	// ManagerURL is the base URL of the fleet manager.
	ManagerURL string

	// ID is the agent's stable uuid. Name is its display name.
	ID   string
	Name string

	// MaxExecutors bounds concurrent task execution.
	MaxExecutors int

	// DefaultWait is the inter-poll wait used when the manager's
	// response carries no usable return time.
	DefaultWait time.Duration
}

// Agent is one polling worker process: a communicator, a capability
// registry and an executor pool driven by a single poll loop.
type Agent struct {
	opts     Options
	comm     *Communicator
	registry *Registry
	pool     *Pool
	logger   *slog.Logger
}

// New creates an agent around the given registry. Handlers may still be
// registered on the registry after New, up to and during polling.
func New(opts Options, registry *Registry, logger *slog.Logger) *Agent {
	return &Agent{
		opts:     opts,
		comm:     NewCommunicator(opts.ManagerURL, logger),
		registry: registry,
		pool:     NewPool(opts.MaxExecutors, registry, logger),
		logger:   logger.With("component", "agent"),
	}
}

// Run drives the poll loop until ctx is canceled. The stop signal is
// observed between iterations; an in-flight cycle always finishes, and
// already-submitted tasks run to completion with their results posted.
// A fatal coordination error ends the loop immediately and is returned.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		"agent_id", a.opts.ID,
		"name", a.opts.Name,
		"manager_url", a.opts.ManagerURL,
		"max_executors", a.opts.MaxExecutors,
	)
	defer a.pool.Close()

	for {
		if ctx.Err() != nil {
			a.logger.Info("agent stopping")
			return nil
		}

		wait, err := a.pollOnce(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

// pollOnce performs one request-execute cycle and returns how long to
// wait before the next poll.
func (a *Agent) pollOnce(ctx context.Context) (time.Duration, error) {
	wait := a.opts.DefaultWait

	resp, err := a.comm.RequestTasks(ctx, protocol.TaskRequest{
		AgentID:      a.opts.ID,
		AgentName:    a.opts.Name,
		AgentTime:    protocol.FormatTime(time.Now()),
		Capabilities: a.registry.List(),
		MaxTasks:     a.pool.Available(),
	})
	if err != nil {
		var tempErr *TemporaryError
		if errors.As(err, &tempErr) {
			a.logger.Error("error while requesting tasks", "error", err)
			return wait, nil
		}
		// Fatal: this protocol exchange can never succeed
		return 0, err
	}

	for _, task := range resp.Tasks {
		a.logger.Info("task received",
			"task_id", task.TaskID,
			"type", task.TaskType,
			"version", task.TaskVersion,
		)
		a.pool.Submit(task, a.postResult)
	}

	if resp.ReturnTime != "" {
		if returnTime, err := protocol.ParseTime(resp.ReturnTime); err == nil {
			wait = time.Until(returnTime)
			if wait < minWait {
				wait = minWait
			}
		}
	}

	return wait, nil
}

// postResult delivers one task outcome. It runs on an executor worker
// with a background context so shutdown never abandons a result; a
// fatal post failure is logged and the result dropped.
func (a *Agent) postResult(taskID string, data map[string]any, taskErr string) {
	if err := a.comm.PostResult(context.Background(), taskID, data, taskErr); err != nil {
		a.logger.Error("result could not be delivered", "task_id", taskID, "error", err)
	}
}
