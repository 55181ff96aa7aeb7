// ABOUTME: Bounded-concurrency executor pool for claimed tasks
// ABOUTME: Tracks active workers under one lock and reports spare capacity

package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/fleet-manager/internal/protocol"
)

// ResultCallback receives a task outcome. Exactly one of data and
// taskErr is meaningful: a nil data means the task failed with taskErr.
type ResultCallback func(taskID string, data map[string]any, taskErr string)

// Pool runs task handlers on worker goroutines, at most maxExecutors at
// a time. The caller must not submit more tasks than Available reports;
// the pool does not queue or reject excess submissions.
type Pool struct {
	maxExecutors int
	registry     *Registry
	logger       *slog.Logger

	mu     sync.Mutex
	active int

	wg sync.WaitGroup
}

// NewPool creates an executor pool with the given capacity.
func NewPool(maxExecutors int, registry *Registry, logger *slog.Logger) *Pool {
	return &Pool{
		maxExecutors: maxExecutors,
		registry:     registry,
		logger:       logger.With("component", "executor"),
	}
}

// Available returns the number of free executors, never negative.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active >= p.maxExecutors {
		return 0
	}
	return p.maxExecutors - p.active
}

// Submit dispatches a task to a worker goroutine and returns immediately.
// The callback is invoked exactly once with the handler's result, its
// error, or a handler-not-found error. The active count is decremented
// only after the callback returns, so Available never overcounts while a
// result is still being delivered.
func (p *Pool) Submit(task protocol.TaskEnvelope, callback ResultCallback) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(task, callback)
}

func (p *Pool) run(task protocol.TaskEnvelope, callback ResultCallback) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	handler, ok := p.registry.Lookup(task.TaskType, task.TaskVersion)
	if !ok {
		p.logger.Warn("no handler for task",
			"task_id", task.TaskID,
			"type", task.TaskType,
			"version", task.TaskVersion,
		)
		callback(task.TaskID, nil, fmt.Sprintf("no handler for task type %s version %d",
			task.TaskType, task.TaskVersion))
		return
	}

	p.logger.Debug("executing task", "task_id", task.TaskID, "type", task.TaskType)

	data, err := runHandler(handler, task.TaskData)
	if err != nil {
		p.logger.Warn("task execution failed", "task_id", task.TaskID, "error", err)
		callback(task.TaskID, nil, err.Error())
		return
	}

	if data == nil {
		// A handler returning no payload still completed
		data = map[string]any{}
	}

	p.logger.Debug("task executed", "task_id", task.TaskID)
	callback(task.TaskID, data, "")
}

// runHandler invokes a handler, converting panics into errors so a
// misbehaving handler fails its task instead of crashing the pool.
func runHandler(handler Handler, input map[string]any) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(input)
}

// Close waits for all in-flight tasks to finish and their callbacks to
// run. New submissions after Close are a caller error.
func (p *Pool) Close() {
	p.logger.Debug("stopping executor pool")
	p.wg.Wait()
}
