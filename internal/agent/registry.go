// ABOUTME: Capability registry mapping task types to executable handlers
// ABOUTME: An explicit object passed into the executor and poll loop, no globals

package agent

import (
	"log/slog"
	"sync"

	"github.com/2389/fleet-manager/internal/protocol"
)

// Handler executes one task. It receives the task's input payload and
// returns the result payload, or an error that fails the task.
type Handler func(input map[string]any) (map[string]any, error)

// Registry maps a task type to the single registered version and handler
// for it. The last registration for a type wins; only one version per
// type is active at a time.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]registration
	logger   *slog.Logger
}

type registration struct {
	version int
	handler Handler
}

// NewRegistry creates an empty capability registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]registration),
		logger:   logger.With("component", "registry"),
	}
}

// Register installs a handler for the given task type and version,
// replacing any previous registration for that type. Registration may
// happen at any point before or while the poll loop runs.
func (r *Registry) Register(taskType string, version int, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("registering handler", "type", taskType, "version", version)
	r.handlers[taskType] = registration{version: version, handler: handler}
}

// Lookup returns the handler for the given type and version. A missing
// type or a version mismatch both report false; the caller must treat
// that as handler-not-found, not fall back to a different version.
func (r *Registry) Lookup(taskType string, version int) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[taskType]
	if !ok || reg.version != version {
		return nil, false
	}
	return reg.handler, true
}

// List returns the current capability set in wire form. It reflects live
// registration state at call time.
func (r *Registry) List() map[string]protocol.CapabilityInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := make(map[string]protocol.CapabilityInfo, len(r.handlers))
	for taskType, reg := range r.handlers {
		caps[taskType] = protocol.CapabilityInfo{Version: reg.version}
	}
	return caps
}
