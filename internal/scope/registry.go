package scope

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ViolationError reports a write attempt outside a task's declared scope.
// The message names the allowed scope so a worker (or a human reading the
// finding) can correct the plan without re-deriving context.
type ViolationError struct {
	TaskID  string
	Path    string
	Allowed []string
}

func (e *ViolationError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("task %s has no registered write scope; denied write to %q", e.TaskID, e.Path)
	}
	return fmt.Sprintf("task %s may not write %q; allowed scope: %s",
		e.TaskID, e.Path, strings.Join(e.Allowed, ", "))
}

// Registry tracks the authoritative write scope per dispatched task.
//
// Registration is scoped to the dispatch lifetime: the scheduler acquires a
// task's scope immediately before dispatch and releases it on completion.
// State is keyed by task id; there is no notion of a single "current" task.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	scopes map[string][]string
}

// NewRegistry creates an empty scope registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		scopes: make(map[string][]string),
	}
}

// Register records the task's write scope. Entries are normalized; invalid
// entries are rejected so enforcement never runs against an ambiguous scope.
func (r *Registry) Register(taskID string, writes []string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	normalized := make([]string, 0, len(writes))
	for _, entry := range writes {
		if err := ValidateWriteEntry(entry); err != nil {
			return fmt.Errorf("task %s: invalid write scope: %w", taskID, err)
		}
		n, err := NormalizePath(entry)
		if err != nil {
			return fmt.Errorf("task %s: invalid write scope: %w", taskID, err)
		}
		normalized = append(normalized, n)
	}
	sort.Strings(normalized)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scopes[taskID]; ok {
		return fmt.Errorf("task %s: scope already registered", taskID)
	}
	r.scopes[taskID] = normalized

	r.logger.Debug("registered write scope",
		zap.String("task_id", taskID),
		zap.Strings("writes", normalized),
	)
	return nil
}

// Release removes the task's registered scope. Releasing an unknown task id
// is a no-op.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, taskID)
}

// IsWriteAllowed reports whether the task may write the given path.
func (r *Registry) IsWriteAllowed(taskID, path string) bool {
	return r.CheckWrite(taskID, path) == nil
}

// CheckWrite validates a write attempt, returning a *ViolationError naming
// the allowed scope when the write is denied.
func (r *Registry) CheckWrite(taskID, path string) error {
	normalized, err := NormalizePath(path)
	if err != nil {
		return &ViolationError{TaskID: taskID, Path: path, Allowed: r.Scope(taskID)}
	}

	r.mu.RLock()
	entries, ok := r.scopes[taskID]
	r.mu.RUnlock()

	if !ok {
		return &ViolationError{TaskID: taskID, Path: path}
	}

	for _, entry := range entries {
		if EntryCovers(entry, normalized) {
			return nil
		}
	}

	r.logger.Warn("denied out-of-scope write",
		zap.String("task_id", taskID),
		zap.String("path", path),
	)
	return &ViolationError{TaskID: taskID, Path: path, Allowed: entries}
}

// Scope returns a copy of the task's registered scope, or nil.
func (r *Registry) Scope(taskID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.scopes[taskID]
	if !ok {
		return nil
	}
	out := make([]string, len(entries))
	copy(out, entries)
	return out
}
