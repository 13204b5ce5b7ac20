package scheduler

import (
	"context"
	"sync"

	"fabric/internal/domain"
)

// TaskHandle lets the submitter await the eventual outcome of a task.
// A handle resolves exactly once, carrying the result of the final
// attempt; intermediate retry attempts are not surfaced.
type TaskHandle struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	result *domain.ExecutionResult
	err    error
}

func newHandle(taskID string) *TaskHandle {
	return &TaskHandle{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the id of the task this handle tracks.
func (h *TaskHandle) TaskID() string { return h.taskID }

func (h *TaskHandle) resolve(res *domain.ExecutionResult, err error) {
	h.once.Do(func() {
		h.result = res
		h.err = err
		close(h.done)
	})
}

// Await blocks until the task reaches a terminal outcome or ctx is done.
func (h *TaskHandle) Await(ctx context.Context) (*domain.ExecutionResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel that is closed once the handle has resolved.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }
