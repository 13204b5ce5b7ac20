package scheduler

import "fabric/internal/domain"

// item is a queued task plus its scheduling bookkeeping. attempt counts
// completed dispatch attempts, so a fresh submission carries attempt 0.
type item struct {
	task    *domain.Task
	handle  *TaskHandle
	attempt int
	seq     uint64
	index   int
}

// taskQueue is a max-heap over pending tasks: higher priority first,
// earlier created_at within equal priority, submission sequence last
// so the order is total.
type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
