package scheduler

import (
	"time"

	"fabric/internal/domain"
)

// deadLetterRing is a bounded FIFO of tasks that exhausted their retries.
// When full, the oldest entry is evicted to make room for the newest.
type deadLetterRing struct {
	entries  []domain.DeadLetter
	capacity int
}

func newDeadLetterRing(capacity int) *deadLetterRing {
	if capacity < 1 {
		capacity = 1
	}
	return &deadLetterRing{capacity: capacity}
}

func (r *deadLetterRing) push(d domain.DeadLetter) {
	if len(r.entries) == r.capacity {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = d
		return
	}
	r.entries = append(r.entries, d)
}

func (r *deadLetterRing) len() int { return len(r.entries) }

func (r *deadLetterRing) snapshot() []domain.DeadLetter {
	out := make([]domain.DeadLetter, len(r.entries))
	copy(out, r.entries)
	return out
}

// trim drops entries that failed before cutoff. Entries are stored in
// failure order, so the drop is a single prefix cut.
func (r *deadLetterRing) trim(cutoff time.Time) int {
	i := 0
	for i < len(r.entries) && r.entries[i].FailedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return 0
	}
	r.entries = append(r.entries[:0], r.entries[i:]...)
	return i
}
