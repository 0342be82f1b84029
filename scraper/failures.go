package scraper

import (
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// FailureQueue holds fetches that exhausted the bounded retry budget.
type FailureQueue struct {
	mu      sync.Mutex
	entries []models.FailedFetch
	metrics *Metrics
}

// NewFailureQueue returns a queue seeded with entries.
func NewFailureQueue(metrics *Metrics, seed ...models.FailedFetch) *FailureQueue {
	q := &FailureQueue{metrics: metrics}
	q.Push(seed...)
	return q
}

// Push appends entries to the queue.
func (q *FailureQueue) Push(entries ...models.FailedFetch) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, entries...)
	n := len(q.entries)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(n)
}

// Drain returns the current entries and empties the queue.
func (q *FailureQueue) Drain() []models.FailedFetch {
	q.mu.Lock()
	out := q.entries
	q.entries = nil
	q.mu.Unlock()
	q.metrics.SetQueueDepth(0)
	return out
}

// Len returns the number of queued entries.
func (q *FailureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns a copy of the queued entries.
func (q *FailureQueue) Pending() []models.FailedFetch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.FailedFetch, len(q.entries))
	copy(out, q.entries)
	return out
}
