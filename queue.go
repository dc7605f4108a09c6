package davsync

import (
	"context"
	"sync"
)

// pendingQuery is one deferred read request, held while capability discovery
// for the endpoint is still running.
type pendingQuery struct {
	run  func(ctx context.Context)
	fail func(err error)
}

// pendingQueue serializes read requests issued before capability discovery
// completes. It is drained strictly in FIFO order after discovery succeeds;
// on discovery failure every queued request is notified with a failure
// completion instead of being dropped.
type pendingQueue struct {
	mu      sync.Mutex
	queries []pendingQuery
}

func (q *pendingQueue) push(query pendingQuery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, query)
}

func (q *pendingQueue) take() []pendingQuery {
	q.mu.Lock()
	defer q.mu.Unlock()
	queries := q.queries
	q.queries = nil
	return queries
}

// drain runs every queued query in order.
func (q *pendingQueue) drain(ctx context.Context) {
	for _, query := range q.take() {
		query.run(ctx)
	}
}

// failAll completes every queued query with the given error.
func (q *pendingQueue) failAll(err error) {
	for _, query := range q.take() {
		query.fail(err)
	}
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queries)
}
