package storage

import (
	"context"
	"sync"

	"github.com/clinigate/clinigate/internal/metrics"
)

// UploadQueue is the in-memory work queue between front-ends and the upload
// pipeline. Enqueue is non-blocking; Dequeue blocks until an item is
// available or the context is cancelled.
type UploadQueue struct {
	mu      sync.Mutex
	items   []*StagedFile
	signal  chan struct{}
	metrics *metrics.GatewayMetrics
}

// NewUploadQueue creates an empty queue.
func NewUploadQueue(m *metrics.GatewayMetrics) *UploadQueue {
	return &UploadQueue{
		signal:  make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue adds a staged file to the queue.
func (q *UploadQueue) Enqueue(f *StagedFile) {
	q.mu.Lock()
	q.items = append(q.items, f)
	depth := len(q.items)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.UploadQueue.Set(float64(depth))
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest item, blocking until one is
// available. Returns the context error on cancellation.
func (q *UploadQueue) Dequeue(ctx context.Context) (*StagedFile, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.UploadQueue.Set(float64(depth))
			}
			// Wake another worker in case more items remain.
			if depth > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *UploadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
