package bgsync

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/saiset-co/sai-edge/types"
)

// MemoryQueue holds requests that could not reach the origin while the
// client was offline. It is bounded; a size of zero means unbounded.
type MemoryQueue struct {
	mu        sync.Mutex
	items     []*types.QueuedRequest
	size      int
	validator *validator.Validate
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		size:      size,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item *types.QueuedRequest) error {
	if item == nil {
		return types.Errorf(types.ErrInvalidParameter, "queued request is nil")
	}

	if err := q.validator.Struct(item); err != nil {
		return types.Errorf(types.ErrInvalidParameter, "queued request: %v", err)
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size > 0 && len(q.items) >= q.size {
		return types.Errorf(types.ErrSyncQueueFull, "capacity %d", q.size)
	}

	q.items = append(q.items, item)
	return nil
}

// Drain removes and returns every queued request in arrival order.
func (q *MemoryQueue) Drain(_ context.Context) ([]*types.QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
