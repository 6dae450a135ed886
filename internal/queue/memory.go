package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"reminders/internal/models"
)

type entry struct {
	jobID string
	due   time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryQueue is a min-heap ordered by due time with an id index, so keyed
// removal is O(log n).
type MemoryQueue struct {
	mu    sync.Mutex
	heap  entryHeap
	index map[string]*entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{index: make(map[string]*entry)}
}

func (q *MemoryQueue) Push(ctx context.Context, job *models.ScheduledJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := job.DueAt()
	if e, ok := q.index[job.ID]; ok {
		e.due = due
		heap.Fix(&q.heap, e.index)
		return nil
	}
	e := &entry{jobID: job.ID, due: due}
	heap.Push(&q.heap, e)
	q.index[job.ID] = e
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[jobID]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, e.index)
	delete(q.index, jobID)
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for q.heap.Len() > 0 && !q.heap[0].due.After(now) {
		e := heap.Pop(&q.heap).(*entry)
		delete(q.index, e.jobID)
		ids = append(ids, e.jobID)
	}
	return ids, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), nil
}
