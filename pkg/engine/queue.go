package engine

import (
	"container/heap"
	"sync"
)

// taskHeap orders tasks by priority (highest first), then creation time,
// then insertion sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// TaskQueue is a thread-safe priority queue of tasks.
type TaskQueue struct {
	mu    sync.Mutex
	items taskHeap
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Push adds a task.
func (q *TaskQueue) Push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, t)
}

// Pop removes and returns the highest-ranked task.
func (q *TaskQueue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*Task), true
}

// PopReady removes and returns the highest-ranked task for which accept
// returns true. Rejected tasks keep their position.
func (q *TaskQueue) PopReady(accept func(*Task) bool) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rejected []*Task
	defer func() {
		for _, t := range rejected {
			heap.Push(&q.items, t)
		}
	}()

	for len(q.items) > 0 {
		t := heap.Pop(&q.items).(*Task)
		if accept(t) {
			return t, true
		}
		rejected = append(rejected, t)
	}
	return nil, false
}

// Peek returns the highest-ranked task without removing it.
func (q *TaskQueue) Peek() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Remove deletes the task with id. It reports whether it was queued.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.items {
		if t.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
