// Package queue is the in-memory priority queue between accepted jobs and
// idle workers. It is not durable: the job store is rebuilt into it on start.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"extractd/internal/job"
)

var ErrClosed = errors.New("queue closed")

// Item is a queued job reference.
type Item struct {
	JobID    string
	Topic    string
	Priority int

	seq uint64
}

// Queue orders items by priority (high first), then by insertion order.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	ids    map[string]struct{}
	seq    uint64
	wake   chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{
		ids:  make(map[string]struct{}),
		wake: make(chan struct{}),
	}
}

// Push admits a job. It never blocks. It returns false if the queue is closed
// or the job id is already queued.
func (q *Queue) Push(j job.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, ok := q.ids[j.ID]; ok {
		return false
	}
	q.seq++
	heap.Push(&q.items, Item{JobID: j.ID, Topic: j.Topic, Priority: j.Priority, seq: q.seq})
	q.ids[j.ID] = struct{}{}
	q.signalLocked()
	return true
}

// Pop blocks until an item is available, ctx is done, or the queue is closed.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(Item)
			delete(q.ids, it.JobID)
			q.mu.Unlock()
			return it, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wake:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Contains reports whether the job id is waiting in the queue.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Close wakes every blocked Pop. Queued items are dropped; their records stay
// Queued in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	clear(q.ids)
	close(q.wake)
}

// signalLocked wakes all current waiters and arms a fresh channel.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
