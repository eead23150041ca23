// Package queue is the process-wide admission queue for execution jobs.
package queue

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// Item is a queued reference to an execution job
type Item struct {
	JobID     uuid.UUID
	UserID    uuid.UUID
	DedupeKey string
}

// EnqueueResult tells a producer why an item was or was not admitted
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	RejectedFull
	RejectedDuplicate
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedFull:
		return "rejected_full"
	case RejectedDuplicate:
		return "rejected_duplicate"
	}
	return "unknown"
}

// Queue is a bounded FIFO shared by all tenants. Enqueue and Dequeue never block.
// A dedupe key is held from enqueue until the item is dequeued.
type Queue struct {
	mu        sync.Mutex
	items     *list.List
	dedupe    map[string]struct{}
	maxQueued int
}

// New creates a queue holding at most maxQueued items
func New(maxQueued int) *Queue {
	if maxQueued < 1 {
		maxQueued = 1
	}
	return &Queue{
		items:     list.New(),
		dedupe:    make(map[string]struct{}),
		maxQueued: maxQueued,
	}
}

// TryEnqueue appends item unless the queue is full or its dedupe key is already queued
func (q *Queue) TryEnqueue(item Item) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.DedupeKey != "" {
		if _, ok := q.dedupe[item.DedupeKey]; ok {
			return RejectedDuplicate
		}
	}
	if q.items.Len() >= q.maxQueued {
		return RejectedFull
	}

	q.items.PushBack(item)
	if item.DedupeKey != "" {
		q.dedupe[item.DedupeKey] = struct{}{}
	}
	return Accepted
}

// Enqueue appends item and reports whether it was admitted
func (q *Queue) Enqueue(item Item) bool {
	return q.TryEnqueue(item) == Accepted
}

// Dequeue removes the oldest item. ok is false when the queue is empty.
func (q *Queue) Dequeue() (item Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return Item{}, false
	}
	item = q.items.Remove(front).(Item)
	if item.DedupeKey != "" {
		delete(q.dedupe, item.DedupeKey)
	}
	return item, true
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the maximum number of queued items
func (q *Queue) Cap() int {
	return q.maxQueued
}
