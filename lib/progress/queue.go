package progress

import "sync"

type queuedFetch struct {
	name    string
	startFn func()
}

// FetchQueue caps the number of concurrent image fetches. Fetches beyond
// the limit wait their turn in submission order.
type FetchQueue struct {
	maxConcurrent int
	mu            sync.Mutex
	active        map[string]bool
	pending       []queuedFetch
}

// NewFetchQueue creates a queue allowing maxConcurrent simultaneous
// fetches (minimum one).
func NewFetchQueue(maxConcurrent int) *FetchQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &FetchQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// Enqueue schedules startFn for the named fetch. Returns 0 when the fetch
// starts immediately, otherwise its position in the queue.
func (q *FetchQueue) Enqueue(name string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) < q.maxConcurrent {
		q.active[name] = true
		go startFn()
		return 0
	}

	q.pending = append(q.pending, queuedFetch{name: name, startFn: startFn})
	return len(q.pending)
}

// MarkComplete releases the named fetch's slot and starts the next queued
// fetch, if any.
func (q *FetchQueue) MarkComplete(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, name)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.name] = true
		go next.startFn()
	}
}

// ActiveCount returns the number of running fetches.
func (q *FetchQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of queued fetches.
func (q *FetchQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
