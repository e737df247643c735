// Package notify delivers consumer callbacks outside component locks while
// preserving the order in which events were processed.
package notify

import "sync"

// Queue is an ordered callback queue. Whichever goroutine finds the queue
// idle drains it; callbacks enqueued meanwhile, including from inside a
// callback, are run by that same drainer. Callbacks therefore never run
// concurrently with each other and may call back into their component.
type Queue struct {
	mu       sync.Mutex
	items    []func()
	draining bool
}

// Push appends callbacks without running them.
func (q *Queue) Push(fns ...func()) {
	q.mu.Lock()
	q.items = append(q.items, fns...)
	q.mu.Unlock()
}

// Drain runs queued callbacks until the queue is empty. It returns
// immediately if another goroutine is already draining.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.items) > 0 {
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}
