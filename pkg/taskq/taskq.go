// Package taskq provides a named cooperative task executor.
//
// A Queue runs a single consumer goroutine that drains submitted
// functions one at a time. Tasks submitted with Enqueue run in FIFO
// order; tasks submitted with EnqueueAt run no earlier than their
// scheduled time, ordered by (scheduled time, submission order).
//
// Components that must serialize their mutations each own one Queue
// and funnel every state change through it.
package taskq

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is a single-consumer task executor. The zero value is not
// usable; create one with New.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	seq    uint64
	closed bool

	done chan struct{}
}

type task struct {
	seq uint64
	at  time.Time
	fn  func()
}

// New creates a Queue and starts its consumer goroutine.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Enqueue submits fn to run as soon as the consumer reaches it.
// Submissions after Close are dropped.
func (q *Queue) Enqueue(fn func()) {
	q.EnqueueAt(time.Time{}, fn)
}

// EnqueueAt submits fn to run no earlier than at. A zero time means
// "immediately". Submissions after Close are dropped.
func (q *Queue) EnqueueAt(at time.Time, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.tasks, &task{seq: q.seq, at: at, fn: fn})
	q.seq++
	q.cond.Signal()
}

// EnqueueAfter submits fn to run after the given delay.
func (q *Queue) EnqueueAfter(d time.Duration, fn func()) {
	q.EnqueueAt(time.Now().Add(d), fn)
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the consumer. Tasks already due keep their turn; tasks
// scheduled for the future are discarded. Close blocks until the
// consumer goroutine has exited. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			// Run tasks that are already due, drop the rest.
			now := time.Now()
			for len(q.tasks) > 0 {
				next := q.tasks[0]
				if next.at.After(now) {
					break
				}
				heap.Pop(&q.tasks)
				q.mu.Unlock()
				next.fn()
				q.mu.Lock()
			}
			q.mu.Unlock()
			return
		}

		next := q.tasks[0]
		if wait := time.Until(next.at); wait > 0 {
			timer := time.AfterFunc(wait, q.cond.Broadcast)
			q.cond.Wait()
			timer.Stop()
			q.mu.Unlock()
			continue
		}

		heap.Pop(&q.tasks)
		q.mu.Unlock()
		next.fn()
	}
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
