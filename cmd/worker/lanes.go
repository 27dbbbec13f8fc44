package main

import (
	"container/list"
	"sync"
)

// lanes runs jobs in FIFO order per user. Each busy user has one draining
// goroutine; different users run concurrently. The zero value is ready to use.
type lanes struct {
	mu      sync.Mutex
	pending map[int64]*list.List
}

// submit queues job behind any earlier jobs for the same user.
func (l *lanes) submit(userID int64, job func()) {
	l.mu.Lock()
	if l.pending == nil {
		l.pending = make(map[int64]*list.List)
	}
	q, busy := l.pending[userID]
	if !busy {
		q = list.New()
		l.pending[userID] = q
	}
	q.PushBack(job)
	l.mu.Unlock()

	if !busy {
		go l.drain(userID, q)
	}
}

// drain runs queued jobs until the lane is empty, then retires it.
func (l *lanes) drain(userID int64, q *list.List) {
	for {
		l.mu.Lock()
		front := q.Front()
		if front == nil {
			delete(l.pending, userID)
			l.mu.Unlock()
			return
		}
		q.Remove(front)
		l.mu.Unlock()

		front.Value.(func())()
	}
}

// busy returns the number of users with queued or running jobs.
func (l *lanes) busy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
