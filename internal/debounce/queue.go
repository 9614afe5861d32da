// Package debounce joins bursts of messages from one user into a single turn
// and runs each user's work serially.
package debounce

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

type pending struct {
	messages []string
	timer    *time.Timer
	gen      uint64
	onFlush  func(string)
}

// lane runs one user's tasks in submission order, one at a time.
type lane struct {
	tasks   []func()
	running bool
}

// Queue is safe for concurrent use.
type Queue struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	lanes   map[string]*lane
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Queue that flushes after delay without new messages.
func New(delay time.Duration) *Queue {
	return &Queue{
		delay:   delay,
		pending: make(map[string]*pending),
		lanes:   make(map[string]*lane),
	}
}

// Enqueue buffers message and restarts the user's quiet-period timer. When
// the timer fires the buffer is removed and onFlush receives the messages
// joined by spaces, exactly once, on the user's lane. The most recent
// onFlush wins.
func (q *Queue) Enqueue(userID, message string, onFlush func(string)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		slog.Warn("debounce queue closed, dropping message", "user_id", userID)
		return
	}

	p, ok := q.pending[userID]
	if !ok {
		p = &pending{}
		q.pending[userID] = p
	}
	p.messages = append(p.messages, message)
	p.onFlush = onFlush
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.gen
	p.timer = time.AfterFunc(q.delay, func() { q.fire(userID, gen) })
}

// fire runs on the timer goroutine. A timer superseded by a later Enqueue
// finds a newer generation and does nothing.
func (q *Queue) fire(userID string, gen uint64) {
	q.mu.Lock()
	p, ok := q.pending[userID]
	if !ok || p.gen != gen || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.pending, userID)
	joined := strings.Join(p.messages, " ")
	onFlush := p.onFlush
	q.submitLocked(userID, func() { onFlush(joined) })
	q.mu.Unlock()
}

// Submit schedules fn on the user's lane. Tasks for one user never overlap
// and run in submission order; different users run in parallel.
func (q *Queue) Submit(userID string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Warn("debounce queue closed, dropping task", "user_id", userID)
		return
	}
	q.submitLocked(userID, fn)
}

func (q *Queue) submitLocked(userID string, fn func()) {
	l, ok := q.lanes[userID]
	if !ok {
		l = &lane{}
		q.lanes[userID] = l
	}
	l.tasks = append(l.tasks, fn)
	if !l.running {
		l.running = true
		q.wg.Add(1)
		go q.drain(userID, l)
	}
}

func (q *Queue) drain(userID string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			l.running = false
			delete(q.lanes, userID)
			q.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		run(userID, fn)
	}
}

func run(userID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane task panicked", "user_id", userID, "panic", r)
		}
	}()
	fn()
}

// Pending returns a copy of the user's buffered messages.
func (q *Queue) Pending(userID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[userID]; ok {
		return append([]string(nil), p.messages...)
	}
	return nil
}

// Discard drops the user's buffered messages without flushing them.
func (q *Queue) Discard(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[userID]; ok {
		p.timer.Stop()
		delete(q.pending, userID)
	}
}

// Close stops every timer, drops unflushed buffers and rejects new work.
// Tasks already on a lane finish; Wait blocks until they do.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, p := range q.pending {
		p.timer.Stop()
		delete(q.pending, id)
	}
}

// Wait blocks until every lane is idle.
func (q *Queue) Wait() {
	q.wg.Wait()
}
