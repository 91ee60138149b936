// Package bridge hands messages from the transport reader over to the single
// consumer of a stream.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/tonkeeper/ssestream/internal/models"
)

var (
	// ErrClosed is returned by Consume once the queue is sealed and drained.
	ErrClosed = errors.New("bridge: queue closed")
	// ErrBusy is returned when a second consumer tries to wait concurrently.
	ErrBusy = errors.New("bridge: a consumer is already waiting")
)

// Queue is an unbounded FIFO with room for one waiting consumer.
// At any time either pending or waiter is empty.
type Queue struct {
	mu      sync.Mutex
	pending []models.Message
	waiter  chan models.Message
	sealed  bool
	done    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		done: make(chan struct{}),
	}
}

// Produce hands the message to the waiting consumer or buffers it.
// It never blocks. It reports false when the queue is sealed and the
// message was dropped.
func (q *Queue) Produce(m models.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sealed {
		return false
	}
	if q.waiter != nil {
		// capacity 1 and a fresh channel per wait, so the send cannot block
		q.waiter <- m
		q.waiter = nil
		return true
	}
	q.pending = append(q.pending, m)
	return true
}

// TryTake pops the oldest buffered message without waiting.
func (q *Queue) TryTake() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// Consume returns the oldest message, waiting for one if the queue is empty.
// It returns ErrClosed once the queue is sealed and empty, and ctx.Err() if
// the context ends first.
func (q *Queue) Consume(ctx context.Context) (models.Message, error) {
	q.mu.Lock()
	if m, ok := q.pop(); ok {
		q.mu.Unlock()
		return m, nil
	}
	if q.sealed {
		q.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return models.Message{}, ErrBusy
	}
	w := make(chan models.Message, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case m := <-w:
		return m, nil
	case <-q.done:
		return q.abandon(w, ErrClosed)
	case <-ctx.Done():
		return q.abandon(w, ctx.Err())
	}
}

// abandon unregisters w. If Produce already handed a message over, that
// message is returned instead of err so nothing is lost.
func (q *Queue) abandon(w chan models.Message, err error) (models.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiter == w {
		q.waiter = nil
		return models.Message{}, err
	}
	return <-w, nil
}

// Seal stops accepting messages and wakes a waiting consumer.
// Already buffered messages can still be taken.
func (q *Queue) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return
	}
	q.sealed = true
	close(q.done)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}

func (q *Queue) pop() (models.Message, bool) {
	if len(q.pending) == 0 {
		return models.Message{}, false
	}
	m := q.pending[0]
	q.pending[0] = models.Message{}
	q.pending = q.pending[1:]
	return m, true
}
