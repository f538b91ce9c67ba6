package ipc

import (
	"context"
	"errors"
	"sync"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
)

var (
	ErrQueueFull = errors.New("ipc: queue full")
	ErrClosed    = errors.New("ipc: queue closed")
)

// Queue is a bounded FIFO. Sends never block unless the caller asks to wait.
type Queue[T any] struct {
	name   string
	ch     chan T
	done   chan struct{}
	closer sync.Once
}

// NewQueue creates a queue holding at most size items.
func NewQueue[T any](name string, size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{name: name, ch: make(chan T, size), done: make(chan struct{})}
}

// TrySend enqueues without blocking and reports whether the item was accepted.
func (q *Queue[T]) TrySend(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- v:
		q.observe()
		return true
	default:
		metrics.DroppedMessages.WithLabelValues(q.name + "_full").Inc()
		return false
	}
}

// Send enqueues, waiting for space until ctx is done or the queue closes.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		q.observe()
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryRecv dequeues without blocking.
func (q *Queue[T]) TryRecv() (T, bool) {
	select {
	case v := <-q.ch:
		q.observe()
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Recv waits for the next item. Items queued before Close are still delivered.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		q.observe()
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		q.observe()
		return v, nil
	case <-q.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Drain discards everything currently queued and returns the count.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			q.observe()
			return n
		}
	}
}

func (q *Queue[T]) Len() int     { return len(q.ch) }
func (q *Queue[T]) Cap() int     { return cap(q.ch) }
func (q *Queue[T]) Name() string { return q.name }

// Close stops further sends and wakes blocked receivers.
func (q *Queue[T]) Close() { q.closer.Do(func() { close(q.done) }) }

func (q *Queue[T]) observe() {
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
}

// Pipe is the pair of queues joining Core and Brain.
type Pipe struct {
	Requests *Queue[RequestEnvelope]
	Results  *Queue[ResultEnvelope]
}

// NewPipe creates both directions with the same capacity.
func NewPipe(size int) *Pipe {
	return &Pipe{
		Requests: NewQueue[RequestEnvelope]("core_to_brain", size),
		Results:  NewQueue[ResultEnvelope]("brain_to_core", size),
	}
}

// Close closes both directions.
func (p *Pipe) Close() {
	p.Requests.Close()
	p.Results.Close()
}
