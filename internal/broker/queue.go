package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned when enqueuing onto a closed queue
var ErrQueueClosed = errors.New("queue closed")

// Message is the fulfillment work item. Only WebhookEventID travels in the
// body; consumers re-read everything else from storage.
type Message struct {
	WebhookEventID string    `json:"webhookEventId"`
	Attempt        int       `json:"-"`
	NotBefore      time.Time `json:"-"`
}

// Delivery is a consumed message that must be acked once handled
type Delivery struct {
	Message
	ack func(ctx context.Context) error
}

// Ack confirms the delivery so it is not redelivered
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue decouples webhook ingestion from fulfillment
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Consume(ctx context.Context) <-chan Delivery
	DeadLetter(ctx context.Context, msg Message, reason string) error
	Close() error
}

// DeadLetter is a message parked for operator follow-up
type DeadLetter struct {
	Message Message
	Reason  string
}

// MemoryQueue is a buffered in-process Queue
type MemoryQueue struct {
	ch chan Delivery

	closeMu sync.RWMutex
	closed  bool

	mu    sync.Mutex
	dead  []DeadLetter
	acked int
}

// NewMemoryQueue creates an in-process queue holding up to size messages
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Delivery, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	d := Delivery{Message: msg, ack: q.ack}
	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context) <-chan Delivery {
	return q.ch
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{Message: msg, Reason: reason})
	return nil
}

func (q *MemoryQueue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// DeadLetters returns the parked messages
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Acked returns how many deliveries were acked
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Len returns the number of messages waiting
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) ack(ctx context.Context) error {
	q.mu.Lock()
	q.acked++
	q.mu.Unlock()
	return nil
}
