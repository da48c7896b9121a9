package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"veriscribe/pkg/domain"
)

const (
	defaultHighWater     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetryBudget   = 5
)

// ErrClosed is returned by Record after the buffer has been torn down.
var ErrClosed = errors.New("capture buffer closed")

// Sender delivers event batches to the events service.
type Sender interface {
	Send(ctx context.Context, events []domain.EditEvent) error
	// SendBestEffort attempts delivery without awaiting acknowledgement.
	// Used at teardown, where the caller cannot wait. Arrival is not
	// guaranteed and must not be assumed.
	SendBestEffort(events []domain.EditEvent)
}

// DropHandler is invoked when the retry budget for a batch is exhausted,
// so provenance loss is never silent. The handler owns the events.
type DropHandler func(events []domain.EditEvent, err error)

// Option tunes a Buffer.
type Option func(*Buffer)

// WithHighWater sets the queue size that forces a flush.
func WithHighWater(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.highWater = n
		}
	}
}

// WithFlushInterval sets the timer armed on the first event of a batch.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithRetryBudget bounds consecutive delivery failures before the drop
// handler fires.
func WithRetryBudget(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.retryBudget = n
		}
	}
}

// WithDropHandler sets the exhausted-retry notification.
func WithDropHandler(fn DropHandler) Option {
	return func(b *Buffer) { b.dropFn = fn }
}

// Buffer collects edit events in capture order and delivers them in
// batches. Record never blocks on delivery; flushes for one buffer are
// serialized so batches cannot overlap or reorder.
type Buffer struct {
	sender      Sender
	highWater   int
	interval    time.Duration
	retryBudget int
	dropFn      DropHandler

	mu       sync.Mutex
	queue    []domain.EditEvent
	timer    *time.Timer
	flushing bool
	failures int
	closed   bool
}

// NewBuffer builds a buffer delivering through sender.
func NewBuffer(sender Sender, opts ...Option) *Buffer {
	b := &Buffer{
		sender:      sender,
		highWater:   defaultHighWater,
		interval:    defaultFlushInterval,
		retryBudget: defaultRetryBudget,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record appends one event. The timer is armed on the first buffered
// event of a batch, not re-armed per event. Reaching the high-water
// mark triggers an asynchronous flush so the interactive path never
// waits on delivery.
func (b *Buffer) Record(event domain.EditEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, event)
	if len(b.queue) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.interval, func() {
			_ = b.Flush(context.Background())
		})
	}
	trigger := len(b.queue) >= b.highWater
	b.mu.Unlock()

	if trigger {
		go func() { _ = b.Flush(context.Background()) }()
	}
	return nil
}

// Flush delivers the current queue contents. A flush already in flight
// makes this call a no-op; the in-flight failure path re-prepends, so
// no event is lost. An empty queue is a no-op.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.queue
	b.queue = nil
	b.flushing = true
	b.stopTimerLocked()
	b.mu.Unlock()

	err := b.sender.Send(ctx, batch)

	b.mu.Lock()
	b.flushing = false
	if err == nil {
		b.failures = 0
		b.rearmIfPendingLocked()
		b.mu.Unlock()
		return nil
	}
	b.failures++
	if b.failures >= b.retryBudget {
		b.failures = 0
		dropFn := b.dropFn
		b.rearmIfPendingLocked()
		b.mu.Unlock()
		if dropFn != nil {
			dropFn(batch, err)
		}
		return err
	}
	// Order preserved: the failed batch goes back in front of anything
	// recorded while the flush was in flight.
	b.queue = append(batch, b.queue...)
	b.rearmIfPendingLocked()
	b.mu.Unlock()
	return err
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close flushes remaining events best-effort and stops the buffer.
// Intended for page teardown: it does not wait for acknowledgement.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.sender.SendBestEffort(batch)
	}
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffer) rearmIfPendingLocked() {
	if b.closed || len(b.queue) == 0 || b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.interval, func() {
		_ = b.Flush(context.Background())
	})
}
