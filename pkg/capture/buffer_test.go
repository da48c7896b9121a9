package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"veriscribe/pkg/domain"
)

type fakeSender struct {
	mu         sync.Mutex
	batches    [][]domain.EditEvent
	bestEffort [][]domain.EditEvent
	fail       int
	block      chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, events []domain.EditEvent) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("delivery failed")
	}
	batch := make([]domain.EditEvent, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) SendBestEffort(events []domain.EditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]domain.EditEvent, len(events))
	copy(batch, events)
	f.bestEffort = append(f.bestEffort, batch)
}

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func event(i int) domain.EditEvent {
	return domain.EditEvent{
		ID:         fmt.Sprintf("ev-%d", i),
		DocumentID: "d1",
		ActorID:    "u1",
		Kind:       domain.EventTyped,
		TextAfter:  "x",
		Timestamp:  time.Now().UTC(),
	}
}

func TestHighWaterMarkFlushesExactlyOnce(t *testing.T) {
	sender := &fakeSender{}
	buf := NewBuffer(sender, WithHighWater(100), WithFlushInterval(time.Hour))

	for i := 0; i < 99; i++ {
		if err := buf.Record(event(i)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if got := sender.batchCount(); got != 0 {
		t.Fatalf("no flush expected before high-water mark, got %d", got)
	}
	if err := buf.Record(event(99)); err != nil {
		t.Fatalf("record 99: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sender.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sender.batchCount(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
	sender.mu.Lock()
	batch := sender.batches[0]
	sender.mu.Unlock()
	if len(batch) != 100 {
		t.Fatalf("expected all 100 events in one batch, got %d", len(batch))
	}
	for i, ev := range batch {
		if ev.ID != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("order broken at %d: %s", i, ev.ID)
		}
	}
}

func TestTimerFlush(t *testing.T) {
	sender := &fakeSender{}
	buf := NewBuffer(sender, WithHighWater(1000), WithFlushInterval(20*time.Millisecond))
	_ = buf.Record(event(0))
	_ = buf.Record(event(1))

	deadline := time.Now().Add(2 * time.Second)
	for sender.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sender.batchCount(); got != 1 {
		t.Fatalf("expected one timer flush, got %d", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("queue should be empty after flush, got %d", buf.Len())
	}
}

func TestFailedFlushRetriesInOrder(t *testing.T) {
	sender := &fakeSender{fail: 1}
	buf := NewBuffer(sender, WithHighWater(1000), WithFlushInterval(time.Hour), WithRetryBudget(10))
	_ = buf.Record(event(0))
	_ = buf.Record(event(1))

	if err := buf.Flush(context.Background()); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if buf.Len() != 2 {
		t.Fatalf("failed batch should be requeued, got %d", buf.Len())
	}
	_ = buf.Record(event(2))
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	sender.mu.Lock()
	batch := sender.batches[0]
	sender.mu.Unlock()
	for i, ev := range batch {
		if ev.ID != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("retry order broken at %d: %s", i, ev.ID)
		}
	}
}

func TestRetryBudgetExhaustionNotifies(t *testing.T) {
	sender := &fakeSender{fail: 2}
	var dropped []domain.EditEvent
	buf := NewBuffer(sender,
		WithHighWater(1000),
		WithFlushInterval(time.Hour),
		WithRetryBudget(2),
		WithDropHandler(func(events []domain.EditEvent, err error) {
			dropped = events
		}),
	)
	_ = buf.Record(event(0))
	_ = buf.Flush(context.Background())
	if len(dropped) != 0 {
		t.Fatal("drop handler fired before budget exhausted")
	}
	_ = buf.Flush(context.Background())
	if len(dropped) != 1 {
		t.Fatalf("expected drop notification with 1 event, got %d", len(dropped))
	}
}

func TestEmptyFlushIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	buf := NewBuffer(sender)
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if got := sender.batchCount(); got != 0 {
		t.Fatalf("empty flush should not deliver, got %d batches", got)
	}
}

func TestCloseSendsBestEffort(t *testing.T) {
	sender := &fakeSender{}
	buf := NewBuffer(sender, WithFlushInterval(time.Hour))
	_ = buf.Record(event(0))
	buf.Close()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.bestEffort) != 1 || len(sender.bestEffort[0]) != 1 {
		t.Fatalf("expected one best-effort batch, got %v", sender.bestEffort)
	}
	if err := buf.Record(event(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after teardown, got %v", err)
	}
}

func TestFlushesAreSerialized(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	buf := NewBuffer(sender, WithHighWater(1000), WithFlushInterval(time.Hour))
	_ = buf.Record(event(0))

	done := make(chan error, 1)
	go func() { done <- buf.Flush(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	// Second flush while the first is blocked must be a no-op, not a
	// concurrent delivery.
	_ = buf.Record(event(1))
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("overlapping flush should no-op, got %v", err)
	}
	if got := sender.batchCount(); got != 0 {
		t.Fatalf("nothing should have been delivered while blocked, got %d", got)
	}
	close(sender.block)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if got := sender.batchCount(); got != 1 {
		t.Fatalf("expected one delivered batch, got %d", got)
	}
}
