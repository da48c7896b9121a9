package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*ArchiveQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewArchiveQueue(ArchiveQueueConfig{
		Client: client,
		Stream: "test:archive",
		Block:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, client
}

func TestArchiveQueueDeliversJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan ArchiveJob, 1)
	q.Start(ctx, func(_ context.Context, job ArchiveJob) error {
		got <- job
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	if err := q.Enqueue(ctx, ArchiveJob{EventID: "ev-1", DocumentID: "d1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case job := <-got:
		if job.EventID != "ev-1" || job.DocumentID != "d1" {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
	}
}

func TestArchiveQueueRejectsEmptyEventID(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Enqueue(context.Background(), ArchiveJob{}); err == nil {
		t.Fatal("expected error for empty event id")
	}
}

func TestNewArchiveQueueRequiresClient(t *testing.T) {
	if _, err := NewArchiveQueue(ArchiveQueueConfig{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}
