package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ArchiveJob asks a consumer to offload one edit event's snapshots to
// object storage. The row itself stays in Postgres; only the snapshot
// payload moves.
type ArchiveJob struct {
	EventID    string
	DocumentID string
}

// ArchiveQueue is a Redis-streams work queue for snapshot archival.
// Failed jobs are reclaimed after an idle period, so a crashed consumer
// never strands work.
type ArchiveQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	block      time.Duration
	claimIdle  time.Duration
	maxLen     int64
	maxRetries int
	once       sync.Once
}

// ArchiveQueueConfig configures the queue. Zero values get defaults.
type ArchiveQueueConfig struct {
	Client     *redis.Client
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration
	ClaimIdle  time.Duration
	MaxLen     int64
	MaxRetries int
}

// NewArchiveQueue builds the queue on an existing Redis client.
func NewArchiveQueue(cfg ArchiveQueueConfig) (*ArchiveQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("archive queue requires a redis client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "veriscribe:snapshot-archive"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "archivers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "archiver-1"
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ArchiveQueue{
		client:     cfg.Client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		block:      block,
		claimIdle:  claimIdle,
		maxLen:     maxLen,
		maxRetries: maxRetries,
	}, nil
}

// Enqueue adds one archival job.
func (q *ArchiveQueue) Enqueue(ctx context.Context, job ArchiveJob) error {
	if strings.TrimSpace(job.EventID) == "" {
		return errors.New("archive job requires an event id")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":    job.EventID,
			"document_id": job.DocumentID,
		},
	}).Err()
}

// Start launches the consume loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (q *ArchiveQueue) Start(ctx context.Context, handler func(context.Context, ArchiveJob) error) {
	q.ensureGroup(ctx)
	go q.consumeLoop(ctx, handler)
}

func (q *ArchiveQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *ArchiveQueue) consumeLoop(ctx context.Context, handler func(context.Context, ArchiveJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *ArchiveQueue) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *ArchiveQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, ArchiveJob) error) {
	eventID, _ := msg.Values["event_id"].(string)
	documentID, _ := msg.Values["document_id"].(string)
	if eventID == "" {
		q.ack(ctx, msg.ID)
		return
	}
	job := ArchiveJob{EventID: eventID, DocumentID: documentID}
	if err := handler(ctx, job); err == nil {
		q.ack(ctx, msg.ID)
		return
	}
	// Leave the message pending; XAutoClaim retries it after claimIdle.
	// After maxRetries deliveries it is dropped.
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 && pending[0].RetryCount >= int64(q.maxRetries) {
		q.ack(ctx, msg.ID)
	}
}

func (q *ArchiveQueue) ack(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}
