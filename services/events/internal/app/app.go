package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"veriscribe/internal/util"
	"veriscribe/pkg/domain"
	"veriscribe/pkg/queue"
	"veriscribe/pkg/storage"
	"veriscribe/pkg/store"
)

var (
	// ErrValidation marks batches rejected before persistence.
	ErrValidation = errors.New("invalid event batch")
	// ErrForbidden marks ownership failures.
	ErrForbidden = errors.New("not the document owner")
)

// OwnershipChecker gates every document-scoped operation, writes
// included. Authorship aggregates are only as trustworthy as the
// events behind them.
type OwnershipChecker interface {
	IsOwner(ctx context.Context, documentID, userID string) (bool, error)
}

// Config wires dependencies for the event ingestion core.
type Config struct {
	Store             store.Store
	Owners            OwnershipChecker
	Queue             *queue.ArchiveQueue
	Snapshots         storage.SnapshotStore
	SnapshotThreshold int
	MaxBatch          int
}

// App ingests edit events and serves authorship aggregates. Events are
// immutable once written; aggregates are always computed on read.
type App struct {
	store             store.Store
	owners            OwnershipChecker
	queue             *queue.ArchiveQueue
	snapshots         storage.SnapshotStore
	snapshotThreshold int
	maxBatch          int
}

// New constructs the ingestion core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	threshold := cfg.SnapshotThreshold
	if threshold <= 0 {
		threshold = 8 << 10
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &App{
		store:             cfg.Store,
		owners:            cfg.Owners,
		queue:             cfg.Queue,
		snapshots:         cfg.Snapshots,
		snapshotThreshold: threshold,
		maxBatch:          maxBatch,
	}, nil
}

var validKinds = map[domain.EventKind]bool{
	domain.EventTyped:     true,
	domain.EventPasted:    true,
	domain.EventDeleted:   true,
	domain.EventAIApplied: true,
	domain.EventSelection: true,
}

// AppendBatch persists a flushed capture batch in slice order. Events
// get server ids and timestamps where the client omitted them. Large
// inline snapshots are queued for archival after the write commits.
func (a *App) AppendBatch(ctx context.Context, documentID, actorID string, events []domain.EditEvent) ([]domain.EditEvent, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("%w: document id required", ErrValidation)
	}
	if err := a.checkOwner(ctx, documentID, actorID); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	if len(events) > a.maxBatch {
		return nil, fmt.Errorf("%w: batch exceeds %d events", ErrValidation, a.maxBatch)
	}
	now := time.Now().UTC()
	for i := range events {
		ev := &events[i]
		if ev.DocumentID == "" {
			ev.DocumentID = documentID
		}
		if ev.DocumentID != documentID {
			return nil, fmt.Errorf("%w: event %d targets another document", ErrValidation, i)
		}
		if ev.ActorID == "" {
			ev.ActorID = actorID
		}
		if !validKinds[ev.Kind] {
			return nil, fmt.Errorf("%w: event %d has unknown kind %q", ErrValidation, i, ev.Kind)
		}
		if ev.ID == "" {
			ev.ID = util.NewID()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
	}
	if err := a.store.AppendEditEvents(events); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	a.enqueueArchives(ctx, events)
	return events, nil
}

// enqueueArchives queues snapshot offload jobs. Failures are logged,
// never surfaced: the events are already durable and a later reclaim
// or re-ingest can retry.
func (a *App) enqueueArchives(ctx context.Context, events []domain.EditEvent) {
	if a.queue == nil || a.snapshots == nil {
		return
	}
	logger := util.LoggerFromContext(ctx)
	for _, ev := range events {
		if len(ev.SnapshotBefore)+len(ev.SnapshotAfter) < a.snapshotThreshold {
			continue
		}
		job := queue.ArchiveJob{EventID: ev.ID, DocumentID: ev.DocumentID}
		if err := a.queue.Enqueue(ctx, job); err != nil {
			logger.Warn("enqueue snapshot archive failed", "event_id", ev.ID, "err", err)
		}
	}
}

// ArchiveSnapshot is the queue consumer handler: it offloads the
// event's inline snapshots to object storage and records the key.
func (a *App) ArchiveSnapshot(ctx context.Context, job queue.ArchiveJob) error {
	ev, ok, err := a.store.GetEditEvent(job.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", job.EventID, err)
	}
	if !ok || ev.SnapshotKey != "" {
		// Already archived or gone; nothing to do.
		return nil
	}
	key, err := a.snapshots.PutSnapshot(ctx, ev.DocumentID, ev.ID, ev.SnapshotBefore, ev.SnapshotAfter)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", ev.ID, err)
	}
	if err := a.store.SetEventSnapshotKey(ev.ID, key); err != nil {
		return fmt.Errorf("record snapshot key %s: %w", ev.ID, err)
	}
	return nil
}

// StartArchiver runs the snapshot archive consumer until ctx ends.
func (a *App) StartArchiver(ctx context.Context) {
	if a.queue == nil || a.snapshots == nil {
		return
	}
	a.queue.Start(ctx, a.ArchiveSnapshot)
}

// ListEvents returns a document's events in capture order.
func (a *App) ListEvents(ctx context.Context, documentID, userID string, limit int) ([]domain.EditEvent, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	events, err := a.store.ListEditEvents(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// AuthorshipStats computes the document's authorship aggregate.
func (a *App) AuthorshipStats(ctx context.Context, documentID, userID string) (domain.AuthorshipStats, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return domain.AuthorshipStats{}, err
	}
	stats, err := a.store.AuthorshipStats(documentID)
	if err != nil {
		return domain.AuthorshipStats{}, fmt.Errorf("authorship stats: %w", err)
	}
	return stats, nil
}

func (a *App) checkOwner(ctx context.Context, documentID, userID string) error {
	if a.owners == nil {
		return nil
	}
	ok, err := a.owners.IsOwner(ctx, documentID, userID)
	if err != nil {
		return fmt.Errorf("ownership check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
