package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"veriscribe/pkg/domain"
	"veriscribe/pkg/queue"
	"veriscribe/pkg/store"
)

type fakeSnapshots struct {
	puts map[string]string
}

func (f *fakeSnapshots) PutSnapshot(_ context.Context, documentID, eventID, before, after string) (string, error) {
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	key := fmt.Sprintf("documents/%s/snapshots/%s.json", documentID, eventID)
	f.puts[eventID] = before + "|" + after
	return key, nil
}

func (f *fakeSnapshots) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (f *fakeSnapshots) Delete(context.Context, string) error { return nil }

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, st
}

func TestAppendBatchPreservesOrder(t *testing.T) {
	a, st := newTestApp(t)
	ctx := context.Background()

	batch := make([]domain.EditEvent, 0, 10)
	for i := 0; i < 10; i++ {
		batch = append(batch, domain.EditEvent{
			Kind:      domain.EventTyped,
			TextAfter: fmt.Sprintf("chunk-%02d", i),
		})
	}
	saved, err := a.AppendBatch(ctx, "doc1", "alice", batch)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(saved) != 10 {
		t.Fatalf("saved = %d", len(saved))
	}
	for i, ev := range saved {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("event %d missing id or timestamp: %+v", i, ev)
		}
		if ev.ActorID != "alice" || ev.DocumentID != "doc1" {
			t.Fatalf("event %d missing defaults: %+v", i, ev)
		}
	}
	stored, err := st.ListEditEvents("doc1", 0)
	if err != nil {
		t.Fatalf("ListEditEvents: %v", err)
	}
	for i, ev := range stored {
		if want := fmt.Sprintf("chunk-%02d", i); ev.TextAfter != want {
			t.Fatalf("position %d holds %q, want %q", i, ev.TextAfter, want)
		}
	}
}

func TestAppendBatchValidation(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	if _, err := a.AppendBatch(ctx, "", "alice", []domain.EditEvent{{Kind: domain.EventTyped}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing document err = %v", err)
	}
	if _, err := a.AppendBatch(ctx, "doc1", "alice", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty batch err = %v", err)
	}
	if _, err := a.AppendBatch(ctx, "doc1", "alice", []domain.EditEvent{{Kind: "scribbled"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := a.AppendBatch(ctx, "doc1", "alice", []domain.EditEvent{
		{Kind: domain.EventTyped, DocumentID: "doc2"},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("cross-document err = %v", err)
	}
}

func TestAuthorshipStatsFromEvents(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.AppendBatch(ctx, "doc1", "alice", []domain.EditEvent{
		{Kind: domain.EventTyped, TextAfter: "hello "},
		{Kind: domain.EventTyped, TextAfter: "world"},
		{Kind: domain.EventPasted, TextAfter: strings.Repeat("p", 40)},
		{Kind: domain.EventAIApplied, TextAfter: strings.Repeat("a", 25)},
		{Kind: domain.EventDeleted, TextBefore: "oops"},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	stats, err := a.AuthorshipStats(ctx, "doc1", "alice")
	if err != nil {
		t.Fatalf("AuthorshipStats: %v", err)
	}
	if stats.TypedChars != 11 {
		t.Fatalf("typed chars = %d, want 11", stats.TypedChars)
	}
	if stats.PastedChars != 40 || stats.AIAppliedChars != 25 || stats.DeletedChars != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.EventCount != 5 {
		t.Fatalf("event count = %d", stats.EventCount)
	}
}

func TestArchiveSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	snaps := &fakeSnapshots{}
	a, err := New(Config{Store: st, Snapshots: snaps, SnapshotThreshold: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	saved, err := a.AppendBatch(ctx, "doc1", "alice", []domain.EditEvent{{
		Kind:           domain.EventPasted,
		TextAfter:      "pasted",
		SnapshotBefore: "the document before",
		SnapshotAfter:  "the document after the paste",
	}})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	eventID := saved[0].ID

	if err := a.ArchiveSnapshot(ctx, queue.ArchiveJob{EventID: eventID, DocumentID: "doc1"}); err != nil {
		t.Fatalf("ArchiveSnapshot: %v", err)
	}
	if _, ok := snaps.puts[eventID]; !ok {
		t.Fatal("snapshot not written to object storage")
	}
	ev, ok, _ := st.GetEditEvent(eventID)
	if !ok {
		t.Fatal("event gone")
	}
	if ev.SnapshotKey == "" {
		t.Fatal("snapshot key not recorded")
	}
	if ev.SnapshotBefore != "" || ev.SnapshotAfter != "" {
		t.Fatal("inline snapshots not cleared after offload")
	}

	// Re-running the job is a no-op.
	delete(snaps.puts, eventID)
	if err := a.ArchiveSnapshot(ctx, queue.ArchiveJob{EventID: eventID, DocumentID: "doc1"}); err != nil {
		t.Fatalf("second ArchiveSnapshot: %v", err)
	}
	if _, ok := snaps.puts[eventID]; ok {
		t.Fatal("archived event re-uploaded")
	}

	// Unknown events are dropped silently.
	if err := a.ArchiveSnapshot(ctx, queue.ArchiveJob{EventID: "missing", DocumentID: "doc1"}); err != nil {
		t.Fatalf("missing event: %v", err)
	}
}

type denyOwners struct{}

func (denyOwners) IsOwner(context.Context, string, string) (bool, error) { return false, nil }

func TestOwnershipGatesReadsAndWrites(t *testing.T) {
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Owners: denyOwners{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := a.ListEvents(ctx, "doc1", "mallory", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ListEvents err = %v", err)
	}
	if _, err := a.AuthorshipStats(ctx, "doc1", "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("AuthorshipStats err = %v", err)
	}

	// Forged ingestion would corrupt the aggregates, so writes are
	// gated the same way.
	batch := []domain.EditEvent{{Kind: domain.EventTyped}}
	if _, err := a.AppendBatch(ctx, "doc1", "mallory", batch); !errors.Is(err, ErrForbidden) {
		t.Fatalf("AppendBatch err = %v, want ErrForbidden", err)
	}
	events, err := st.ListEditEvents("doc1", 0)
	if err != nil {
		t.Fatalf("ListEditEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected batch persisted %d events", len(events))
	}
}
