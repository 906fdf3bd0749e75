package draft_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"protomedia/internal/draft"
	"protomedia/internal/faults"
	"protomedia/internal/logging"
	"protomedia/internal/media"
	"protomedia/internal/testsupport"
)

func TestBeginRejectsDuplicate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-1", 3); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := store.Begin(ctx, "p-1", 3); !errors.Is(err, faults.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRecordItemTransitionUpdatesCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-2", 2); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	item, err := store.AddItem(ctx, "p-2", "", 12345)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	for _, state := range []media.ItemState{media.StateProcessing, media.StateUploaded} {
		if err := store.RecordItemTransition(ctx, "p-2", item.ID, state); err != nil {
			t.Fatalf("transition to %s: %v", state, err)
		}
	}

	found, err := store.Find(ctx, "p-2")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.UploadedCount != 1 {
		t.Fatalf("uploadedCount = %d, want 1", found.UploadedCount)
	}
	if found.Items[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", found.Items[0].Attempts)
	}
}

func TestUploadedIsTerminalInStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-3", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	item, err := store.AddItem(ctx, "p-3", "item-1", 10)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	mustTransition(t, store, "p-3", item.ID, media.StateProcessing, media.StateUploaded)

	err = store.RecordItemTransition(ctx, "p-3", item.ID, media.StateFailed)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error for uploaded -> failed, got %v", err)
	}
}

func TestUploadedCountMonotonic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-4", 3); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		item, err := store.AddItem(ctx, "p-4", fmt.Sprintf("item-%d", i), 10)
		if err != nil {
			t.Fatalf("AddItem: %v", err)
		}
		ids = append(ids, item.ID)
	}

	last := 0
	for _, id := range ids {
		mustTransition(t, store, "p-4", id, media.StateProcessing, media.StateUploaded)
		found, err := store.Find(ctx, "p-4")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if found.UploadedCount < last {
			t.Fatalf("uploadedCount decreased: %d -> %d", last, found.UploadedCount)
		}
		if found.UploadedCount > found.TotalCount {
			t.Fatalf("uploadedCount %d exceeds totalCount %d", found.UploadedCount, found.TotalCount)
		}
		last = found.UploadedCount
	}
	if last != 3 {
		t.Fatalf("final uploadedCount = %d, want 3", last)
	}
}

func TestTransitionOnMissingItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-5", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := store.RecordItemTransition(ctx, "p-5", "ghost", media.StateProcessing)
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscardIsIdempotentAndRemovesBlobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-6", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	item, err := store.AddItem(ctx, "p-6", "item-1", 10)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	path, err := store.SaveRendition("p-6", item.ID, "gallery", &media.Rendition{
		Bytes:    []byte("jpegbytes"),
		MimeKind: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("SaveRendition: %v", err)
	}

	if err := store.Discard(ctx, "p-6"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rendition blob should be gone, stat err = %v", err)
	}
	found, err := store.Find(ctx, "p-6")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != nil {
		t.Fatal("draft should be gone after discard")
	}

	// Second discard is a no-op, not an error.
	if err := store.Discard(ctx, "p-6"); err != nil {
		t.Fatalf("repeat Discard: %v", err)
	}
}

func TestListRecoverableExcludesComplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-7", 3); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < 3; i++ {
		item, err := store.AddItem(ctx, "p-7", fmt.Sprintf("item-%d", i), 10)
		if err != nil {
			t.Fatalf("AddItem: %v", err)
		}
		mustTransition(t, store, "p-7", item.ID, media.StateProcessing, media.StateUploaded)
	}

	drafts, err := store.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	for _, d := range drafts {
		if d.ProtocolID == "p-7" {
			t.Fatal("fully uploaded draft must not be recoverable")
		}
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-8", 3); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.AddItem(ctx, "p-8", fmt.Sprintf("item-%d", i), 10); err != nil {
			t.Fatalf("AddItem: %v", err)
		}
	}
	// Only two of three complete before the simulated crash.
	mustTransition(t, store, "p-8", "item-0", media.StateProcessing, media.StateUploaded)
	mustTransition(t, store, "p-8", "item-1", media.StateProcessing, media.StateUploaded)

	store.Close()
	reopened, err := draft.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	found, err := reopened.Find(ctx, "p-8")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil || found.UploadedCount != 2 || found.TotalCount != 3 {
		t.Fatalf("unexpected recovered draft: %#v", found)
	}

	drafts, err := reopened.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	present := false
	for _, d := range drafts {
		if d.ProtocolID == "p-8" {
			present = true
		}
	}
	if !present {
		t.Fatal("incomplete draft must appear in recoverable list after reopen")
	}
}

func TestExpireStaleOnlyWhenCutoffPassed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-9", 2); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	expired, err := store.ExpireStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if expired != 0 {
		t.Fatalf("fresh draft should not expire, expired = %d", expired)
	}

	expired, err = store.ExpireStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired draft, got %d", expired)
	}
	found, err := store.Find(ctx, "p-9")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != nil {
		t.Fatal("expired draft should be discarded")
	}
}

func TestAddItemBeyondTotalCount(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenDrafts(t, cfg)
	ctx := context.Background()

	if _, err := store.Begin(ctx, "p-10", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := store.AddItem(ctx, "p-10", "item-0", 10); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if _, err := store.AddItem(ctx, "p-10", "item-1", 10); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error past totalCount, got %v", err)
	}
}

func mustTransition(t *testing.T, store *draft.Store, protocolID, itemID string, states ...media.ItemState) {
	t.Helper()
	for _, state := range states {
		if err := store.RecordItemTransition(context.Background(), protocolID, itemID, state); err != nil {
			t.Fatalf("transition %s to %s: %v", itemID, state, err)
		}
	}
}
