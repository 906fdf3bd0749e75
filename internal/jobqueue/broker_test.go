package jobqueue_test

import (
	"context"
	"testing"
	"time"

	"protomedia/internal/jobqueue"
	"protomedia/internal/testsupport"
)

func TestInsertAndClaimIncrementsAttempts(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, 2*time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if job.Status != jobqueue.StatusWaiting {
		t.Fatalf("inserted status = %s, want waiting", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("inserted attempts = %d, want 0", job.Attempts)
	}

	claimed, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimNext returned no job")
	}
	if claimed.ID != job.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, job.ID)
	}
	if claimed.Status != jobqueue.StatusActive {
		t.Fatalf("claimed status = %s, want active", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("claimed attempts = %d, want 1", claimed.Attempts)
	}

	// Only one worker can hold the job.
	again, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now())
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed active job twice: %s", again.ID)
	}
}

func TestClaimRespectsQueueBoundary(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, err := broker.Insert(ctx, jobqueue.QueueDocumentRendering, []byte(`{}`), 3, time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	job, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Fatalf("image queue claimed document job %s", job.ID)
	}
}

func TestRequeueDefersUntilNextRun(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := broker.Requeue(ctx, job.ID, time.Hour, "transient"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// Not runnable yet.
	early, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext before next run: %v", err)
	}
	if early != nil {
		t.Fatal("claimed a job whose backoff has not elapsed")
	}

	// Runnable once the clock passes next_run_at, with attempts preserved.
	late, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ClaimNext after next run: %v", err)
	}
	if late == nil {
		t.Fatal("job not claimable after backoff elapsed")
	}
	if late.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", late.Attempts)
	}
	if late.LastError != "transient" {
		t.Fatalf("lastError = %q, want transient", late.LastError)
	}
}

func TestResetStuckActive(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	reclaimed, err := broker.ResetStuckActive(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("ResetStuckActive: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	got, err := broker.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != jobqueue.StatusWaiting {
		t.Fatalf("status after reclaim = %s, want waiting", got.Status)
	}
}

func TestRequeueTerminalResetsAttempts(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 2, time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := broker.MarkDead(ctx, job.ID, "exhausted"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	requeued, err := broker.RequeueTerminal(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("RequeueTerminal: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	got, err := broker.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != jobqueue.StatusWaiting || got.Attempts != 0 {
		t.Fatalf("after requeue: status=%s attempts=%d, want waiting/0", got.Status, got.Attempts)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := broker.MarkCompleted(ctx, first.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	stats, err := broker.Stats(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Waiting != 1 || stats.Completed != 1 {
		t.Fatalf("stats = %+v, want 1 waiting and 1 completed", stats)
	}
}

func TestPruneHistoryKeepsNewest(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := broker.MarkCompleted(ctx, job.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}

	pruned, err := broker.PruneHistory(ctx, jobqueue.QueueImageFinishing, 2, 2)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned = %d, want 3", pruned)
	}

	stats, err := broker.Stats(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 2 {
		t.Fatalf("completed after prune = %d, want 2", stats.Completed)
	}
}

func TestClearHistoryLeavesLiveJobs(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	done, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := broker.ClaimNext(ctx, jobqueue.QueueImageFinishing, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := broker.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, []byte(`{}`), 3, time.Second); err != nil {
		t.Fatalf("Insert waiting: %v", err)
	}

	cleared, err := broker.ClearHistory(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}

	stats, err := broker.Stats(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Waiting != 1 || stats.Completed != 0 {
		t.Fatalf("stats after clear = %+v, want waiting=1 completed=0", stats)
	}
}

func TestDeleteByProtocolRemovesOnlyWaiting(t *testing.T) {
	broker := testsupport.MustOpenBroker(t, testsupport.NewConfig(t))
	ctx := context.Background()

	payload := []byte(`{"protocolId":"proto-1","mediaItemId":"item-1"}`)
	if _, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, payload, 3, time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	other := []byte(`{"protocolId":"proto-2","mediaItemId":"item-2"}`)
	if _, err := broker.Insert(ctx, jobqueue.QueueImageFinishing, other, 3, time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	deleted, err := broker.DeleteByProtocol(ctx, "proto-1")
	if err != nil {
		t.Fatalf("DeleteByProtocol: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	stats, err := broker.Stats(ctx, jobqueue.QueueImageFinishing)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting after delete = %d, want 1", stats.Waiting)
	}
}
