package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tesse/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{Path: filepath.Join(t.TempDir(), "tesse.db")})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &model.AnalysisJob{ChatID: "chat-1", QueryText: "analiza PYPL", Ticker: "PYPL"}
	if err := store.CreateAnalysisJob(ctx, job); err != nil {
		t.Fatalf("CreateAnalysisJob error: %v", err)
	}
	if job.Status != model.JobStatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}
	if job.Priority != 100 {
		t.Fatalf("default priority = %d, want 100", job.Priority)
	}

	claimed, err := store.ClaimNextAnalysisJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextAnalysisJob error: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim job %d, got %+v", job.ID, claimed)
	}
	if claimed.Status != model.JobStatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claimed job status=%s attempts=%d, want running/1", claimed.Status, claimed.Attempts)
	}
	if claimed.StartedAt == nil {
		t.Fatal("claimed job missing started_at")
	}

	// The queue is empty now.
	empty, err := store.ClaimNextAnalysisJob(ctx)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no claimable job, got %+v", empty)
	}

	if err := store.CompleteAnalysisJob(ctx, claimed.ID, "done"); err != nil {
		t.Fatalf("CompleteAnalysisJob error: %v", err)
	}

	got, err := store.GetAnalysisJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetAnalysisJob error: %v", err)
	}
	if got.Status != model.JobStatusCompleted || got.ResultText != "done" || got.FinishedAt == nil {
		t.Fatalf("unexpected final job %+v", got)
	}

	// Completed jobs cannot be finalized again.
	if err := store.FailAnalysisJob(ctx, claimed.ID, "late"); err == nil {
		t.Fatal("expected error when failing a completed job")
	}
}

func TestFailJobIsTerminal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &model.AnalysisJob{ChatID: "chat-1", QueryText: "QUE PASA"}
	if err := store.CreateAnalysisJob(ctx, job); err != nil {
		t.Fatalf("CreateAnalysisJob error: %v", err)
	}
	claimed, err := store.ClaimNextAnalysisJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim error: %v, job %+v", err, claimed)
	}

	if err := store.FailAnalysisJob(ctx, claimed.ID, ""); err != nil {
		t.Fatalf("FailAnalysisJob error: %v", err)
	}

	got, err := store.GetAnalysisJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetAnalysisJob error: %v", err)
	}
	if got.Status != model.JobStatusFailed || got.Attempts != 1 {
		t.Fatalf("failed job status=%s attempts=%d, want failed/1", got.Status, got.Attempts)
	}
	if got.Error != "unknown error" {
		t.Fatalf("empty error text should default, got %q", got.Error)
	}

	// Terminal: the job never becomes claimable again.
	again, err := store.ClaimNextAnalysisJob(ctx)
	if err != nil {
		t.Fatalf("claim after fail error: %v", err)
	}
	if again != nil {
		t.Fatalf("failed job was reclaimed: %+v", again)
	}
}

func TestClaimOrderByPriorityThenAge(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	low := &model.AnalysisJob{ChatID: "c", QueryText: "low", Priority: 200}
	urgent := &model.AnalysisJob{ChatID: "c", QueryText: "urgent", Priority: 10}
	if err := store.CreateAnalysisJob(ctx, low); err != nil {
		t.Fatalf("create low: %v", err)
	}
	if err := store.CreateAnalysisJob(ctx, urgent); err != nil {
		t.Fatalf("create urgent: %v", err)
	}

	claimed, err := store.ClaimNextAnalysisJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim error: %v, job %+v", err, claimed)
	}
	if claimed.ID != urgent.ID {
		t.Fatalf("expected urgent job first, got %d", claimed.ID)
	}
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &model.AnalysisJob{ChatID: "c", QueryText: "analiza TSLA"}
	if err := store.CreateAnalysisJob(ctx, job); err != nil {
		t.Fatalf("CreateAnalysisJob error: %v", err)
	}

	const workers = 4
	var claims int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimNextAnalysisJob(ctx)
			if err != nil {
				t.Errorf("concurrent claim error: %v", err)
				return
			}
			if claimed != nil {
				atomic.AddInt32(&claims, 1)
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("job claimed %d times, want exactly once", claims)
	}
}

func TestFailStaleJobs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &model.AnalysisJob{ChatID: "c", QueryText: "analiza NVDA"}
	if err := store.CreateAnalysisJob(ctx, job); err != nil {
		t.Fatalf("CreateAnalysisJob error: %v", err)
	}
	if _, err := store.ClaimNextAnalysisJob(ctx); err != nil {
		t.Fatalf("claim error: %v", err)
	}

	// Nothing is stale yet.
	n, err := store.FailStaleJobs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FailStaleJobs error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 stale jobs, got %d", n)
	}

	// Move the clock forward and sweep again.
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = store.FailStaleJobs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FailStaleJobs error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale job, got %d", n)
	}

	got, err := store.GetAnalysisJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetAnalysisJob error: %v", err)
	}
	if got.Status != model.JobStatusFailed || got.Error != "stale_running" {
		t.Fatalf("unexpected swept job %+v", got)
	}
}

func TestInsertResearchItemIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	item := &model.ResearchItem{
		Source: "InvestingPro",
		Title:  "Chip demand outlook",
		URL:    "https://www.investing.com/analysis/chips",
		Score:  70,
	}
	created, err := store.InsertResearchItem(ctx, item)
	if err != nil {
		t.Fatalf("first insert error: %v", err)
	}
	if !created {
		t.Fatal("first insert should create the row")
	}
	if item.Status != model.ResearchStatusNew {
		t.Fatalf("default status = %s, want new", item.Status)
	}

	dup := &model.ResearchItem{Source: "InvestingPro", Title: "other title", URL: item.URL}
	created, err = store.InsertResearchItem(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert error: %v", err)
	}
	if created {
		t.Fatal("duplicate URL must be a no-op")
	}

	seen, err := store.HasResearchURL(ctx, item.URL)
	if err != nil {
		t.Fatalf("HasResearchURL error: %v", err)
	}
	if !seen {
		t.Fatal("expected URL to be recorded")
	}

	items, err := store.ListResearchItems(ctx, ResearchQuery{Status: model.ResearchStatusNew})
	if err != nil {
		t.Fatalf("ListResearchItems error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestSetResearchStatus(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	item := &model.ResearchItem{Title: "t", URL: "https://x/1"}
	if _, err := store.InsertResearchItem(ctx, item); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	if err := store.SetResearchStatus(ctx, item.ID, model.ResearchStatusApproved); err != nil {
		t.Fatalf("SetResearchStatus error: %v", err)
	}
	got, err := store.GetResearchItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetResearchItem error: %v", err)
	}
	if got.Status != model.ResearchStatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	if err := store.SetResearchStatus(ctx, 9999, model.ResearchStatusIgnored); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestWorkerRunLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.StartWorkerRun(ctx, "investing_research")
	if err != nil {
		t.Fatalf("StartWorkerRun error: %v", err)
	}
	if run.Status != model.RunStatusRunning {
		t.Fatalf("run status = %s, want running", run.Status)
	}

	if err := store.FinishWorkerRun(ctx, run.ID, model.RunStatusSuccess, 5, 3, ""); err != nil {
		t.Fatalf("FinishWorkerRun error: %v", err)
	}

	// A closed run cannot be closed again.
	if err := store.FinishWorkerRun(ctx, run.ID, model.RunStatusFailed, 0, 0, "late"); err == nil {
		t.Fatal("expected error when closing a finished run")
	}
}

func TestListActiveSubscribers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	subs := []model.Subscriber{
		{ChatID: "a", IsActive: true, Timezone: "America/Mexico_City"},
		{ChatID: "b", IsActive: false, Timezone: "UTC"},
	}
	for i := range subs {
		if err := store.db.WithContext(ctx).Create(&subs[i]).Error; err != nil {
			t.Fatalf("seed subscriber: %v", err)
		}
	}

	active, err := store.ListActiveSubscribers(ctx)
	if err != nil {
		t.Fatalf("ListActiveSubscribers error: %v", err)
	}
	if len(active) != 1 || active[0].ChatID != "a" {
		t.Fatalf("unexpected active subscribers %+v", active)
	}
}
