package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chatflow/internal/broadcast"
	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "archive.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleResult(jobID string, startedAt time.Time) *broadcast.Result {
	ended := startedAt.Add(3 * time.Second)
	return &broadcast.Result{
		JobID:      jobID,
		Total:      3,
		Successful: 2,
		Failed:     1,
		Pending:    0,
		StartedAt:  startedAt,
		EndedAt:    ended,
		Duration:   ended.Sub(startedAt),
		Results: []domain.SendResult{
			{Recipient: "a", Success: true, ProviderID: "p1", CompletedAt: startedAt.Add(time.Second)},
			{Recipient: "b", Success: false, Error: "provider rejected", CompletedAt: startedAt.Add(2 * time.Second)},
			{Recipient: "c", Success: true, ProviderID: "p3", CompletedAt: ended},
		},
	}
}

func TestOpenDisabledWhenPathEmpty(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st != nil {
		t.Fatal("empty path should disable storage")
	}
}

func TestArchiveAndGetJob(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleResult("job-1", time.Now().UTC().Truncate(time.Millisecond))
	if err := st.ArchiveJob(ctx, want); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 3 || got.Successful != 2 || got.Failed != 1 || got.Aborted {
		t.Fatalf("counters = %+v", got)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.EndedAt.Equal(want.EndedAt) {
		t.Fatalf("timestamps = %v / %v, want %v / %v", got.StartedAt, got.EndedAt, want.StartedAt, want.EndedAt)
	}
	if len(got.Results) != 3 {
		t.Fatalf("result rows = %d, want 3", len(got.Results))
	}
	// Results come back in archive order.
	if got.Results[0].Recipient != "a" || got.Results[2].Recipient != "c" {
		t.Fatalf("result order = %v, %v", got.Results[0].Recipient, got.Results[2].Recipient)
	}
	if got.Results[1].Error != "provider rejected" || got.Results[1].Success {
		t.Fatalf("failed row = %+v", got.Results[1])
	}
	if got.Results[0].ProviderID != "p1" {
		t.Fatalf("provider id = %q", got.Results[0].ProviderID)
	}
}

func TestReArchiveReplacesRows(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	first := sampleResult("job-1", start)
	if err := st.ArchiveJob(ctx, first); err != nil {
		t.Fatalf("archive: %v", err)
	}

	second := sampleResult("job-1", start)
	second.Successful = 3
	second.Failed = 0
	second.Results = second.Results[:1]
	if err := st.ArchiveJob(ctx, second); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Successful != 3 || len(got.Results) != 1 {
		t.Fatalf("re-archive left %d successful, %d rows", got.Successful, len(got.Results))
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		res := sampleResult(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := st.ArchiveJob(ctx, res); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}

	jobs, err := st.ListJobs(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("listed %d jobs, want 3", len(jobs))
	}
	if jobs[0].JobID != "job-4" || jobs[2].JobID != "job-2" {
		t.Fatalf("order = %s..%s, want job-4..job-2", jobs[0].JobID, jobs[2].JobID)
	}
}

func TestArchiveRejectsEmptyJobID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.ArchiveJob(context.Background(), &broadcast.Result{}); err == nil {
		t.Fatal("empty job id accepted")
	}
}
