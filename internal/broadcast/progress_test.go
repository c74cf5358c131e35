package broadcast

import (
	"testing"
	"time"
)

func TestSnapshotProgressPercentage(t *testing.T) {
	t.Parallel()
	start := time.Now()

	p := snapshotProgress("j", 8, 3, 1, start, start.Add(4*time.Second))
	if p.Sent != 4 || p.Failed != 1 || p.Pending != 4 {
		t.Fatalf("counters = %+v", p)
	}
	if p.Percentage != 50 {
		t.Fatalf("percentage = %.1f, want 50", p.Percentage)
	}
	if !p.HasETA {
		t.Fatal("expected an ETA once sends have settled")
	}
	// 4 sends in 4s leaves 4 pending at 1s each.
	if p.ETA != 4*time.Second {
		t.Fatalf("eta = %v, want 4s", p.ETA)
	}
}

func TestSnapshotProgressBeforeFirstSettle(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := snapshotProgress("j", 5, 0, 0, now, now)
	if p.Percentage != 0 || p.Pending != 5 {
		t.Fatalf("fresh snapshot = %+v", p)
	}
	if p.HasETA {
		t.Fatal("ETA claimed before any send settled")
	}
}

func TestSnapshotProgressEmptyJob(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := snapshotProgress("j", 0, 0, 0, now, now)
	if p.Percentage != 0 || p.HasETA {
		t.Fatalf("zero-total snapshot = %+v", p)
	}
}
