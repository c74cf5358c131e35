package broadcast

import "time"

// Progress is a derived, read-only snapshot of a running job's counters.
// Never mutated after emission.
type Progress struct {
	JobID      string
	Total      int
	Sent       int // successful + failed
	Failed     int
	Pending    int
	Percentage float64
	StartedAt  time.Time
	At         time.Time

	// ETA is the estimated time remaining, valid only when HasETA is true
	// (no estimate exists before the first send settles).
	ETA    time.Duration
	HasETA bool
}

// snapshotProgress derives a Progress from raw counters.
func snapshotProgress(jobID string, total, successful, failed int, startedAt, at time.Time) Progress {
	sent := successful + failed
	p := Progress{
		JobID:     jobID,
		Total:     total,
		Sent:      sent,
		Failed:    failed,
		Pending:   total - sent,
		StartedAt: startedAt,
		At:        at,
	}
	if total > 0 {
		p.Percentage = float64(sent) / float64(total) * 100
	}
	if sent > 0 {
		elapsed := at.Sub(startedAt)
		p.ETA = time.Duration(float64(elapsed) / float64(sent) * float64(p.Pending))
		p.HasETA = true
	}
	return p
}
