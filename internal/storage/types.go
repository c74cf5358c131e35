package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("job not found")
)

// Config configures the archive.
//
// If Path is empty, storage is disabled.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobSummary is one row of a recent-jobs listing.
// Keep it compact and schema-stable.
type JobSummary struct {
	JobID      string
	Total      int
	Successful int
	Failed     int
	Pending    int
	Aborted    bool
	StartedAt  time.Time
	EndedAt    time.Time
}
