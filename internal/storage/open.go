package storage

import (
	"context"
	"strings"

	"chatflow/internal/broadcast"
	logx "chatflow/pkg/logx"
)

// Store is the persistence API used by the dispatcher and the HTTP layer.
// It satisfies broadcast.Sink.
type Store interface {
	ArchiveJob(ctx context.Context, res *broadcast.Result) error
	GetJob(ctx context.Context, jobID string) (*broadcast.Result, error)
	ListJobs(ctx context.Context, limit int) ([]JobSummary, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
