package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobd/pkg/logx"
)

// Store is the persistence API used by the history sink and the
// housekeeping job.
type Store interface {
	AppendResult(ctx context.Context, e ResultEntry) error

	// RecentResults returns up to limit entries for the job id, newest
	// first. An empty job id matches every job.
	RecentResults(ctx context.Context, jobID string, limit int) ([]ResultEntry, error)

	// Prune drops entries recorded before the cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
