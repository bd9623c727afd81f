package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ResultEntry is one terminal execution outcome.
// Keep it compact and schema-stable.
type ResultEntry struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
