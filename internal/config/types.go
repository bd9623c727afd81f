package config

// Config is the daemon configuration. JSON is the primary format; YAML
// files are coerced to JSON before strict decoding, so unknown keys are
// rejected in both.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler core.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "100ms"
//   - dependency_backoff: "250ms"
//   - retry_max: 3
//   - retry_base: "1s"
//   - retry_max_delay: "5m"
//   - history_size: 50
//   - retain_retired: 256
type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	DependencyBackoff string `json:"dependency_backoff,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
	RetainRetired     int    `json:"retain_retired,omitempty"`
}

// ExecutorConfig controls the worker pool. Worker count changes only take
// effect on restart; the pool is not resized live.
type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// DrainTimeout bounds how long shutdown waits for in-flight work.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// StorageConfig controls the optional execution-history audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./jobd_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// PruneMaxAge drops history entries older than this; "0s" disables
	// pruning. PruneInterval is the cadence of the built-in housekeeping job.
	PruneMaxAge   string `json:"prune_max_age,omitempty"`
	PruneInterval string `json:"prune_interval,omitempty"`
}
