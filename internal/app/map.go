package app

import (
	"fmt"

	"jobd/internal/config"
	"jobd/internal/job/core"
	"jobd/internal/job/executor"
	"jobd/internal/storage"
)

// mapSchedulerConfig translates the scheduler section into a core.Config,
// validating duration fields. Zero values fall through to core defaults.
func mapSchedulerConfig(cfg *config.Config) (core.Config, error) {
	sc := cfg.Scheduler
	if sc.RetryMax < 0 {
		return core.Config{}, fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	if sc.HistorySize < 0 {
		return core.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if sc.RetainRetired < 0 {
		return core.Config{}, fmt.Errorf("scheduler.retain_retired must be >= 0")
	}

	out := core.Config{
		MaxRetries:    sc.RetryMax,
		HistorySize:   sc.HistorySize,
		RetainRetired: sc.RetainRetired,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		return core.Config{}, err
	}
	if out.DependencyBackoff, err = config.ParseDurationField("scheduler.dependency_backoff", sc.DependencyBackoff); err != nil {
		return core.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("scheduler.retry_base", sc.RetryBase); err != nil {
		return core.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("scheduler.retry_max_delay", sc.RetryMaxDelay); err != nil {
		return core.Config{}, err
	}
	return out, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	if ec.Workers < 0 {
		return executor.Config{}, fmt.Errorf("executor.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return executor.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
	}

	out := executor.Config{
		Workers:   ec.Workers,
		QueueSize: ec.QueueSize,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout); err != nil {
		return executor.Config{}, err
	}
	if out.DrainTimeout, err = config.ParseDurationField("executor.drain_timeout", ec.DrainTimeout); err != nil {
		return executor.Config{}, err
	}
	return out, nil
}

// mapStorageConfig returns (storageConfig, enabled, err).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	out := storage.Config{
		Driver: sc.Driver,
		Path:   sc.Path,
	}
	var err error
	if out.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return storage.Config{}, false, err
	}
	if _, err = config.ParseDurationField("storage.prune_max_age", sc.PruneMaxAge); err != nil {
		return storage.Config{}, false, err
	}
	if _, err = config.ParseDurationField("storage.prune_interval", sc.PruneInterval); err != nil {
		return storage.Config{}, false, err
	}
	return out, out.Driver != "" && out.Driver != "none", nil
}
