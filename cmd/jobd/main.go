package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobd/internal/app"
	"jobd/internal/config"
	"jobd/internal/job/core"
	"jobd/internal/job/schedule"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./jobd.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	if err := registerHousekeeping(a); err != nil {
		fmt.Fprintln(os.Stderr, "fatal housekeeping:", err)
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopWatchdog()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// startWatchdog pings the systemd watchdog at half its interval when one is
// configured. Returns a stop func; a no-op outside systemd.
func startWatchdog(ctx context.Context) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}

// registerHousekeeping schedules the periodic history prune through the
// engine itself when storage and a prune age are configured.
func registerHousekeeping(a *app.App) error {
	store := a.Store()
	cfg := a.Config()
	if store == nil || cfg == nil || cfg.Storage == nil {
		return nil
	}

	maxAge, err := config.ParseDurationField("storage.prune_max_age", cfg.Storage.PruneMaxAge)
	if err != nil || maxAge <= 0 {
		return err
	}
	interval, err := config.ParseDurationOrDefault("storage.prune_interval", cfg.Storage.PruneInterval, time.Hour)
	if err != nil {
		return err
	}

	sched, err := schedule.Every(interval, time.Now().Add(interval), time.Time{})
	if err != nil {
		return err
	}
	_, err = a.Scheduler().Submit(core.SubmitRequest{
		Name:     "history-prune",
		Schedule: sched,
		Priority: core.PriorityLow,
		Task: func(ctx context.Context) error {
			_, err := store.Prune(ctx, time.Now().Add(-maxAge))
			return err
		},
	})
	return err
}
