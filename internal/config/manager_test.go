package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "jobd.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"scheduler": {"poll_interval": "50ms", "retry_max": 5},
		"executor": {"workers": 8, "queue_size": 32},
		"storage": {"driver": "file", "path": "/tmp/jobd_history"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.PollInterval != "50ms" || cfg.Scheduler.RetryMax != 5 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Executor.Workers != 8 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "jobd.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: /var/log/jobd.log
scheduler:
  retry_base: 2s
executor:
  workers: 2
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/var/log/jobd.log" {
		t.Fatalf("logging.file = %+v", cfg.Logging.File)
	}
	if cfg.Scheduler.RetryBase != "2s" {
		t.Fatalf("retry_base = %q", cfg.Scheduler.RetryBase)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "jobd.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "sheduler": {}}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "jobd.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}{"extra": 1}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		d, err := ParseDurationField("scheduler.poll_interval", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: want error", tc.raw)
			}
			continue
		}
		if err != nil || d != tc.want {
			t.Errorf("%q: got %v, %v, want %v", tc.raw, d, err, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Errorf("default: got %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "5s", time.Second); err != nil || d != 5*time.Second {
		t.Errorf("explicit: got %v, %v", d, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// A full buffer keeps only the newest snapshot.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("stale config kept over the newest")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Executor: ExecutorConfig{Workers: 2}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Executor: ExecutorConfig{Workers: 2}}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "logging" {
		t.Fatalf("changed = %v, want [logging]", changed)
	}

	changed, _ = SummarizeChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}
