package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobd/pkg/logx"
)

// fileStore is the dependency-free backend: a single append-only JSON Lines
// file at <prefix>.history.jsonl. Reads scan the file; Prune rewrites it
// atomically through a temp file.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	historyPath := filepath.Join(dir, base) + ".history.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: historyPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendResult(ctx context.Context, e ResultEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	return json.NewEncoder(s.f).Encode(e)
}

func (s *fileStore) RecentResults(ctx context.Context, jobID string, limit int) ([]ResultEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []ResultEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ResultEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate a torn tail line
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
		if len(out) > limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("history file closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var dropped int64
	enc := json.NewEncoder(tmp)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var e ResultEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			dropped++
			continue
		}
		if e.At.Before(olderThan) {
			dropped++
			continue
		}
		if err := enc.Encode(e); err != nil {
			_ = in.Close()
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return 0, err
		}
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if scanErr != nil {
		_ = os.Remove(tmpPath)
		return 0, scanErr
	}

	// Swap the rewritten file in and re-open the append handle so later
	// writes land in the new inode.
	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmpPath, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return dropped, err
	}
	s.f = f

	if dropped > 0 {
		s.log.Debug("history pruned", logx.Int64("dropped", dropped), logx.String("path", s.path))
	}
	return dropped, nil
}
