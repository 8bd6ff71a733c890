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

	logx "traversald/pkg/logx"
)

// fileStore keeps schedules in memory and persists them as:
//   - <prefix>.schedules.snapshot.json (compacted state)
//   - <prefix>.schedules.journal.jsonl (append-only changes since the snapshot)
//
// The journal is compacted into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	schedules    map[string]string

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op       string `json:"op"` // "put" or "del"
	ID       string `json:"id"`
	Schedule string `json:"schedule,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".schedules.snapshot.json"
	journalPath := prefix + ".schedules.journal.jsonl"

	schedules := map[string]string{}
	if err := loadSnapshot(snapPath, schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		schedules:    schedules,
		compactEvery: 1000,
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		s.log.Debug("schedule compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	log.Info("file store opened", logx.String("path", prefix), logx.Int("sources", len(schedules)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Sources(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return sortedKeys(s.schedules), nil
}

func (s *fileStore) Schedule(ctx context.Context, id string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", ErrClosed
	}
	v, ok := s.schedules[id]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *fileStore) PutSchedule(ctx context.Context, id, sched string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "put", ID: id, Schedule: sched})
}

func (s *fileStore) UpdateSchedule(ctx context.Context, id, sched string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.schedules[id]; !ok {
		return ErrNotFound
	}
	return s.appendLocked(journalRecord{Op: "put", ID: id, Schedule: sched})
}

func (s *fileStore) DeleteSource(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.schedules[id]; !ok {
		return nil
	}
	return s.appendLocked(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	apply(s.schedules, r)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.schedules); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func apply(m map[string]string, r journalRecord) {
	switch r.Op {
	case "put":
		m[r.ID] = r.Schedule
	case "del":
		delete(m, r.ID)
	}
}

func loadSnapshot(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		if r.ID == "" {
			continue
		}
		apply(out, r)
	}
	return sc.Err()
}
