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

	logx "modkit/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json (periodic snapshot)
//   - <prefix>.kv.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	kv           map[string]json.RawMessage

	writes int
}

type kvRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	// Load kv from snapshot + journal.
	kv := map[string]json.RawMessage{}
	_ = loadSnapshot(snapPath, kv)
	_ = replayJournal(journalPath, kv)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		kv:           kv,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so restarts load a fresh snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("kv compact on close failed", logx.Any("err", err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if v, ok := s.kv[key]; ok {
			out[key] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *fileStore) Set(ctx context.Context, kv map[string][]byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("kv journal closed")
	}
	if s.kv == nil {
		s.kv = map[string]json.RawMessage{}
	}

	enc := json.NewEncoder(s.journalFile)
	for key, value := range kv {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		v := json.RawMessage(append([]byte(nil), value...))
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		s.kv[key] = v

		// Append journal record.
		if err := enc.Encode(kvRecord{Key: key, Value: v}); err != nil {
			return err
		}
		s.writes++
	}

	if s.writes >= 1000 {
		s.writes = 0
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.kv == nil {
		return nil
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r kvRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Value
	}
	return s.Err()
}
