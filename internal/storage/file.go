package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pushgate/pkg/logx"
)

// fileStore keeps everything in jsonl files:
//   - <prefix>.deliveries.jsonl       (append-only)
//   - <prefix>.tokens.snapshot.json   (periodic snapshot)
//   - <prefix>.tokens.journal.jsonl   (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveries *os.File

	snapshotPath string
	journal      *os.File
	tokens       map[string]ExpiredToken
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		deliveries:   df,
		snapshotPath: prefix + ".tokens.snapshot.json",
		tokens:       map[string]ExpiredToken{},
		compactEvery: 1000,
	}
	journalPath := prefix + ".tokens.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token journal replay stopped early", logx.Err(err))
	}

	s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveries).Encode(r)
}

func (s *fileStore) PutExpiredToken(_ context.Context, t ExpiredToken) error {
	if err := normalizeToken(&t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.tokens[t.Token] = t
	if err := json.NewEncoder(s.journal).Encode(t); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("token journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ExpiredTokens(_ context.Context, since time.Time, limit int) ([]ExpiredToken, error) {
	s.mu.Lock()
	all := make([]ExpiredToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		all = append(all, t)
	}
	s.mu.Unlock()
	return selectSince(all, since, limit), nil
}

// compactLocked writes the snapshot atomically, then truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tokens); err != nil {
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
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]ExpiredToken
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		s.tokens[k] = v
	}
	return nil
}

// replayJournal applies journal lines over the snapshot. Torn or corrupt
// lines are skipped.
func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var t ExpiredToken
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil || t.Token == "" {
			continue
		}
		s.tokens[t.Token] = t
	}
	return sc.Err()
}
