package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gainscan/config"
	"gainscan/models"
)

type fileDocument struct {
	NextID  int64                  `json:"next_id"`
	Records []models.HistoryRecord `json:"records"`
}

// FileStore keeps history in a single JSON document that is rewritten on
// every change. An empty path keeps records in memory only.
type FileStore struct {
	mu   sync.RWMutex
	path string
	doc  fileDocument
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, doc: fileDocument{NextID: 1}}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}
	for _, r := range s.doc.Records {
		if r.ID >= s.doc.NextID {
			s.doc.NextID = r.ID + 1
		}
	}
	if s.doc.NextID < 1 {
		s.doc.NextID = 1
	}
	return s, nil
}

func (s *FileStore) Append(_ context.Context, bundle *models.ResultBundle, settings config.Settings) (int64, error) {
	cfg, err := encodeSettings(settings)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := models.HistoryRecord{ID: s.doc.NextID, Bundle: *bundle, Config: cfg}
	s.doc.Records = append(s.doc.Records, rec)
	s.doc.NextID++

	if err := s.flush(); err != nil {
		s.doc.Records = s.doc.Records[:len(s.doc.Records)-1]
		s.doc.NextID--
		return 0, err
	}
	return rec.ID, nil
}

func (s *FileStore) Latest(_ context.Context) (*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.HistoryRecord
	for i := range s.doc.Records {
		if latest == nil || s.doc.Records[i].ID > latest.ID {
			latest = &s.doc.Records[i]
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	rec := *latest
	return &rec, nil
}

func (s *FileStore) Get(_ context.Context, id int64) (*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.doc.Records {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// List returns summaries newest first; limit <= 0 returns all.
func (s *FileStore) List(_ context.Context, limit int) ([]models.HistorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sortedDesc()
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]models.HistorySummary, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Summary())
	}
	return out, nil
}

// Prune keeps the keep most recent records by id and returns how many were
// removed.
func (s *FileStore) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.doc.Records) <= keep {
		return 0, nil
	}
	prev := s.doc.Records
	recs := s.sortedDesc()[:keep]
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	s.doc.Records = recs

	if err := s.flush(); err != nil {
		s.doc.Records = prev
		return 0, err
	}
	return len(prev) - keep, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) sortedDesc() []models.HistoryRecord {
	recs := append([]models.HistoryRecord(nil), s.doc.Records...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
	return recs
}

func (s *FileStore) flush() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
