package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"redditchat/internal/models"
)

// FileStore keeps every record in one JSON document keyed by user id,
// rewritten in full on each mutation. Writes go through a temp file and a
// rename so readers never observe a half-written document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context, userID string) (*models.QuotaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, false, err
	}
	rec, ok := doc[userID]
	if !ok {
		return nil, false, nil
	}
	rec.UserID = userID
	return rec, true, nil
}

func (s *FileStore) Increment(_ context.Context, userID, day string) (*models.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	rec, ok := doc[userID]
	if !ok {
		rec = &models.QuotaRecord{Date: day}
		doc[userID] = rec
	}
	if rec.Date != day {
		rec.Date = day
		rec.Count = 0
	}
	rec.Count++
	if err := s.write(doc); err != nil {
		return nil, err
	}
	out := *rec
	out.UserID = userID
	return &out, nil
}

func (s *FileStore) SetPremium(_ context.Context, userID string, premium bool, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	rec, ok := doc[userID]
	if !ok {
		rec = &models.QuotaRecord{Date: day}
		doc[userID] = rec
	}
	rec.Premium = premium
	return s.write(doc)
}

func (s *FileStore) read() (map[string]*models.QuotaRecord, error) {
	doc := make(map[string]*models.QuotaRecord)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quota file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode quota file: %w", err)
	}
	return doc, nil
}

func (s *FileStore) write(doc map[string]*models.QuotaRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create quota dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quota file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".quota-*.json")
	if err != nil {
		return fmt.Errorf("create temp quota file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write quota file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close quota file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace quota file: %w", err)
	}
	return nil
}
