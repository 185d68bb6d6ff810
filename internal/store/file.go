package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskbridge/internal/domain"
)

// fileStore is the local-file backing: one JSON array of Job objects, held
// in memory and rewritten atomically on every mutation. Suited to
// single-process deployments without a database.
type fileStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]domain.Job
}

func NewFile(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &fileStore{path: path, jobs: map[string]domain.Job{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	// Decode record by record so one malformed entry does not abort the
	// rest of the store.
	var raws []json.RawMessage
	if err := json.Unmarshal(buf, &raws); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for _, raw := range raws {
		var j domain.Job
		if err := json.Unmarshal(raw, &j); err != nil || j.ID == "" {
			log.Warn().Err(err).Str("file", s.path).Msg("skipping malformed job record")
			continue
		}
		s.jobs[j.ID] = j
	}
	return nil
}

// save rewrites the whole file via a temp file and rename, so a crash
// mid-write never leaves a truncated store.
func (s *fileStore) save() error {
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

	buf, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Put(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.jobs[j.ID]
	s.jobs[j.ID] = j
	if err := s.save(); err != nil {
		// keep memory and disk in step
		if had {
			s.jobs[j.ID] = prev
		} else {
			delete(s.jobs, j.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return j, nil
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[id]
	if !ok {
		return nil
	}
	delete(s.jobs, id)
	if err := s.save(); err != nil {
		s.jobs[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) DueBefore(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileStore) List(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].NextRunAt.Before(jobs[k].NextRunAt) })
	return jobs, nil
}
