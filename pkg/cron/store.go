package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const storeVersion = 1

// fileStore persists the job set to a single JSON file, rewriting the
// whole file on every mutation per spec.md §6's scheduler persistence.
type fileStore struct {
	path string
	mu   sync.Mutex
}

func newFileStore(path string) *fileStore {
	return &fileStore{path: path}
}

func (s *fileStore) load() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, err
	}
	return store.Jobs, nil
}

func (s *fileStore) save(jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	store := Store{Version: storeVersion, Jobs: jobs}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logger.ErrorCF("cron", "failed to persist job store", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}
