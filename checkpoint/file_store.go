package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists one JSON file per session under a base directory.
// Writes go through a temp file and an atomic rename so a crash mid-save
// never leaves a truncated checkpoint behind. Suitable for single-node
// deployments.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".json")
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	cloned := *cp
	if cloned.SavedAt.IsZero() {
		cloned.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(&cloned, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.SessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.baseDir, cp.SessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write %s: %w", cp.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path(cp.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename %s: %w", cp.SessionID, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", sessionID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", sessionID, err)
	}
	return &cp, nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error { return nil }
