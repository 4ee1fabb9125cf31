package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// fileStore persists one JSON file per task for metadata and one blob per
// payload: <dir>/<id>.json and <dir>/<id>.payload.json. Writes go through
// a temp file plus rename so a crash never leaves a half-written record.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) infoPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) payloadPath(id string) string {
	return filepath.Join(s.dir, id+".payload.json")
}

func (s *fileStore) SaveInfo(info *models.TaskInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task info: %w", err)
	}
	return atomicWrite(s.infoPath(info.ID), data)
}

func (s *fileStore) SavePayload(id string, payload []byte) error {
	return atomicWrite(s.payloadPath(id), payload)
}

func (s *fileStore) LoadInfo(id string) (*models.TaskInfo, error) {
	data, err := os.ReadFile(s.infoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var info models.TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &info, nil
}

func (s *fileStore) LoadPayload(id string) ([]byte, error) {
	data, err := os.ReadFile(s.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return data, nil
}

// LoadAll returns every persisted task record, skipping payload blobs and
// unreadable files.
func (s *fileStore) LoadAll() ([]*models.TaskInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*models.TaskInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".payload.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		info, err := s.LoadInfo(id)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Delete removes both files for a task.
func (s *fileStore) Delete(id string) error {
	if err := os.Remove(s.infoPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.payloadPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
