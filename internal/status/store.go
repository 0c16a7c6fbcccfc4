package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const fileName = "status.json"

// FileStore reads and writes status records laid out one per agent under a
// run directory: <root>/<agent-id>/status.json. The coordinator writes each
// file exactly once, before the agent launches; after that the agent is the
// only writer.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path returns the status file location for an agent.
func (s *FileStore) Path(agentID string) string {
	return filepath.Join(s.root, agentID, fileName)
}

func (s *FileStore) Read(agentID string) (*Record, error) {
	path := s.Path(agentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, &CorruptError{AgentID: agentID, Path: path, Err: err}
	}
	return rec, nil
}

// Write serializes a record to its agent's location. Used for the initial
// pending record and by tooling that emulates an agent; the engine never
// rewrites a record an agent owns while that agent is alive.
func (s *FileStore) Write(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid record: %w", err)
	}
	dir := filepath.Join(s.root, rec.AgentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

func (s *FileStore) Scan() ([]*Record, []*CorruptError, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to scan status root: %w", err)
	}

	var records []*Record
	var corrupt []*CorruptError
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentID := entry.Name()
		rec, err := s.Read(agentID)
		if err != nil {
			var ce *CorruptError
			if errors.As(err, &ce) {
				corrupt = append(corrupt, ce)
				continue
			}
			return nil, nil, err
		}
		if rec == nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records, corrupt, nil
}
