package state

import (
	"encoding/json"
	"os"
	"time"
)

// historyCap bounds each session's workflow history file.
const historyCap = 1000

// WorkflowRecord is one archived workflow outcome. History files keep the
// newest record first.
type WorkflowRecord struct {
	WorkflowID  string         `json:"workflowId"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

// AppendHistory prepends a record to the session's history ring. Records
// past the cap fall off the old end.
func (s *Store) AppendHistory(sessionID string, rec WorkflowRecord) error {
	path := s.historyPath(sessionID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	var records []WorkflowRecord
	if _, err := os.Stat(path); err == nil {
		if err := s.readJSON(path, &records); err != nil {
			// A corrupt history file is rewritten rather than blocking
			// workflow completion.
			s.logger.Warn("resetting corrupt history file")
			records = nil
		}
	}

	records = append([]WorkflowRecord{rec}, records...)
	if len(records) > historyCap {
		records = records[:historyCap]
	}

	data, err := marshalIndent(records)
	if err != nil {
		return &StorageError{Op: "marshal", Path: path, Err: err}
	}
	return s.atomicWrite(path, data)
}

// LoadHistory returns the session's archived workflows, newest first. A
// missing file is an empty history.
func (s *Store) LoadHistory(sessionID string) ([]WorkflowRecord, error) {
	path := s.historyPath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var records []WorkflowRecord
	if err := s.readJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func nowUTC() time.Time { return time.Now().UTC() }
