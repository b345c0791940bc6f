package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/taskvault/internal/atomicfile"
	"github.com/msageha/taskvault/internal/model"
)

// StateDirName is the directory under the vault root holding loop records.
const StateDirName = ".loop_state"

type Transition struct {
	From      model.LoopState `json:"from"`
	To        model.LoopState `json:"to"`
	Reason    string          `json:"reason"`
	Iteration int             `json:"iteration"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is the persisted progress of one task through the loop.
type Record struct {
	TaskID       string          `json:"task_id"`
	TaskFile     string          `json:"task_file"`
	CurrentState model.LoopState `json:"current_state"`
	Iteration    int             `json:"iteration"`
	History      []Transition    `json:"history"`
	PriorOutput  string          `json:"prior_output"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RecentHistory returns at most the last n transitions.
func (r *Record) RecentHistory(n int) []Transition {
	if len(r.History) <= n {
		return r.History
	}
	return r.History[len(r.History)-n:]
}

// FileStore keeps one JSON record per task id in dir.
type FileStore struct {
	dir string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{dir: filepath.Join(root, StateDirName)}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Load returns the stored record for taskID, or nil when there is none.
// A record that fails to parse is quarantined and restored from its .bak
// when possible; otherwise nil is returned so the caller starts fresh.
func (s *FileStore) Load(taskID string) (*Record, bool, error) {
	path := s.Path(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read loop state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err == nil {
		return &rec, false, nil
	}

	restored, err := atomicfile.Recover(filepath.Join(s.dir, "quarantine"), path, atomicfile.ValidJSON)
	if err != nil {
		return nil, true, err
	}
	if !restored {
		return nil, true, nil
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, true, fmt.Errorf("read restored loop state: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, true, nil
	}
	return &rec, true, nil
}

func (s *FileStore) Save(rec *Record) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create loop state dir: %w", err)
	}
	return atomicfile.WriteJSON(s.Path(rec.TaskID), rec)
}

func (s *FileStore) Delete(taskID string) error {
	for _, p := range []string{s.Path(taskID), s.Path(taskID) + ".bak"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
