package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHistoryLimit caps the number of archived jobs kept on disk.
const DefaultHistoryLimit = 200

// History persists the results of finished jobs, oldest first.
type History struct {
	UpdatedAt time.Time   `yaml:"updated_at"`
	Jobs      []JobRecord `yaml:"jobs"`
}

// JobRecord is the archived outcome of one job.
type JobRecord struct {
	RequestID  string    `yaml:"request_id"`
	NodeID     string    `yaml:"node_id"`
	Kind       string    `yaml:"kind"`
	Status     string    `yaml:"status"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Attempts   int       `yaml:"attempts"`
	TimeMs     int64     `yaml:"time_ms,omitempty"`
	Error      string    `yaml:"error,omitempty"`
	Output     string    `yaml:"output"`
}

// LoadHistory loads the archive from disk. If the file is missing, returns an empty history.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &History{}, nil
		}
		return nil, err
	}

	var h History
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, err
	}

	return &h, nil
}

// SaveHistory writes the archive to disk.
func SaveHistory(path string, h *History) error {
	if h == nil {
		return nil
	}
	h.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// AppendHistory adds rec to the archive at path, dropping the oldest
// records beyond limit. A non-positive limit means DefaultHistoryLimit.
func AppendHistory(path string, rec JobRecord, limit int) error {
	h, err := LoadHistory(path)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	h.Jobs = append(h.Jobs, rec)
	if len(h.Jobs) > limit {
		h.Jobs = append([]JobRecord(nil), h.Jobs[len(h.Jobs)-limit:]...)
	}
	return SaveHistory(path, h)
}

// ForNode returns the records of nodeID, or every record when nodeID is empty.
func (h *History) ForNode(nodeID string) []JobRecord {
	if nodeID == "" {
		return h.Jobs
	}
	var out []JobRecord
	for _, rec := range h.Jobs {
		if rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	return out
}
