package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TagLatest and TagBest are the named aliases over the record set; epoch
// records use TagEpoch(n).
const (
	TagLatest = "latest"
	TagBest   = "best"
)

// TagEpoch returns the tag of the record saved at the end of epoch n.
func TagEpoch(n int) string {
	return fmt.Sprintf("epoch_%d", n)
}

// Manager persists and restores training state records under
// dir/experiment/, one file per tag. Writes are atomic with respect to
// process crash: the record is written to a temporary file and renamed into
// place, so a crash mid-write leaves any prior record for the tag intact.
type Manager struct {
	dir        string
	experiment string
	runID      string
}

// NewManager creates a manager rooted at dir/experiment, creating the
// directory if needed.
func NewManager(dir, experiment string) (*Manager, error) {
	if experiment == "" {
		return nil, fmt.Errorf("checkpoints: experiment name must not be empty")
	}
	root := filepath.Join(dir, experiment)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", root, err)
	}
	return &Manager{
		dir:        root,
		experiment: experiment,
		runID:      NewRunID(),
	}, nil
}

// Dir returns the directory the manager writes into.
func (m *Manager) Dir() string { return m.dir }

// RunID returns the identifier stamped into records saved by this manager.
func (m *Manager) RunID() string { return m.runID }

func (m *Manager) path(tag string) string {
	return filepath.Join(m.dir, tag+".json")
}

// Save atomically persists a record under the given tag, superseding any
// previous record for that tag.
func (m *Manager) Save(record *Record, tag string) error {
	if record == nil {
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("nil record")}
	}
	record.Metadata.Version = formatVersion
	record.Metadata.Framework = "pctseg"
	record.Metadata.Experiment = m.experiment
	if record.Metadata.RunID == "" {
		record.Metadata.RunID = m.runID
	}
	record.Metadata.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(record)
	if err != nil {
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to encode record: %w", err)}
	}
	raw, err := json.Marshal(envelope{
		Checksum: checksum(payload),
		Record:   payload,
	})
	if err != nil {
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to encode envelope: %w", err)}
	}

	// Write-then-rename keeps the previous record loadable if we crash here.
	tmp, err := os.CreateTemp(m.dir, tag+".tmp-*")
	if err != nil {
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to write record: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to sync record: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, m.path(tag)); err != nil {
		os.Remove(tmpName)
		return &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to publish record: %w", err)}
	}
	return nil
}

// Load reads and verifies the record stored under tag.
func (m *Manager) Load(tag string) (*Record, error) {
	raw, err := os.ReadFile(m.path(tag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CheckpointError{Tag: tag, Err: ErrNotFound}
		}
		return nil, &CheckpointError{Tag: tag, Err: fmt.Errorf("failed to read record: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &CheckpointError{Tag: tag, Err: fmt.Errorf("malformed envelope: %w", err)}
	}
	if got := checksum(env.Record); got != env.Checksum {
		return nil, &CheckpointError{Tag: tag, Err: fmt.Errorf("checksum mismatch: record is corrupt")}
	}

	var record Record
	if err := json.Unmarshal(env.Record, &record); err != nil {
		return nil, &CheckpointError{Tag: tag, Err: fmt.Errorf("malformed record: %w", err)}
	}
	if record.Metadata.Version != formatVersion {
		return nil, &CheckpointError{Tag: tag, Err: fmt.Errorf("format version %q not supported (want %q)",
			record.Metadata.Version, formatVersion)}
	}
	return &record, nil
}

// Exists reports whether a record is stored under tag.
func (m *Manager) Exists(tag string) bool {
	_, err := os.Stat(m.path(tag))
	return err == nil
}

// ResolveEpoch maps a configured which_epoch to a tag: -1 selects the latest
// record, any other value the record of that epoch.
func ResolveEpoch(whichEpoch int) string {
	if whichEpoch == -1 {
		return TagLatest
	}
	return TagEpoch(whichEpoch)
}
