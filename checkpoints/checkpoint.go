package checkpoints

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pctseg/data"
	"pctseg/models"
)

// CheckpointError marks a missing, corrupt, or incompatible checkpoint
// record. It is fatal when continuation was explicitly requested; a missing
// "latest" on a fresh run is not an error.
type CheckpointError struct {
	Tag string
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %q: %v", e.Tag, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by CheckpointError when a tag has no record.
var ErrNotFound = errors.New("no record for tag")

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// MonitorState is the serialized state of the early-stopping monitor.
type MonitorState struct {
	Metric                 string  `json:"metric"`
	Mode                   string  `json:"mode"`
	MinEpochs              int     `json:"min_epochs"`
	Patience               int     `json:"patience"`
	BestValue              float64 `json:"best_value"`
	HasBest                bool    `json:"has_best"`
	EpochsSinceImprovement int     `json:"epochs_since_improvement"`
	Stopped                bool    `json:"stopped"`
}

// SchedulerState is the serialized state of the learning rate scheduler.
type SchedulerState struct {
	Policy     string  `json:"policy"`
	CurrentLR  float64 `json:"current_lr"`
	BestMetric float64 `json:"best_metric"`
	HasBest    bool    `json:"has_best"`
	BadEpochs  int     `json:"bad_epochs"`
	Epoch      int     `json:"epoch"`
}

// RNGState captures the randomness of the run. Per-sample streams are derived
// from the base seed, epoch and sample index, so the base seed is the entire
// state needed to reproduce every stream after resume.
type RNGState struct {
	BaseSeed uint64 `json:"base_seed"`
}

// Metadata describes the provenance of a record.
type Metadata struct {
	Version    string    `json:"version"`
	Framework  string    `json:"framework"`
	RunID      string    `json:"run_id"`
	Experiment string    `json:"experiment"`
	CreatedAt  time.Time `json:"created_at"`
}

// Record is one complete snapshot of training state. Restoring every field of
// a record continues the run as if it had never been interrupted; in
// particular, Split is restored verbatim rather than recomputed.
type Record struct {
	Epoch          int                    `json:"epoch"`
	Iteration      int                    `json:"iteration"`
	ModelState     json.RawMessage        `json:"model_state"`
	OptimizerState *models.OptimizerState `json:"optimizer_state,omitempty"`
	Split          data.Split             `json:"split"`
	Monitor        MonitorState           `json:"monitor"`
	RNG            RNGState               `json:"rng"`
	Scheduler      SchedulerState         `json:"scheduler"`
	Metadata       Metadata               `json:"metadata"`
}

// envelope is the on-disk layout: the payload plus a checksum over its exact
// bytes, so a truncated or bit-flipped file fails loudly at load.
type envelope struct {
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

const formatVersion = "1"

// NewRunID returns a fresh run identifier for record metadata.
func NewRunID() string {
	return uuid.NewString()
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
