package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"pctseg/models"
)

// ValidationError is returned for any malformed, missing, or out-of-range
// configuration value. Validation errors are fatal and surface before any
// training state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for the given dotted field path.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FlexBool accepts JSON booleans as well as the string forms "True"/"False"
// (and their lowercase variants) used by the source configuration files.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
		return nil
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("cannot parse %q as boolean", v)
		}
		*b = FlexBool(parsed)
		return nil
	default:
		return fmt.Errorf("cannot parse %T as boolean", raw)
	}
}

func (b FlexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Bool returns the underlying value.
func (b FlexBool) Bool() bool { return bool(b) }

// Training holds the epoch-loop hyperparameters.
type Training struct {
	BatchSize     int      `json:"batch_size"`
	NEpochs       int      `json:"n_epochs"`
	LearningRate  float64  `json:"lr"`
	LRPolicy      string   `json:"lr_policy"`
	LRDecayIters  int      `json:"lr_decay_iters"`
	LRGamma       float64  `json:"lr_gamma"`
	Momentum      float64  `json:"momentum"`
	WeightDecay   float64  `json:"weight_decay"`
	Criterion     string   `json:"criterion"`
	MonitorMetric string   `json:"monitor_metric"`
	MonitorMode   string   `json:"monitor_mode"`
	MinEpochs     int      `json:"min_epochs"`
	Patience      int      `json:"patience"`
	SaveEpochFreq int      `json:"save_epoch_freq"`
	ContinueTrain FlexBool `json:"continue_train"`
	WhichEpoch    int      `json:"which_epoch"`
	Seed          int64    `json:"seed"`
	NumWorkers    int      `json:"num_workers"`
}

// Visualisation is parsed and validated but drives nothing in this module;
// the display subsystem is an external collaborator.
type Visualisation struct {
	Display     FlexBool `json:"display"`
	DisplayPort int      `json:"display_port"`
	DisplayFreq int      `json:"display_freq"`
	DisplayEnv  string   `json:"display_env"`
}

// DataSplit holds the train/validation/test partition ratios and the seed
// driving the deterministic permutation.
type DataSplit struct {
	TrainSize      float64 `json:"train_size"`
	ValidationSize float64 `json:"validation_size"`
	TestSize       float64 `json:"test_size"`
	Seed           int64   `json:"seed"`
}

// DataOpts describes the dataset geometry and domain tag.
type DataOpts struct {
	Dataset   string `json:"dataset"`
	ScaleSize [3]int `json:"scale_size"`
	NChannels int    `json:"n_channels"`
	NClasses  int    `json:"n_classes"`
}

// Augmentation holds the per-transform parameters of the stochastic
// augmentation pipeline. Probabilities gate each transform independently.
type Augmentation struct {
	PFlip              float64  `json:"p_flip"`
	PAffine            float64  `json:"p_affine"`
	PElastic           float64  `json:"p_elastic"`
	PNoise             float64  `json:"p_noise"`
	RotationDegrees    float64  `json:"rotation_degrees"`
	ScaleMin           float64  `json:"scale_min"`
	ScaleMax           float64  `json:"scale_max"`
	ShiftVoxels        float64  `json:"shift_voxels"`
	MaxDeformation     float64  `json:"max_deformation"`
	ElasticCtrlPoints  int      `json:"elastic_control_points"`
	LockedBorders      int      `json:"locked_borders"`
	NoiseStdMax        float64  `json:"noise_std_max"`
	Prudent            FlexBool `json:"prudent"`
}

// Model selects the network architecture and its sizing hyperparameters.
type Model struct {
	ModelType      string   `json:"model_type"`
	ArchType       string   `json:"arch_type"`
	TensorDim      string   `json:"tensor_dim"`
	FeatureScale   int      `json:"feature_scale"`
	DivisionFactor int      `json:"division_factor"`
	InputNZ        int      `json:"input_nz"`
	GPUIDs         []int    `json:"gpu_ids"`
	IsTrain        FlexBool `json:"isTrain"`
	CheckpointsDir string   `json:"checkpoints_dir"`
	ExperimentName string   `json:"experiment_name"`
}

// Config is the immutable, validated configuration of a training run. It is
// loaded once and passed explicitly to every component that needs it.
type Config struct {
	Training      Training      `json:"training"`
	Visualisation Visualisation `json:"visualisation"`
	DataSplit     DataSplit     `json:"data_split"`
	DataPath      string        `json:"data_path"`
	DataOpts      DataOpts      `json:"data_opts"`
	Augmentation  Augmentation  `json:"augmentation"`
	Model         Model         `json:"model"`
}

// Load reads, parses and validates a configuration file. Unknown keys are
// ignored; missing required keys and out-of-range values fail with a
// ValidationError.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, Invalid("(file)", "malformed JSON: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates configuration from an in-memory JSON document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, Invalid("(document)", "malformed JSON: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Training: Training{
			BatchSize:     1,
			LRGamma:       0.1,
			MonitorMetric: "Seg_Loss",
			SaveEpochFreq: 5,
			WhichEpoch:    -1,
			NumWorkers:    1,
		},
		DataOpts: DataOpts{
			Dataset: "gsd_pCT",
		},
		Augmentation: Augmentation{
			ScaleMin: 1,
			ScaleMax: 1,
		},
		Model: Model{
			TensorDim:      "3D",
			FeatureScale:   4,
			DivisionFactor: 1,
			CheckpointsDir: "./checkpoints",
		},
	}
}

// Validate checks every invariant of the configuration. It is called by Load
// and Parse; a Config that fails Validate must not be handed to components.
func (c *Config) Validate() error {
	t := c.Training
	if t.BatchSize <= 0 {
		return Invalid("training.batch_size", "must be positive, got %d", t.BatchSize)
	}
	if t.NEpochs <= 0 {
		return Invalid("training.n_epochs", "must be positive, got %d", t.NEpochs)
	}
	if t.LearningRate <= 0 {
		return Invalid("training.lr", "must be positive, got %g", t.LearningRate)
	}
	switch t.LRPolicy {
	case "step", "plateau", "cosine", "constant":
	default:
		return Invalid("training.lr_policy", "unknown policy %q", t.LRPolicy)
	}
	if t.LRPolicy == "step" && t.LRDecayIters <= 0 {
		return Invalid("training.lr_decay_iters", "must be positive for step policy, got %d", t.LRDecayIters)
	}
	if t.LRGamma <= 0 || t.LRGamma >= 1 {
		return Invalid("training.lr_gamma", "must be in (0,1), got %g", t.LRGamma)
	}
	if t.Momentum < 0 || t.Momentum > 1 {
		return Invalid("training.momentum", "must be in [0,1], got %g", t.Momentum)
	}
	if t.WeightDecay < 0 {
		return Invalid("training.weight_decay", "must be non-negative, got %g", t.WeightDecay)
	}
	if !models.CriterionRegistered(t.Criterion) {
		return Invalid("training.criterion", "unknown criterion %q (registered: %s)",
			t.Criterion, strings.Join(models.RegisteredCriteria(), ", "))
	}
	if t.MonitorMetric == "" {
		return Invalid("training.monitor_metric", "must not be empty")
	}
	// The improvement direction of the monitored metric is deliberately
	// mandatory: it cannot be inferred from the metric name.
	if t.MonitorMode != "min" && t.MonitorMode != "max" {
		return Invalid("training.monitor_mode", `must be "min" or "max", got %q`, t.MonitorMode)
	}
	if t.MinEpochs < 0 {
		return Invalid("training.min_epochs", "must be non-negative, got %d", t.MinEpochs)
	}
	if t.Patience <= 0 {
		return Invalid("training.patience", "must be positive, got %d", t.Patience)
	}
	if t.SaveEpochFreq < 0 {
		return Invalid("training.save_epoch_freq", "must be non-negative, got %d", t.SaveEpochFreq)
	}
	if t.WhichEpoch < -1 {
		return Invalid("training.which_epoch", "must be -1 (latest) or a concrete epoch, got %d", t.WhichEpoch)
	}
	if t.NumWorkers <= 0 {
		return Invalid("training.num_workers", "must be positive, got %d", t.NumWorkers)
	}

	s := c.DataSplit
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"data_split.train_size", s.TrainSize},
		{"data_split.validation_size", s.ValidationSize},
		{"data_split.test_size", s.TestSize},
	} {
		if r.value < 0 || r.value > 1 {
			return Invalid(r.name, "must be in [0,1], got %g", r.value)
		}
	}
	if sum := s.TrainSize + s.ValidationSize + s.TestSize; sum < 1-RatioTolerance || sum > 1+RatioTolerance {
		return Invalid("data_split", "sizes must sum to 1 within %g, got %g", RatioTolerance, sum)
	}

	if c.DataPath == "" {
		return Invalid("data_path", "must not be empty")
	}

	d := c.DataOpts
	for i, dim := range d.ScaleSize {
		if dim <= 0 {
			return Invalid("data_opts.scale_size", "dimension %d must be positive, got %d", i, dim)
		}
	}
	if d.NChannels <= 0 {
		return Invalid("data_opts.n_channels", "must be positive, got %d", d.NChannels)
	}
	if d.NClasses <= 0 {
		return Invalid("data_opts.n_classes", "must be positive, got %d", d.NClasses)
	}

	if err := c.validateAugmentation(); err != nil {
		return err
	}

	m := c.Model
	if !models.ModelTypeRegistered(m.ModelType) {
		return Invalid("model.model_type", "unknown model type %q (registered: %s)",
			m.ModelType, strings.Join(models.RegisteredModelTypes(), ", "))
	}
	if !models.ArchRegistered(m.ArchType) {
		return Invalid("model.arch_type", "unknown architecture %q (registered: %s)",
			m.ArchType, strings.Join(models.RegisteredArchs(), ", "))
	}
	if m.TensorDim != "2D" && m.TensorDim != "3D" {
		return Invalid("model.tensor_dim", `must be "2D" or "3D", got %q`, m.TensorDim)
	}
	if m.FeatureScale <= 0 {
		return Invalid("model.feature_scale", "must be positive, got %d", m.FeatureScale)
	}
	if m.DivisionFactor <= 0 {
		return Invalid("model.division_factor", "must be positive, got %d", m.DivisionFactor)
	}
	if m.IsTrain.Bool() && len(m.GPUIDs) == 0 {
		return Invalid("model.gpu_ids", "must not be empty when isTrain is true")
	}
	if m.CheckpointsDir == "" {
		return Invalid("model.checkpoints_dir", "must not be empty")
	}
	if m.ExperimentName == "" {
		return Invalid("model.experiment_name", "must not be empty")
	}

	return nil
}

func (c *Config) validateAugmentation() error {
	a := c.Augmentation
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"augmentation.p_flip", a.PFlip},
		{"augmentation.p_affine", a.PAffine},
		{"augmentation.p_elastic", a.PElastic},
		{"augmentation.p_noise", a.PNoise},
	} {
		if p.value < 0 || p.value > 1 {
			return Invalid(p.name, "probability must be in [0,1], got %g", p.value)
		}
	}
	if a.RotationDegrees < 0 {
		return Invalid("augmentation.rotation_degrees", "must be non-negative, got %g", a.RotationDegrees)
	}
	if a.ScaleMin <= 0 {
		return Invalid("augmentation.scale_min", "must be positive, got %g", a.ScaleMin)
	}
	if a.ScaleMax < a.ScaleMin {
		return Invalid("augmentation.scale_max", "must be >= scale_min, got %g < %g", a.ScaleMax, a.ScaleMin)
	}
	if a.ShiftVoxels < 0 {
		return Invalid("augmentation.shift_voxels", "must be non-negative, got %g", a.ShiftVoxels)
	}
	if a.MaxDeformation < 0 {
		return Invalid("augmentation.max_deformation", "must be non-negative, got %g", a.MaxDeformation)
	}
	if a.PElastic > 0 && a.ElasticCtrlPoints < 2 {
		return Invalid("augmentation.elastic_control_points", "need at least 2 control points per axis, got %d", a.ElasticCtrlPoints)
	}
	if a.LockedBorders < 0 {
		return Invalid("augmentation.locked_borders", "must be non-negative, got %d", a.LockedBorders)
	}
	if a.PElastic > 0 && a.ElasticCtrlPoints > 0 && a.LockedBorders*2 >= a.ElasticCtrlPoints {
		return Invalid("augmentation.locked_borders", "locking %d borders leaves no free control points out of %d",
			a.LockedBorders, a.ElasticCtrlPoints)
	}
	if a.NoiseStdMax < 0 {
		return Invalid("augmentation.noise_std_max", "must be non-negative, got %g", a.NoiseStdMax)
	}
	return nil
}

// RatioTolerance is the allowed deviation of the split ratio sum from 1.
const RatioTolerance = 1e-6
