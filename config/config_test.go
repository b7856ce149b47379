package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocument() map[string]interface{} {
	return map[string]interface{}{
		"training": map[string]interface{}{
			"batch_size":      2,
			"n_epochs":        50,
			"lr":              0.001,
			"lr_policy":       "step",
			"lr_decay_iters":  100,
			"lr_gamma":        0.5,
			"momentum":        0.9,
			"weight_decay":    0.0001,
			"criterion":       "focal_tversky",
			"monitor_metric":  "Seg_Loss",
			"monitor_mode":    "min",
			"min_epochs":      15,
			"patience":        10,
			"save_epoch_freq": 5,
			"continue_train":  "False",
			"which_epoch":     -1,
			"seed":            42,
			"num_workers":     2,
		},
		"data_split": map[string]interface{}{
			"train_size":      0.7,
			"validation_size": 0.15,
			"test_size":       0.15,
			"seed":            42,
		},
		"data_path": "/data/gsd",
		"data_opts": map[string]interface{}{
			"dataset":    "gsd_pCT",
			"scale_size": []int{16, 16, 8},
			"n_channels": 4,
			"n_classes":  2,
		},
		"augmentation": map[string]interface{}{
			"p_flip":                 0.5,
			"p_affine":               0.5,
			"p_elastic":              0.5,
			"p_noise":                0.5,
			"rotation_degrees":       10,
			"scale_min":              0.9,
			"scale_max":              1.1,
			"shift_voxels":           2,
			"max_deformation":        4,
			"elastic_control_points": 6,
			"locked_borders":         2,
			"noise_std_max":          0.1,
			"prudent":                "True",
		},
		"model": map[string]interface{}{
			"model_type":      "segmentation",
			"arch_type":       "unet_pct_multi_att_dsv",
			"tensor_dim":      "3D",
			"feature_scale":   4,
			"division_factor": 16,
			"input_nz":        8,
			"gpu_ids":         []int{0},
			"isTrain":         "True",
			"checkpoints_dir": "./checkpoints",
			"experiment_name": "test_run",
		},
	}
}

func parseDocument(t *testing.T, doc map[string]interface{}) (*Config, error) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return Parse(raw)
}

func TestParseValidConfig(t *testing.T) {
	cfg, err := parseDocument(t, validDocument())
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Training.BatchSize)
	assert.Equal(t, "focal_tversky", cfg.Training.Criterion)
	assert.Equal(t, "min", cfg.Training.MonitorMode)
	assert.Equal(t, int64(42), cfg.Training.Seed)
	assert.Equal(t, [3]int{16, 16, 8}, cfg.DataOpts.ScaleSize)
	assert.False(t, cfg.Training.ContinueTrain.Bool())
	assert.True(t, cfg.Augmentation.Prudent.Bool())
	assert.True(t, cfg.Model.IsTrain.Bool())
}

func TestFlexBoolAcceptsStringsAndBooleans(t *testing.T) {
	cases := map[string]bool{
		`true`: true, `false`: false,
		`"True"`: true, `"False"`: false,
		`"true"`: true, `"false"`: false,
	}
	for raw, want := range cases {
		var b FlexBool
		require.NoError(t, json.Unmarshal([]byte(raw), &b), raw)
		assert.Equal(t, want, b.Bool(), raw)
	}

	var b FlexBool
	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &b))
	assert.Error(t, json.Unmarshal([]byte(`1`), &b))
}

func TestRatiosMustSumToOne(t *testing.T) {
	doc := validDocument()
	doc["data_split"].(map[string]interface{})["train_size"] = 0.6

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "data_split")
}

func TestRatioToleranceAllowsFloatNoise(t *testing.T) {
	doc := validDocument()
	split := doc["data_split"].(map[string]interface{})
	split["train_size"] = 0.7000000001
	split["validation_size"] = 0.15
	split["test_size"] = 0.15

	_, err := parseDocument(t, doc)
	assert.NoError(t, err)
}

func TestUnknownCriterionRejected(t *testing.T) {
	doc := validDocument()
	doc["training"].(map[string]interface{})["criterion"] = "hinge"

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "criterion")
}

func TestUnknownArchRejected(t *testing.T) {
	doc := validDocument()
	doc["model"].(map[string]interface{})["arch_type"] = "resnet"

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "arch_type")
}

func TestMonitorModeIsMandatory(t *testing.T) {
	doc := validDocument()
	delete(doc["training"].(map[string]interface{}), "monitor_mode")

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "monitor_mode")
}

func TestGPUIDsRequiredForTraining(t *testing.T) {
	doc := validDocument()
	doc["model"].(map[string]interface{})["gpu_ids"] = []int{}

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "gpu_ids")
}

func TestStepPolicyRequiresDecayIters(t *testing.T) {
	doc := validDocument()
	doc["training"].(map[string]interface{})["lr_decay_iters"] = 0

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestUnknownLRPolicyRejected(t *testing.T) {
	doc := validDocument()
	doc["training"].(map[string]interface{})["lr_policy"] = "linear"

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "lr_policy")
}

func TestLockedBordersMustLeaveFreeControlPoints(t *testing.T) {
	doc := validDocument()
	doc["augmentation"].(map[string]interface{})["locked_borders"] = 3

	_, err := parseDocument(t, doc)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "locked_borders")
}

func TestMalformedJSONIsValidationError(t *testing.T) {
	_, err := Parse([]byte(`{"training": `))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestLoadFromFile(t *testing.T) {
	raw, err := json.Marshal(validDocument())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test_run", cfg.Model.ExperimentName)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestUnknownKeysIgnored(t *testing.T) {
	doc := validDocument()
	doc["future_section"] = map[string]interface{}{"flag": true}

	_, err := parseDocument(t, doc)
	assert.NoError(t, err)
}
