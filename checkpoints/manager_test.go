package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pctseg/data"
	"pctseg/models"
)

func testRecord(epoch int) *Record {
	return &Record{
		Epoch:      epoch,
		Iteration:  epoch * 10,
		ModelState: json.RawMessage(`{"arch":"unet","n_channels":2,"params":[0.1,0.2,0]}`),
		OptimizerState: &models.OptimizerState{
			Type:         "SGD",
			LearningRate: 0.001,
			Momentum:     0.9,
			StepCount:    uint64(epoch * 10),
			Velocity:     []float32{0.01, -0.02, 0.005},
		},
		Split: data.Split{
			Train: []int{3, 0, 4},
			Val:   []int{1},
			Test:  []int{2},
		},
		Monitor: MonitorState{
			Metric:    "Seg_Loss",
			Mode:      "min",
			MinEpochs: 15,
			Patience:  10,
			BestValue: 0.42,
			HasBest:   true,
		},
		RNG:       RNGState{BaseSeed: 42},
		Scheduler: SchedulerState{Policy: "step", CurrentLR: 0.001},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	want := testRecord(7)
	if err := m.Save(want, TagLatest); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	got, err := m.Load(TagLatest)
	if err != nil {
		t.Fatalf("Failed to load record: %v", err)
	}

	if got.Epoch != 7 || got.Iteration != 70 {
		t.Errorf("Expected epoch 7 iteration 70, got %d/%d", got.Epoch, got.Iteration)
	}
	if string(got.ModelState) != string(want.ModelState) {
		t.Errorf("Model state mismatch: %s", got.ModelState)
	}
	if got.OptimizerState == nil || got.OptimizerState.StepCount != 70 {
		t.Errorf("Optimizer state not restored: %+v", got.OptimizerState)
	}
	if len(got.Split.Train) != 3 || got.Split.Train[0] != 3 {
		t.Errorf("Split not restored verbatim: %+v", got.Split)
	}
	if got.Monitor.BestValue != 0.42 || !got.Monitor.HasBest {
		t.Errorf("Monitor state not restored: %+v", got.Monitor)
	}
	if got.RNG.BaseSeed != 42 {
		t.Errorf("Expected base seed 42, got %d", got.RNG.BaseSeed)
	}
	if got.Metadata.Version != "1" || got.Metadata.Experiment != "exp" {
		t.Errorf("Metadata not stamped: %+v", got.Metadata)
	}
	if got.Metadata.RunID == "" {
		t.Error("Expected a run ID in metadata")
	}
}

func TestLoadMissingTag(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	_, err = m.Load(TagBest)
	if err == nil {
		t.Fatal("Expected an error for a missing tag")
	}
	if !IsNotFound(err) {
		t.Errorf("Expected a not-found error, got %v", err)
	}
}

func TestLoadCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := m.Save(testRecord(1), TagLatest); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	path := filepath.Join(dir, "exp", "latest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read record file: %v", err)
	}
	// Flip a digit inside the payload without breaking the JSON syntax.
	tampered := strings.Replace(string(raw), `"epoch":1`, `"epoch":2`, 1)
	if tampered == string(raw) {
		t.Fatal("Tampering had no effect on the record file")
	}
	if err := os.WriteFile(path, []byte(tampered), 0644); err != nil {
		t.Fatalf("Failed to write tampered record: %v", err)
	}

	_, err = m.Load(TagLatest)
	if err == nil {
		t.Fatal("Expected a checksum error for a tampered record")
	}
	if IsNotFound(err) {
		t.Error("Corruption must not look like a missing record")
	}
	if !strings.Contains(err.Error(), "checksum") {
		t.Errorf("Expected a checksum error, got %v", err)
	}
}

func TestSaveSupersedesTag(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	if err := m.Save(testRecord(1), TagLatest); err != nil {
		t.Fatalf("Failed to save first record: %v", err)
	}
	if err := m.Save(testRecord(2), TagLatest); err != nil {
		t.Fatalf("Failed to save second record: %v", err)
	}

	got, err := m.Load(TagLatest)
	if err != nil {
		t.Fatalf("Failed to load record: %v", err)
	}
	if got.Epoch != 2 {
		t.Errorf("Expected the superseding record (epoch 2), got epoch %d", got.Epoch)
	}
}

func TestTagsAreIndependent(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	if err := m.Save(testRecord(3), TagLatest); err != nil {
		t.Fatalf("Failed to save latest: %v", err)
	}
	if err := m.Save(testRecord(1), TagBest); err != nil {
		t.Fatalf("Failed to save best: %v", err)
	}
	if err := m.Save(testRecord(2), TagEpoch(2)); err != nil {
		t.Fatalf("Failed to save epoch record: %v", err)
	}

	for tag, wantEpoch := range map[string]int{
		TagLatest:   3,
		TagBest:     1,
		TagEpoch(2): 2,
	} {
		got, err := m.Load(tag)
		if err != nil {
			t.Fatalf("Failed to load %s: %v", tag, err)
		}
		if got.Epoch != wantEpoch {
			t.Errorf("Tag %s: expected epoch %d, got %d", tag, wantEpoch, got.Epoch)
		}
	}
}

func TestExists(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	if m.Exists(TagLatest) {
		t.Error("Exists reported a record before any save")
	}
	if err := m.Save(testRecord(1), TagLatest); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if !m.Exists(TagLatest) {
		t.Error("Exists missed a saved record")
	}
}

func TestResolveEpoch(t *testing.T) {
	if got := ResolveEpoch(-1); got != TagLatest {
		t.Errorf("Expected latest tag for -1, got %q", got)
	}
	if got := ResolveEpoch(12); got != "epoch_12" {
		t.Errorf("Expected epoch_12, got %q", got)
	}
}

func TestSaveRejectsNilRecord(t *testing.T) {
	m, err := NewManager(t.TempDir(), "exp")
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := m.Save(nil, TagLatest); err == nil {
		t.Fatal("Expected an error for a nil record")
	}
}

func TestNewManagerRejectsEmptyExperiment(t *testing.T) {
	if _, err := NewManager(t.TempDir(), ""); err == nil {
		t.Fatal("Expected an error for an empty experiment name")
	}
}
