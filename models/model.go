package models

import (
	"encoding/json"
	"fmt"
	"math"

	"pctseg/volume"
)

// Batch is an ordered group of samples handed to the model in one forward
// pass. All samples share the spatial shape fixed by the loader.
type Batch struct {
	Samples []volume.Sample
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Samples) }

// Targets returns the flattened binary foreground targets of all samples in
// the batch, concatenated in sample order. Mask voxels greater than zero are
// foreground.
func (b Batch) Targets() []float32 {
	var total int
	for _, s := range b.Samples {
		total += s.Mask.VoxelsPerChannel()
	}
	out := make([]float32, 0, total)
	for _, s := range b.Samples {
		for _, v := range s.Mask.Data {
			if v > 0 {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	}
	return out
}

// Prediction holds per-voxel foreground probabilities for a batch,
// concatenated in sample order, aligned with Batch.Targets.
type Prediction struct {
	Probs []float32
}

// Model is the training system's view of the network. The internal layer
// graph is opaque; the orchestrator only drives forward/backward passes and
// moves parameter state in and out for checkpointing.
type Model interface {
	// Forward computes per-voxel predictions for the batch.
	Forward(batch Batch) (*Prediction, error)

	// Backward accumulates parameter gradients from the loss gradient with
	// respect to the last forward pass's prediction.
	Backward(lossGrad []float32) error

	// Parameters returns the flat parameter vector. The optimizer mutates it
	// in place.
	Parameters() []float32

	// Gradients returns the parameter gradients accumulated by Backward.
	Gradients() []float32

	// State serializes the model parameters for checkpointing.
	State() ([]byte, error)

	// LoadState restores parameters produced by State.
	LoadState(state []byte) error
}

// ModelConfig carries the sizing hyperparameters a factory needs to build a
// model collaborator.
type ModelConfig struct {
	ArchType       string
	NChannels      int
	NClasses       int
	FeatureScale   int
	DivisionFactor int
	InputNZ        int
}

// voxelModel is the bundled reference collaborator: a per-voxel logistic
// model over the input channels. It exists so that the orchestrator, the
// checkpoint round-trip, and the loss plumbing can be exercised end to end;
// real network architectures plug in through the same interface.
type voxelModel struct {
	arch      string
	nChannels int
	params    []float32 // one weight per channel plus a bias, last element
	grads     []float32
	lastBatch *Batch
	lastPred  *Prediction
}

func newVoxelModel(cfg ModelConfig) (*voxelModel, error) {
	if cfg.NChannels <= 0 {
		return nil, fmt.Errorf("model %q: n_channels must be positive, got %d", cfg.ArchType, cfg.NChannels)
	}
	m := &voxelModel{
		arch:      cfg.ArchType,
		nChannels: cfg.NChannels,
		params:    make([]float32, cfg.NChannels+1),
		grads:     make([]float32, cfg.NChannels+1),
	}
	// Small deterministic symmetric init keeps the first epochs stable.
	for c := 0; c < cfg.NChannels; c++ {
		m.params[c] = 0.01
	}
	return m, nil
}

func (m *voxelModel) Forward(batch Batch) (*Prediction, error) {
	if batch.Size() == 0 {
		return nil, fmt.Errorf("model %q: empty batch", m.arch)
	}
	var total int
	for _, s := range batch.Samples {
		if s.Image == nil || s.Mask == nil {
			return nil, fmt.Errorf("model %q: sample %d has nil image or mask", m.arch, s.Index)
		}
		if s.Image.Channels != m.nChannels {
			return nil, fmt.Errorf("model %q: expected %d channels, sample %d has %d",
				m.arch, m.nChannels, s.Index, s.Image.Channels)
		}
		total += s.Image.VoxelsPerChannel()
	}

	probs := make([]float32, 0, total)
	bias := m.params[m.nChannels]
	for _, s := range batch.Samples {
		n := s.Image.VoxelsPerChannel()
		for v := 0; v < n; v++ {
			z := float64(bias)
			for c := 0; c < m.nChannels; c++ {
				z += float64(m.params[c]) * float64(s.Image.Data[c*n+v])
			}
			probs = append(probs, float32(1/(1+math.Exp(-z))))
		}
	}

	pred := &Prediction{Probs: probs}
	m.lastBatch = &batch
	m.lastPred = pred
	return pred, nil
}

func (m *voxelModel) Backward(lossGrad []float32) error {
	if m.lastBatch == nil || m.lastPred == nil {
		return fmt.Errorf("model %q: Backward called before Forward", m.arch)
	}
	if len(lossGrad) != len(m.lastPred.Probs) {
		return fmt.Errorf("model %q: loss gradient length %d does not match prediction length %d",
			m.arch, len(lossGrad), len(m.lastPred.Probs))
	}

	for i := range m.grads {
		m.grads[i] = 0
	}

	offset := 0
	for _, s := range m.lastBatch.Samples {
		n := s.Image.VoxelsPerChannel()
		for v := 0; v < n; v++ {
			p := float64(m.lastPred.Probs[offset+v])
			// d p / d z for the logistic output.
			dz := float64(lossGrad[offset+v]) * p * (1 - p)
			for c := 0; c < m.nChannels; c++ {
				m.grads[c] += float32(dz * float64(s.Image.Data[c*n+v]))
			}
			m.grads[m.nChannels] += float32(dz)
		}
		offset += n
	}
	return nil
}

func (m *voxelModel) Parameters() []float32 { return m.params }
func (m *voxelModel) Gradients() []float32  { return m.grads }

type voxelModelState struct {
	Arch      string    `json:"arch"`
	NChannels int       `json:"n_channels"`
	Params    []float32 `json:"params"`
}

func (m *voxelModel) State() ([]byte, error) {
	return json.Marshal(voxelModelState{
		Arch:      m.arch,
		NChannels: m.nChannels,
		Params:    m.params,
	})
}

func (m *voxelModel) LoadState(state []byte) error {
	var s voxelModelState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("model %q: malformed state: %w", m.arch, err)
	}
	if s.NChannels != m.nChannels {
		return fmt.Errorf("model %q: state has %d channels, model expects %d", m.arch, s.NChannels, m.nChannels)
	}
	if len(s.Params) != len(m.params) {
		return fmt.Errorf("model %q: state has %d parameters, model expects %d", m.arch, len(s.Params), len(m.params))
	}
	copy(m.params, s.Params)
	return nil
}
