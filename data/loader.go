package data

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"pctseg/augment"
	"pctseg/models"
	"pctseg/volume"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize   int
	NumWorkers  int
	ScaleSize   [3]int
	Standardize bool
	RunSeed     uint64
}

// Loader produces the per-epoch batch sequence for one partition of the
// dataset. Samples are loaded and augmented by a pool of parallel workers;
// each sample's randomness comes from its own substream derived from
// (run seed, epoch, sample index), so the epoch output is deterministic
// regardless of worker scheduling. A sample that fails to load is retried
// once and then skipped with a warning.
type Loader struct {
	dataset  Dataset
	indices  []int
	pipeline *augment.Pipeline // nil disables augmentation (val/test)
	cfg      LoaderConfig
}

// EpochStats reports what the loader did for one epoch.
type EpochStats struct {
	Loaded  int
	Skipped int
}

// NewLoader creates a loader over the given partition indices. pipeline may
// be nil for validation and test partitions.
func NewLoader(dataset Dataset, indices []int, pipeline *augment.Pipeline, cfg LoaderConfig) (*Loader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("data: nil dataset")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("data: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	for i, dim := range cfg.ScaleSize {
		if dim <= 0 {
			return nil, fmt.Errorf("data: scale_size dimension %d must be positive, got %d", i, dim)
		}
	}
	return &Loader{
		dataset:  dataset,
		indices:  indices,
		pipeline: pipeline,
		cfg:      cfg,
	}, nil
}

// Len returns the number of samples in the loader's partition.
func (l *Loader) Len() int { return len(l.indices) }

// Epoch loads, transforms and batches the partition for one epoch. Batch
// order follows the partition's index order, so two runs with the same seed
// produce identical epochs.
func (l *Loader) Epoch(epoch int) ([]models.Batch, EpochStats, error) {
	results := make([]volume.Sample, len(l.indices))
	loaded := make([]bool, len(l.indices))

	g := new(errgroup.Group)
	g.SetLimit(l.cfg.NumWorkers)
	for pos, idx := range l.indices {
		pos, idx := pos, idx
		g.Go(func() error {
			s, err := l.loadOne(idx)
			if err != nil {
				fmt.Printf("Warning: skipping sample %d: %v\n", idx, err)
				return nil
			}
			s, err = l.transform(s, epoch)
			if err != nil {
				return err
			}
			results[pos] = s
			loaded[pos] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, EpochStats{}, err
	}

	var stats EpochStats
	var batches []models.Batch
	current := models.Batch{}
	for pos := range results {
		if !loaded[pos] {
			stats.Skipped++
			continue
		}
		stats.Loaded++
		current.Samples = append(current.Samples, results[pos])
		if len(current.Samples) == l.cfg.BatchSize {
			batches = append(batches, current)
			current = models.Batch{}
		}
	}
	if len(current.Samples) > 0 {
		batches = append(batches, current)
	}
	return batches, stats, nil
}

// loadOne reads a sample, retrying once on failure.
func (l *Loader) loadOne(idx int) (volume.Sample, error) {
	s, err := l.dataset.Get(idx)
	if err == nil {
		return s, nil
	}
	s, retryErr := l.dataset.Get(idx)
	if retryErr == nil {
		return s, nil
	}
	return volume.Sample{}, &LoadError{Index: idx, Err: err}
}

// transform applies augmentation (train) or the bare conform step (val/test),
// then standardizes the image channels.
func (l *Loader) transform(s volume.Sample, epoch int) (volume.Sample, error) {
	if l.pipeline != nil {
		stream := augment.StreamFor(l.cfg.RunSeed, epoch, s.Index)
		out, err := l.pipeline.Apply(s, stream)
		if err != nil {
			return volume.Sample{}, fmt.Errorf("augmentation of sample %d failed: %w", s.Index, err)
		}
		s = out
	} else {
		image, err := s.Image.PadCropTo(l.cfg.ScaleSize, 0)
		if err != nil {
			return volume.Sample{}, fmt.Errorf("conforming sample %d failed: %w", s.Index, err)
		}
		mask, err := s.Mask.PadCropTo(l.cfg.ScaleSize, 0)
		if err != nil {
			return volume.Sample{}, fmt.Errorf("conforming sample %d failed: %w", s.Index, err)
		}
		s = volume.Sample{Index: s.Index, Image: image, Mask: mask}
	}
	if l.cfg.Standardize {
		s.Image.Standardize()
	}
	return s, nil
}
