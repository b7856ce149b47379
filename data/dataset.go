package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"pctseg/volume"
)

// Dataset is the sample-loading collaborator. Get returns the raw,
// untransformed sample at an index.
type Dataset interface {
	Len() int
	Get(idx int) (volume.Sample, error)
}

// LoadError marks a sample that could not be read. Loading retries once and
// then skips the sample; a LoadError is only fatal if it empties the train
// split.
type LoadError struct {
	Index int
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("data: failed to load sample %d: %v", e.Index, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is (or wraps) a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// SliceDataset serves samples from memory.
type SliceDataset struct {
	samples []volume.Sample
}

// NewSliceDataset wraps a slice of samples.
func NewSliceDataset(samples []volume.Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

func (d *SliceDataset) Len() int { return len(d.samples) }

func (d *SliceDataset) Get(idx int) (volume.Sample, error) {
	if idx < 0 || idx >= len(d.samples) {
		return volume.Sample{}, &LoadError{Index: idx, Err: fmt.Errorf("index out of range [0, %d)", len(d.samples))}
	}
	s := d.samples[idx]
	s.Index = idx
	return s, nil
}

// fileSample is the on-disk JSON layout of one sample.
type fileSample struct {
	Image *volume.Volume `json:"image"`
	Mask  *volume.Volume `json:"mask"`
}

// FileDataset serves samples from one JSON file per sample under a data
// directory, ordered by filename.
type FileDataset struct {
	paths []string
}

// OpenFileDataset scans dir for sample files (*.json) and returns a dataset
// over them in lexical order.
func OpenFileDataset(dir string) (*FileDataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no sample files found in %s", dir)
	}
	return &FileDataset{paths: paths}, nil
}

func (d *FileDataset) Len() int { return len(d.paths) }

func (d *FileDataset) Get(idx int) (volume.Sample, error) {
	if idx < 0 || idx >= len(d.paths) {
		return volume.Sample{}, &LoadError{Index: idx, Err: fmt.Errorf("index out of range [0, %d)", len(d.paths))}
	}
	raw, err := os.ReadFile(d.paths[idx])
	if err != nil {
		return volume.Sample{}, &LoadError{Index: idx, Err: err}
	}
	var fs fileSample
	if err := json.Unmarshal(raw, &fs); err != nil {
		return volume.Sample{}, &LoadError{Index: idx, Err: fmt.Errorf("malformed sample file %s: %w", d.paths[idx], err)}
	}
	if fs.Image == nil || fs.Mask == nil {
		return volume.Sample{}, &LoadError{Index: idx, Err: fmt.Errorf("sample file %s is missing image or mask", d.paths[idx])}
	}
	return volume.Sample{Index: idx, Image: fs.Image, Mask: fs.Mask}, nil
}
