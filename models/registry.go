package models

import (
	"fmt"
	"sort"
)

// The config's model_type, arch_type and criterion keys select among
// registered constructors. The registries are populated at init time; tests
// and downstream users may register additional implementations.

// ArchFactory builds a model collaborator for a registered architecture.
type ArchFactory func(cfg ModelConfig) (Model, error)

// CriterionFactory builds a loss criterion.
type CriterionFactory func() Criterion

var (
	archRegistry      = map[string]ArchFactory{}
	modelTypeRegistry = map[string]struct{}{}
	criterionRegistry = map[string]CriterionFactory{}
)

// RegisterArch registers an architecture constructor under a name.
func RegisterArch(name string, factory ArchFactory) {
	archRegistry[name] = factory
}

// RegisterModelType registers a model type key.
func RegisterModelType(name string) {
	modelTypeRegistry[name] = struct{}{}
}

// RegisterCriterion registers a criterion constructor under a name.
func RegisterCriterion(name string, factory CriterionFactory) {
	criterionRegistry[name] = factory
}

// ArchRegistered reports whether an architecture name resolves.
func ArchRegistered(name string) bool {
	_, ok := archRegistry[name]
	return ok
}

// ModelTypeRegistered reports whether a model type name resolves.
func ModelTypeRegistered(name string) bool {
	_, ok := modelTypeRegistry[name]
	return ok
}

// CriterionRegistered reports whether a criterion name resolves.
func CriterionRegistered(name string) bool {
	_, ok := criterionRegistry[name]
	return ok
}

// NewModel builds the model registered under cfg.ArchType.
func NewModel(cfg ModelConfig) (Model, error) {
	factory, ok := archRegistry[cfg.ArchType]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q", cfg.ArchType)
	}
	return factory(cfg)
}

// NewCriterion builds the criterion registered under name.
func NewCriterion(name string) (Criterion, error) {
	factory, ok := criterionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown criterion %q", name)
	}
	return factory(), nil
}

// RegisteredArchs returns the sorted architecture names.
func RegisteredArchs() []string {
	return sortedKeys(archRegistry)
}

// RegisteredModelTypes returns the sorted model type names.
func RegisteredModelTypes() []string {
	names := make([]string, 0, len(modelTypeRegistry))
	for name := range modelTypeRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisteredCriteria returns the sorted criterion names.
func RegisteredCriteria() []string {
	names := make([]string, 0, len(criterionRegistry))
	for name := range criterionRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]ArchFactory) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	// Architecture keys of the perfusion-CT segmentation networks. The layer
	// graphs themselves live behind the Model interface; the bundled
	// constructor is the reference collaborator.
	for _, arch := range []string{
		"unet",
		"unet_nonlocal",
		"unet_grid_gating",
		"unet_pct_multi_att_dsv",
		"unet_pct_multi_att_dsv_25D_poolZ",
		"unet_pct_multi_att_dsv_25D_convZ",
	} {
		name := arch
		RegisterArch(name, func(cfg ModelConfig) (Model, error) {
			cfg.ArchType = name
			return newVoxelModel(cfg)
		})
	}

	RegisterModelType("segmentation")
	RegisterModelType("cascading_segmentation")

	RegisterCriterion("focal_tversky", func() Criterion { return NewFocalTverskyLoss() })
	RegisterCriterion("tversky", func() Criterion { return NewTverskyLoss(0.7, 0.3) })
	RegisterCriterion("dice", func() Criterion { return NewDiceLoss() })
	RegisterCriterion("cross_entropy", func() Criterion { return &CrossEntropyLoss{} })
}
