package task

import (
	"sort"
	"sync"

	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Builder Functions
// ============================================================================

// ModelBuilder constructs a model from the run configuration
type ModelBuilder func(cfg *config.Config) (Model, error)

// CriterionBuilder constructs a criterion from the run configuration
type CriterionBuilder func(cfg *config.Config) (Criterion, error)

// DatasetBuilder constructs a dataset from the run configuration
type DatasetBuilder func(cfg *config.Config) (Dataset, error)

// ============================================================================
// Registry
// ============================================================================

// Registry maps registered names to model, criterion and dataset builders.
// Lookups against unknown names fail with a configuration error instead of
// falling back to reflection over type names.
type Registry struct {
	mu         sync.RWMutex
	models     map[string]ModelBuilder
	criterions map[string]CriterionBuilder
	datasets   map[string]DatasetBuilder
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		models:     make(map[string]ModelBuilder),
		criterions: make(map[string]CriterionBuilder),
		datasets:   make(map[string]DatasetBuilder),
	}
}

// RegisterModel registers a model builder under a unique name
func (r *Registry) RegisterModel(name string, builder ModelBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[name]; exists {
		return errors.ConfigErrorf("model %q is already registered", name)
	}
	r.models[name] = builder
	return nil
}

// RegisterCriterion registers a criterion builder under a unique name
func (r *Registry) RegisterCriterion(name string, builder CriterionBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.criterions[name]; exists {
		return errors.ConfigErrorf("criterion %q is already registered", name)
	}
	r.criterions[name] = builder
	return nil
}

// RegisterDataset registers a dataset builder under a unique name
func (r *Registry) RegisterDataset(name string, builder DatasetBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[name]; exists {
		return errors.ConfigErrorf("dataset %q is already registered", name)
	}
	r.datasets[name] = builder
	return nil
}

// BuildModel constructs the named model
func (r *Registry) BuildModel(name string, cfg *config.Config) (Model, error) {
	r.mu.RLock()
	builder, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewFromCodef(errors.ErrConfUnknownVariant,
			"unknown model %q (registered: %v)", name, r.Models())
	}
	return builder(cfg)
}

// BuildCriterion constructs the named criterion
func (r *Registry) BuildCriterion(name string, cfg *config.Config) (Criterion, error) {
	r.mu.RLock()
	builder, ok := r.criterions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewFromCodef(errors.ErrConfUnknownVariant,
			"unknown criterion %q (registered: %v)", name, r.Criterions())
	}
	return builder(cfg)
}

// BuildDataset constructs the named dataset
func (r *Registry) BuildDataset(name string, cfg *config.Config) (Dataset, error) {
	r.mu.RLock()
	builder, ok := r.datasets[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewFromCodef(errors.ErrConfUnknownVariant,
			"unknown dataset %q (registered: %v)", name, r.Datasets())
	}
	return builder(cfg)
}

// Models returns the registered model names in sorted order
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.models)
}

// Criterions returns the registered criterion names in sorted order
func (r *Registry) Criterions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.criterions)
}

// Datasets returns the registered dataset names in sorted order
func (r *Registry) Datasets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.datasets)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Default Registry
// ============================================================================

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that task packages register
// their builders into at init time
func Default() *Registry {
	return defaultRegistry
}

// MustRegisterModel registers into the default registry and panics on
// duplicate names, for use from package init functions
func MustRegisterModel(name string, builder ModelBuilder) {
	if err := defaultRegistry.RegisterModel(name, builder); err != nil {
		panic(err)
	}
}

// MustRegisterCriterion registers into the default registry and panics on
// duplicate names
func MustRegisterCriterion(name string, builder CriterionBuilder) {
	if err := defaultRegistry.RegisterCriterion(name, builder); err != nil {
		panic(err)
	}
}

// MustRegisterDataset registers into the default registry and panics on
// duplicate names
func MustRegisterDataset(name string, builder DatasetBuilder) {
	if err := defaultRegistry.RegisterDataset(name, builder); err != nil {
		panic(err)
	}
}
