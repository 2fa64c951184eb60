// Package registry maps database families to the factories that open their
// source and target capabilities. Implementations self-register in init().
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/logger"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Options carries engine settings a capability may need when opening
type Options struct {
	Logger *zap.Logger
	// ObjectPrefix is used by object stores whose connection sets none
	ObjectPrefix string
	// MaxConns caps pooled connections
	MaxConns int32
}

// SourceFactory opens a source capability for a connection
type SourceFactory func(ctx context.Context, conn *models.Connection, opts Options) (capability.Source, error)

// TargetFactory opens a target capability for a connection
type TargetFactory func(ctx context.Context, conn *models.Connection, opts Options) (capability.Target, error)

// Registry manages capability registration and instantiation
type Registry struct {
	sources map[models.Family]SourceFactory
	targets map[models.Family]TargetFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[models.Family]SourceFactory),
		targets: make(map[models.Family]TargetFactory),
		logger:  logger.Get().With(zap.String("component", "capability_registry")),
	}
}

// RegisterSource registers a source factory for a family
func (r *Registry) RegisterSource(family models.Family, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[family]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source capability %s already registered", family))
	}
	r.sources[family] = factory
	r.logger.Debug("source capability registered", zap.String("family", family.String()))
	return nil
}

// RegisterTarget registers a target factory for a family
func (r *Registry) RegisterTarget(family models.Family, factory TargetFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[family]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("target capability %s already registered", family))
	}
	r.targets[family] = factory
	r.logger.Debug("target capability registered", zap.String("family", family.String()))
	return nil
}

// OpenSource opens the source capability for conn
func (r *Registry) OpenSource(ctx context.Context, conn *models.Connection, opts Options) (capability.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[conn.Family]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeCapability, "no source capability for family %s", conn.Family)
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	src, err := factory(ctx, conn, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("open %s source %s", conn.Family, conn.ID))
	}
	return src, nil
}

// OpenTarget opens the target capability for conn
func (r *Registry) OpenTarget(ctx context.Context, conn *models.Connection, opts Options) (capability.Target, error) {
	r.mu.RLock()
	factory, exists := r.targets[conn.Family]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeCapability, "no target capability for family %s", conn.Family)
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	dst, err := factory(ctx, conn, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("open %s target %s", conn.Family, conn.ID))
	}
	return dst, nil
}

// ListSources returns the sorted families with a source capability
func (r *Registry) ListSources() []models.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// ListTargets returns the sorted families with a target capability
func (r *Registry) ListTargets() []models.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.targets)
}

// HasSource checks if a family can be read from
func (r *Registry) HasSource(family models.Family) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[family]
	return exists
}

// HasTarget checks if a family can be written to
func (r *Registry) HasTarget(family models.Family) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.targets[family]
	return exists
}

func sortedKeys[V any](m map[models.Family]V) []models.Family {
	out := make([]models.Family, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Global registry functions

// RegisterSource registers a source capability in the global registry
func RegisterSource(family models.Family, factory SourceFactory) error {
	return globalRegistry.RegisterSource(family, factory)
}

// RegisterTarget registers a target capability in the global registry
func RegisterTarget(family models.Family, factory TargetFactory) error {
	return globalRegistry.RegisterTarget(family, factory)
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}
