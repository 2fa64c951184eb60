// Package memory is a process-scoped pipeline store. Each Store owns its maps;
// there is no package-level instance.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
)

// Store keeps records in memory behind a RWMutex
type Store struct {
	mu          sync.RWMutex
	pipelines   map[string]*models.Pipeline
	connections map[string]*models.Connection
	closed      bool
	logger      *zap.Logger
}

// New returns an empty store
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pipelines:   make(map[string]*models.Pipeline),
		connections: make(map[string]*models.Connection),
		logger:      logger.With(zap.String("component", "memory_store")),
	}
}

// Name identifies the store in logs and metrics
func (s *Store) Name() string { return "memory" }

// Seed loads every connection and pipeline from a definitions file
func (s *Store) Seed(_ context.Context, defs *config.Definitions) error {
	if defs == nil {
		return nil
	}
	for i := range defs.Connections {
		if err := s.PutConnection(&defs.Connections[i]); err != nil {
			return err
		}
	}
	for i := range defs.Pipelines {
		if err := s.PutPipeline(&defs.Pipelines[i]); err != nil {
			return err
		}
	}
	s.logger.Info("store seeded",
		zap.Int("connections", len(defs.Connections)),
		zap.Int("pipelines", len(defs.Pipelines)))
	return nil
}

// PutConnection inserts or replaces a connection
func (s *Store) PutConnection(c *models.Connection) error {
	if c == nil || c.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "connection id is required")
	}
	family, ok := models.ParseFamily(string(c.Family))
	if !ok {
		return errors.Newf(errors.ErrorTypeValidation, "connection %q has unknown family %q", c.ID, c.Family)
	}
	cp := cloneConnection(c)
	cp.Family = family

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	s.connections[c.ID] = cp
	return nil
}

// PutPipeline inserts or replaces a pipeline record, normalizing its enums
func (s *Store) PutPipeline(p *models.Pipeline) error {
	if p == nil || p.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "pipeline id is required")
	}
	cp := s.normalized(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	s.pipelines[p.ID] = cp
	return nil
}

// LoadPipeline returns a copy of the stored pipeline
func (s *Store) LoadPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	p, ok := s.pipelines[id]
	if !ok {
		return nil, store.NotFound("pipeline", id)
	}
	return p.Clone(), nil
}

// LoadConnection returns a copy of the stored connection
func (s *Store) LoadConnection(ctx context.Context, id string) (*models.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	c, ok := s.connections[id]
	if !ok {
		return nil, store.NotFound("connection", id)
	}
	return cloneConnection(c), nil
}

// SavePipelineStatus replaces the stored pipeline with a copy of p
func (s *Store) SavePipelineStatus(ctx context.Context, p *models.Pipeline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "pipeline id is required")
	}
	cp := s.normalized(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	if prev, ok := s.pipelines[p.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	s.pipelines[p.ID] = cp
	return nil
}

// Pipelines returns the ids of every stored pipeline
func (s *Store) Pipelines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// Close releases the maps; later calls fail
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pipelines = nil
	s.connections = nil
	return nil
}

func (s *Store) normalized(p *models.Pipeline) *models.Pipeline {
	cp := p.Clone()
	if fixed := cp.Normalize(); len(fixed) > 0 {
		s.logger.Warn("normalized invalid pipeline status values",
			zap.String("pipeline_id", p.ID),
			zap.Strings("fields", fixed))
	}
	return cp
}

func errClosed() error {
	return errors.New(errors.ErrorTypeInternal, "memory store is closed")
}

func cloneConnection(c *models.Connection) *models.Connection {
	cp := *c
	if c.Options != nil {
		cp.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}
