// Package store defines where pipeline and connection records live and the
// tolerant status write the orchestrator uses to persist checkpoints.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Store loads pipeline and connection records and persists pipeline status.
// Implementations return ErrorTypeNotFound errors for unknown ids and never
// share mutable state with callers.
type Store interface {
	Name() string
	LoadPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	LoadConnection(ctx context.Context, id string) (*models.Connection, error)
	SavePipelineStatus(ctx context.Context, p *models.Pipeline) error
	Close() error
}

// Seeder accepts records from a definitions file
type Seeder interface {
	Seed(ctx context.Context, defs *config.Definitions) error
}

// NotFound builds the error stores return for an unknown record
func NotFound(kind, id string) error {
	return errors.Newf(errors.ErrorTypeNotFound, "%s %q not found", kind, id)
}

// IsNotFound reports whether err is a missing-record error
func IsNotFound(err error) bool {
	return errors.IsType(err, errors.ErrorTypeNotFound)
}

// WriteResult reports the outcome of a tolerant write
type WriteResult struct {
	Persisted bool
	Err       error
	Duration  time.Duration
}

// Failed reports whether the record may have diverged from memory
func (r WriteResult) Failed() bool {
	return !r.Persisted
}

// TolerantWriter persists status without ever failing the caller.
// Failures are logged, counted and returned for inspection.
type TolerantWriter struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewTolerantWriter wraps s; timeout bounds each write
func NewTolerantWriter(s Store, timeout time.Duration, logger *zap.Logger) *TolerantWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TolerantWriter{
		store:   s,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "tolerant_writer"), zap.String("store", s.Name())),
	}
}

// Write saves the pipeline status. A cancelled ctx is reported as a failed write.
func (w *TolerantWriter) Write(ctx context.Context, p *models.Pipeline) WriteResult {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.write(ctx, p)
}

// WriteDetached saves the pipeline status even when ctx is already cancelled.
// It is used for the terminal write after an aborted run.
func (w *TolerantWriter) WriteDetached(ctx context.Context, p *models.Pipeline) WriteResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()
	return w.write(ctx, p)
}

func (w *TolerantWriter) write(ctx context.Context, p *models.Pipeline) WriteResult {
	start := time.Now()
	p.Touch()

	err := ctx.Err()
	if err == nil {
		err = w.store.SavePipelineStatus(ctx, p)
	}
	res := WriteResult{Persisted: err == nil, Duration: time.Since(start)}
	if err != nil {
		res.Err = errors.Wrap(err, errors.ErrorTypePersistence, "save pipeline status").
			WithDetail(errors.DetailPipelineID, p.ID)
		metrics.PersistenceFailures.WithLabelValues(w.store.Name()).Inc()
		w.logger.Warn("pipeline status not persisted",
			zap.String("pipeline_id", p.ID),
			zap.String("status", p.Status.String()),
			zap.String("full_load_status", p.FullLoadStatus.String()),
			zap.String("cdc_status", p.CDCStatus.String()),
			zap.Error(err))
		return res
	}
	w.logger.Debug("pipeline status persisted",
		zap.String("pipeline_id", p.ID),
		zap.String("status", p.Status.String()),
		zap.Duration("duration", res.Duration))
	return res
}
