package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	nerrors "github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
	"github.com/ajitpratap0/nebula-cdc/pkg/store/memory"
)

type failingStore struct {
	*memory.Store
	err   error
	saves int
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) SavePipelineStatus(ctx context.Context, p *models.Pipeline) error {
	f.saves++
	if f.err != nil {
		return f.err
	}
	return f.Store.SavePipelineStatus(ctx, p)
}

func TestTolerantWriterPersists(t *testing.T) {
	mem := memory.New(zaptest.NewLogger(t))
	w := store.NewTolerantWriter(mem, time.Second, zaptest.NewLogger(t))

	p := models.NewPipeline("p1", "orders", models.ModeCDCOnly)
	p.Status = models.PipelineRunning
	res := w.Write(context.Background(), p)
	require.True(t, res.Persisted)
	assert.False(t, res.Failed())
	assert.NoError(t, res.Err)

	got, err := mem.LoadPipeline(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, got.Status)
}

func TestTolerantWriterSwallowsFailures(t *testing.T) {
	fs := &failingStore{Store: memory.New(nil), err: errors.New("disk full")}
	w := store.NewTolerantWriter(fs, time.Second, zaptest.NewLogger(t))
	before := testutil.ToFloat64(metrics.PersistenceFailures.WithLabelValues("failing"))

	p := models.NewPipeline("p1", "orders", models.ModeCDCOnly)
	res := w.Write(context.Background(), p)

	assert.True(t, res.Failed())
	require.Error(t, res.Err)
	assert.True(t, nerrors.IsType(res.Err, nerrors.ErrorTypePersistence))
	assert.Contains(t, res.Err.Error(), "disk full")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PersistenceFailures.WithLabelValues("failing")))
}

func TestTolerantWriterCancelledContext(t *testing.T) {
	fs := &failingStore{Store: memory.New(nil)}
	w := store.NewTolerantWriter(fs, time.Second, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := models.NewPipeline("p1", "orders", models.ModeCDCOnly)
	res := w.Write(ctx, p)
	assert.True(t, res.Failed())
	assert.Equal(t, 0, fs.saves)

	res = w.WriteDetached(ctx, p)
	assert.True(t, res.Persisted)
	assert.Equal(t, 1, fs.saves)
}

func TestNotFound(t *testing.T) {
	err := store.NotFound("pipeline", "x")
	assert.True(t, store.IsNotFound(err))
	assert.False(t, store.IsNotFound(errors.New("other")))
}
