package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/nebula-cdc/internal/fullload"
	"github.com/ajitpratap0/nebula-cdc/internal/reconciler"
	"github.com/ajitpratap0/nebula-cdc/internal/schemasync"
	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	nlogger "github.com/ajitpratap0/nebula-cdc/pkg/logger"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
	"github.com/ajitpratap0/nebula-cdc/pkg/store/memory"
	"github.com/ajitpratap0/nebula-cdc/pkg/testutil"
)

const lsn = "0/16B3748"

// recordingStore fails writes on demand and records every status written
type recordingStore struct {
	*memory.Store
	fail  bool
	saves []models.PipelineStatus
}

func (s *recordingStore) SavePipelineStatus(ctx context.Context, p *models.Pipeline) error {
	s.saves = append(s.saves, p.Status)
	if s.fail {
		return fmt.Errorf("connection reset by peer")
	}
	return s.Store.SavePipelineStatus(ctx, p)
}

// recordingGenerator remembers the target row count when the first source config is generated
type recordingGenerator struct {
	*configgen.Generator
	target            *testutil.FakeRelationalTarget
	rowsAtFirstConfig int
	modes             []models.SnapshotMode
}

func (g *recordingGenerator) SourceConfig(p *models.Pipeline, conn *models.Connection, mode models.SnapshotMode) (map[string]string, error) {
	if len(g.modes) == 0 {
		g.rowsAtFirstConfig = g.target.TotalRows()
	}
	g.modes = append(g.modes, mode)
	return g.Generator.SourceConfig(p, conn, mode)
}

// hollowSource reports data but returns no rows
type hollowSource struct {
	*testutil.FakeSource
}

func (h *hollowSource) ExtractDataPage(ctx context.Context, ref capability.TableRef, limit, offset int) (*capability.Page, error) {
	return &capability.Page{Columns: []string{"id", "name"}}, ctx.Err()
}

// cancellingSource cancels the run on the first page read
type cancellingSource struct {
	*testutil.FakeSource
	cancel context.CancelFunc
}

func (c *cancellingSource) ExtractDataPage(ctx context.Context, ref capability.TableRef, limit, offset int) (*capability.Page, error) {
	c.cancel()
	return c.FakeSource.ExtractDataPage(ctx, ref, limit, offset)
}

type harness struct {
	store  *recordingStore
	ctl    *testutil.FakeController
	source *testutil.FakeSource
	target *testutil.FakeRelationalTarget
	gen    *recordingGenerator
	orch   *Orchestrator

	// capSource is what the registry opens; defaults to source
	capSource capability.Source
	opens     int
}

func newHarness(t *testing.T, mutate ...func(*models.Pipeline)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		store:  &recordingStore{Store: memory.New(logger)},
		ctl:    testutil.NewFakeController(),
		source: testutil.NewFakeSource(models.FamilyPostgreSQL),
		target: testutil.NewFakeRelationalTarget(models.FamilyPostgreSQL),
	}
	h.capSource = h.source
	h.source.AddTable(capability.TableRef{Schema: "public", Name: "orders"}, 5)
	h.source.Position = lsn
	h.ctl.TopicsAfterCreate = []string{"orders.public.orders", "orders.schema-changes"}

	require.NoError(t, h.store.PutConnection(&models.Connection{
		ID: "src", Role: models.RoleSource, Family: models.FamilyPostgreSQL,
		Host: "db.internal", Port: 5432, Database: "shop", Username: "cdc",
	}))
	require.NoError(t, h.store.PutConnection(&models.Connection{
		ID: "mysql-src", Role: models.RoleSource, Family: models.FamilyMySQL,
		Host: "mysql.internal", Port: 3306, Database: "shop", Username: "cdc",
	}))
	require.NoError(t, h.store.PutConnection(&models.Connection{
		ID: "dst", Role: models.RoleTarget, Family: models.FamilyPostgreSQL,
		Host: "dw.internal", Port: 5432, Database: "replica", Username: "loader",
	}))

	p := models.NewPipeline("p-1", "orders", models.ModeFullLoadAndCDC)
	p.SourceConnectionID = "src"
	p.TargetConnectionID = "dst"
	p.SourceDatabase = "shop"
	p.SourceSchema = "public"
	p.SourceTables = []string{"orders"}
	p.TargetSchema = "replica"
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, h.store.PutPipeline(p))

	reg := registry.NewRegistry()
	require.NoError(t, reg.RegisterSource(models.FamilyPostgreSQL, func(context.Context, *models.Connection, registry.Options) (capability.Source, error) {
		h.opens++
		return h.capSource, nil
	}))
	require.NoError(t, reg.RegisterTarget(models.FamilyPostgreSQL, func(context.Context, *models.Connection, registry.Options) (capability.Target, error) {
		return h.target, nil
	}))

	h.gen = &recordingGenerator{Generator: configgen.NewGenerator(config.KafkaConfig{}), target: h.target}
	rec := reconciler.New(h.ctl, h.gen, nil, reconciler.Options{
		CreateTimeout:  time.Second,
		RestartTimeout: time.Second,
		PollInterval:   10 * time.Millisecond,
	}, logger)
	schema := schemasync.NewService(logger)
	coord, err := fullload.NewCoordinator(fullload.Options{PageSize: 2, ObjectFormat: "jsonl"}, schema, logger)
	require.NoError(t, err)

	h.orch, err = NewOrchestrator(Dependencies{
		Store:          h.store,
		Control:        h.ctl,
		Reconciler:     rec,
		Coordinator:    coord,
		Schema:         schema,
		Capabilities:   reg,
		PersistTimeout: time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) stored(t *testing.T) *models.Pipeline {
	t.Helper()
	p, err := h.store.LoadPipeline(context.Background(), "p-1")
	require.NoError(t, err)
	return p
}

func (h *harness) update(t *testing.T, fn func(*models.Pipeline)) {
	t.Helper()
	p := h.stored(t)
	fn(p)
	require.NoError(t, h.store.PutPipeline(p))
}

func typedError(t *testing.T, err error, errType errors.ErrorType, phase string) *errors.Error {
	t.Helper()
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e), "unexpected error %v", err)
	assert.Equal(t, errType, e.Type)
	assert.Equal(t, phase, e.Phase())
	assert.Equal(t, "p-1", e.Detail(errors.DetailPipelineID))
	return e
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestStartFullLoadThenStreaming(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)

	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, models.FullLoadCompleted, res.FullLoadStatus)
	assert.Equal(t, models.CDCRunning, res.CDCStatus)
	assert.Equal(t, models.SnapshotInitial, res.SnapshotMode)
	assert.Equal(t, lsn, res.OffsetToken)
	require.NotNil(t, res.FullLoad)
	assert.Equal(t, int64(5), res.FullLoad.TotalRows)
	assert.Equal(t, []string{"orders.public.orders"}, res.Topics)
	assert.Equal(t, reconciler.ActionCreated, res.SourceConnector.Action)
	assert.Equal(t, reconciler.ActionCreated, res.SinkConnector.Action)
	assert.Empty(t, res.Error)

	// the transfer finished before any connector config was generated
	assert.Equal(t, 5, h.gen.rowsAtFirstConfig)
	assert.Equal(t, 5, h.target.TotalRows())

	assert.Equal(t, PhaseSkipped, res.Phase(PhaseSchema).Result)
	for _, name := range []string{fullload.Phase, reconciler.PhaseSource, reconciler.PhaseTopics, reconciler.PhaseSink} {
		require.NotNil(t, res.Phase(name), name)
		assert.Equal(t, PhaseSucceeded, res.Phase(name).Result, name)
	}

	p := h.stored(t)
	assert.Equal(t, models.PipelineRunning, p.Status)
	assert.Equal(t, models.FullLoadCompleted, p.FullLoadStatus)
	assert.Equal(t, models.CDCRunning, p.CDCStatus)
	assert.Equal(t, lsn, p.FullLoadLSN)
	assert.NotNil(t, p.FullLoadCompletedAt)
	assert.Equal(t, configgen.ConnectorName(p, models.RoleSource), p.SourceConnectorName)
	assert.Equal(t, "orders.public.orders", p.SinkConnectorConfig["topics"])
	assert.Equal(t, []string{"orders.public.orders"}, p.Topics)
	assert.Contains(t, h.store.saves, models.PipelineStarting)
}

func TestStartTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	pages := h.source.PageCalls
	h.source.Position = "0/FFFFFFF"

	res, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)

	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, pages, h.source.PageCalls)
	assert.Equal(t, 5, h.target.TotalRows())
	assert.Nil(t, res.FullLoad)
	assert.Equal(t, PhaseSkipped, res.Phase(fullload.Phase).Result)
	assert.Equal(t, lsn, h.stored(t).FullLoadLSN)
	assert.Len(t, h.ctl.Created, 2)
	assert.Equal(t, reconciler.ActionReused, res.SourceConnector.Action)
	assert.Equal(t, reconciler.ActionReused, res.SinkConnector.Action)
	assert.Equal(t, models.SnapshotNever, res.SnapshotMode)
	assert.Equal(t, 1, h.opens)
}

func TestStartFullLoadFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "no table transferred",
			setup: func(h *harness) {
				h.source.Tables = map[string]*testutil.FakeTable{}
			},
		},
		{
			name: "silent zero rows",
			setup: func(h *harness) {
				h.capSource = &hollowSource{FakeSource: h.source}
			},
		},
		{
			name: "validation failure",
			setup: func(h *harness) {
				h.target.CountErr["replica.orders"] = fmt.Errorf("permission denied")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			res, err := h.orch.Start(context.Background(), "p-1")
			typedError(t, err, errors.ErrorTypeFullLoad, fullload.Phase)

			assert.Equal(t, models.PipelineError, res.Status)
			assert.Equal(t, models.FullLoadFailed, res.FullLoadStatus)
			assert.Equal(t, models.CDCNotStarted, res.CDCStatus)
			assert.NotEmpty(t, res.Error)

			p := h.stored(t)
			assert.Equal(t, models.PipelineError, p.Status)
			assert.Equal(t, models.FullLoadFailed, p.FullLoadStatus)
			assert.Equal(t, models.CDCNotStarted, p.CDCStatus)
			assert.Empty(t, p.FullLoadLSN)
			assert.NotEmpty(t, p.LastError)
			assert.Empty(t, h.ctl.Created)
			assert.Empty(t, h.gen.modes)
		})
	}
}

func TestStartRowCountMismatchIsWarning(t *testing.T) {
	h := newHarness(t)
	h.target.PreExisting["replica.orders"] = 2

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.True(t, res.HasWarning(models.WarningRowCountMismatch))
}

func TestStartEmptySourceIsWarning(t *testing.T) {
	h := newHarness(t)
	h.source.AddTable(capability.TableRef{Schema: "public", Name: "orders"}, 0)

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, models.FullLoadCompleted, res.FullLoadStatus)
	assert.Equal(t, int64(0), res.FullLoad.TotalRows)
	assert.True(t, res.HasWarning(models.WarningEmptySource))
}

func TestStartSchemaFailureIsFatal(t *testing.T) {
	h := newHarness(t, func(p *models.Pipeline) { p.AutoCreateTarget = true })
	h.target.CreateErr = fmt.Errorf("relation already exists with another type")

	res, err := h.orch.Start(context.Background(), "p-1")
	e := typedError(t, err, errors.ErrorTypeFullLoad, PhaseSchema)
	assert.Equal(t, 0, e.Detail(errors.DetailTablesProcessed))
	assert.Equal(t, int64(0), e.Detail(errors.DetailRowsProcessed))

	assert.Equal(t, models.FullLoadFailed, res.FullLoadStatus)
	assert.Equal(t, PhaseFailed, res.Phase(PhaseSchema).Result)
	assert.Nil(t, res.Phase(fullload.Phase))
	assert.Zero(t, h.source.PageCalls)
}

func TestStartAutoCreatesTarget(t *testing.T) {
	h := newHarness(t, func(p *models.Pipeline) { p.AutoCreateTarget = true })

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, res.Phase(PhaseSchema).Result)
	assert.Equal(t, []string{"replica"}, h.target.Schemas)
	assert.Equal(t, []string{"replica.orders"}, h.target.Created)
	assert.Equal(t, 1, h.opens)
}

func TestStartFullLoadOnly(t *testing.T) {
	h := newHarness(t, func(p *models.Pipeline) { p.Mode = models.ModeFullLoadOnly })

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, models.FullLoadCompleted, res.FullLoadStatus)
	assert.Equal(t, models.CDCNotStarted, res.CDCStatus)
	assert.Empty(t, h.ctl.Created)
	assert.Equal(t, lsn, h.stored(t).FullLoadLSN)
}

func TestStartCDCOnly(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   models.SnapshotMode
	}{
		{"source streams without schema", "src", models.SnapshotNever},
		{"source needs schema", "mysql-src", models.SnapshotSchemaOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(p *models.Pipeline) {
				p.Mode = models.ModeCDCOnly
				p.SourceConnectionID = tt.source
			})

			res, err := h.orch.Start(context.Background(), "p-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SnapshotMode)
			assert.Equal(t, []models.SnapshotMode{tt.want}, h.gen.modes)
			assert.Equal(t, models.FullLoadNotStarted, res.FullLoadStatus)
			assert.Equal(t, models.CDCRunning, res.CDCStatus)
			assert.Zero(t, h.opens)
		})
	}
}

func TestStartConnectorFailureKeepsFullLoad(t *testing.T) {
	h := newHarness(t)
	h.ctl.StateAfterCreate = models.ConnectorFailed

	res, err := h.orch.Start(context.Background(), "p-1")
	e := typedError(t, err, errors.ErrorTypeConnector, reconciler.PhaseSource)
	assert.Equal(t, 1, e.Detail(errors.DetailTablesProcessed))
	assert.Equal(t, int64(5), e.Detail(errors.DetailRowsProcessed))
	assert.Equal(t, models.CDCError, res.CDCStatus)

	p := h.stored(t)
	assert.Equal(t, models.PipelineError, p.Status)
	assert.Equal(t, models.CDCError, p.CDCStatus)
	assert.Equal(t, models.FullLoadCompleted, p.FullLoadStatus)
	assert.Equal(t, lsn, p.FullLoadLSN)

	h.ctl.StateAfterCreate = ""
	pages := h.source.PageCalls
	res, err = h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, reconciler.ActionRestarted, res.SourceConnector.Action)
	assert.Equal(t, models.SnapshotNever, res.SnapshotMode)
	assert.Equal(t, pages, h.source.PageCalls)
	assert.Empty(t, h.stored(t).LastError)
}

func TestStartRecreatesSinkBoundToOtherTopics(t *testing.T) {
	h := newHarness(t)
	sink := configgen.ConnectorName(h.stored(t), models.RoleSink)
	h.ctl.Put(sink, models.ConnectorRunning, map[string]string{"topics": "orders.public.legacy"})

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, reconciler.ActionRecreated, res.SinkConnector.Action)
	assert.True(t, res.HasWarning(models.WarningConnectorRecreated))

	_, err = h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)

	assert.Equal(t, []string{sink}, h.ctl.Deleted)
	assert.Len(t, h.ctl.Created, 2)
}

func TestStartToleratesPersistenceFailures(t *testing.T) {
	h := newHarness(t)
	h.store.fail = true

	res, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.True(t, res.HasWarning(models.WarningPersistence))
	assert.Equal(t, models.PipelineStopped, h.stored(t).Status)

	// the next status read repairs the record
	h.store.fail = false
	res, err = h.orch.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, models.PipelineRunning, h.stored(t).Status)
}

func TestStartRejections(t *testing.T) {
	h := newHarness(t, func(p *models.Pipeline) { p.Status = models.PipelineStopping })

	_, err := h.orch.Start(context.Background(), "p-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	_, err = h.orch.Start(context.Background(), "missing")
	assert.True(t, store.IsNotFound(err))

	h.update(t, func(p *models.Pipeline) {
		p.Status = models.PipelineStopped
		p.TargetConnectionID = "gone"
	})
	_, err = h.orch.Start(context.Background(), "p-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, models.PipelineStopped, h.stored(t).Status)
}

func TestStartCancelledPersistsError(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.capSource = &cancellingSource{FakeSource: h.source, cancel: cancel}

	res, err := h.orch.Start(ctx, "p-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.PipelineError, res.Status)

	p := h.stored(t)
	assert.Equal(t, models.PipelineError, p.Status)
	assert.Equal(t, models.FullLoadFailed, p.FullLoadStatus)
	assert.Empty(t, h.ctl.Created)
}

func TestStopAndPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	p := h.stored(t)

	res, err := h.orch.Pause(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelinePaused, res.Status)
	assert.Equal(t, models.CDCPaused, res.CDCStatus)
	assert.Equal(t, models.ConnectorPaused, h.ctl.StateOf(p.SourceConnectorName))
	assert.Equal(t, models.ConnectorPaused, h.ctl.StateOf(p.SinkConnectorName))

	res, err = h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, reconciler.ActionResumed, res.SourceConnector.Action)
	assert.Equal(t, reconciler.ActionResumed, res.SinkConnector.Action)
	assert.Len(t, h.ctl.Created, 2)

	h.store.saves = nil
	res, err = h.orch.Stop(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStopped, res.Status)
	assert.Equal(t, models.CDCStopped, h.stored(t).CDCStatus)
	assert.Equal(t, models.ConnectorStopped, res.SourceConnector.State)
	assert.Equal(t, []models.PipelineStatus{models.PipelineStopping, models.PipelineStopped}, h.store.saves)
	assert.Empty(t, res.Warnings)
}

func TestStopThenStartResumesConnectors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	_, err = h.orch.Stop(ctx, "p-1")
	require.NoError(t, err)
	p := h.stored(t)
	require.Equal(t, models.ConnectorStopped, h.ctl.StateOf(p.SourceConnectorName))

	res, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, reconciler.ActionResumed, res.SourceConnector.Action)
	assert.Equal(t, reconciler.ActionResumed, res.SinkConnector.Action)
	assert.ElementsMatch(t, []string{p.SourceConnectorName, p.SinkConnectorName}, h.ctl.Resumed)
	assert.Empty(t, h.ctl.Restarted)
	assert.Empty(t, h.ctl.Deleted)
	assert.Len(t, h.ctl.Created, 2)
	assert.False(t, res.HasWarning(models.WarningConnectorRecreated))
	assert.Equal(t, models.ConnectorRunning, h.ctl.StateOf(p.SinkConnectorName))
}

func TestStopIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	h.ctl.CommandErr["stop"] = fmt.Errorf("worker unreachable")

	res, err := h.orch.Stop(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStopped, res.Status)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, models.ConnectorUnknown, res.SinkConnector.State)
	assert.Equal(t, models.PipelineStopped, h.stored(t).Status)
}

func TestStopFullLoadOnlyLeavesCDCUntouched(t *testing.T) {
	h := newHarness(t, func(p *models.Pipeline) { p.Mode = models.ModeFullLoadOnly })
	_, err := h.orch.Start(context.Background(), "p-1")
	require.NoError(t, err)

	res, err := h.orch.Stop(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.CDCNotStarted, res.CDCStatus)
	assert.Nil(t, res.SourceConnector)
	assert.Empty(t, h.ctl.Stopped)
}

func TestStatusSelfHeals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)

	h.update(t, func(p *models.Pipeline) {
		p.Status = models.PipelineError
		p.CDCStatus = models.CDCError
	})

	res, err := h.orch.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, models.PipelineRunning, res.Status)
	assert.Equal(t, models.ConnectorRunning, res.SinkConnector.State)

	p := h.stored(t)
	assert.Equal(t, models.PipelineRunning, p.Status)
	assert.Equal(t, models.CDCRunning, p.CDCStatus)

	res, err = h.orch.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, res.Healed)
}

func TestStatusDoesNotHealWithFailedConnector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)

	p := h.stored(t)
	h.ctl.Connectors[p.SinkConnectorName].State = models.ConnectorFailed
	h.update(t, func(p *models.Pipeline) { p.Status = models.PipelineStopped })

	res, err := h.orch.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, res.Healed)
	assert.Equal(t, models.ConnectorFailed, res.SinkConnector.State)
	assert.Equal(t, models.PipelineStopped, h.stored(t).Status)
}

func TestStatusDoesNotHealWhileStopping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	h.update(t, func(p *models.Pipeline) { p.Status = models.PipelineStopping })

	res, err := h.orch.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, res.Healed)
	assert.Equal(t, models.ConnectorRunning, res.SourceConnector.State)
	assert.Equal(t, models.PipelineStopping, h.stored(t).Status)
}

func TestOperationLogsCarryContextFields(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.InfoLevel)
	h.orch.logger = zap.New(core)
	ctx := nlogger.WithRequestID(context.Background(), "req-42")

	_, err := h.orch.Start(ctx, "p-1")
	require.NoError(t, err)
	h.update(t, func(p *models.Pipeline) { p.Status = models.PipelineError })
	res, err := h.orch.Status(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, res.Healed)
	_, err = h.orch.Pause(ctx, "p-1")
	require.NoError(t, err)

	for _, msg := range []string{"starting pipeline", "stored status disagrees with live connectors, correcting", "pipeline halted"} {
		entries := logs.FilterMessage(msg).All()
		require.NotEmpty(t, entries, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-42", fields["request_id"], msg)
		assert.Equal(t, "p-1", fields["pipeline_id"], msg)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStopped, res.Status)
	assert.Nil(t, res.SourceConnector)
	assert.Nil(t, res.SinkConnector)
	assert.False(t, res.Healed)
}
