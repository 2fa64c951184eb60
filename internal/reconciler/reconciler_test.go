package reconciler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/testutil"
)

type fakeGenerator struct {
	sourceCalls int
	sinkCalls   int
	err         error
}

func (g *fakeGenerator) SourceConfig(_ *models.Pipeline, _ *models.Connection, mode models.SnapshotMode) (map[string]string, error) {
	g.sourceCalls++
	if g.err != nil {
		return nil, g.err
	}
	return map[string]string{"connector.class": "io.debezium.connector.postgresql.PostgresConnector", "snapshot.mode": mode.ConnectorValue()}, nil
}

func (g *fakeGenerator) SinkConfig(_ *models.Pipeline, _, _ *models.Connection, topics []string) (map[string]string, error) {
	g.sinkCalls++
	if g.err != nil {
		return nil, g.err
	}
	return map[string]string{"connector.class": "io.confluent.connect.jdbc.JdbcSinkConnector", "topics": strings.Join(topics, ",")}, nil
}

type fakeLister struct {
	topics []string
	err    error
	calls  int
}

func (l *fakeLister) ListTopics(_ context.Context, _ string) ([]string, error) {
	l.calls++
	return l.topics, l.err
}

var (
	srcConn = &models.Connection{ID: "src", Family: models.FamilyPostgreSQL, Host: "db", Database: "shop"}
	dstConn = &models.Connection{ID: "dst", Family: models.FamilyPostgreSQL, Host: "dw", Database: "replica"}
)

func newPipeline() *models.Pipeline {
	p := models.NewPipeline("p-1", "orders", models.ModeFullLoadAndCDC)
	p.SourceDatabase = "shop"
	p.SourceSchema = "public"
	p.SourceTables = []string{"orders", "customers"}
	return p
}

type fixture struct {
	ctl    *testutil.FakeController
	gen    *fakeGenerator
	lister *fakeLister
	rec    *Reconciler
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{ctl: testutil.NewFakeController(), gen: &fakeGenerator{}, lister: &fakeLister{}}
	f.rec = New(f.ctl, f.gen, f.lister, Options{
		CreateTimeout:    time.Second,
		RestartTimeout:   time.Second,
		PollInterval:     10 * time.Millisecond,
		TopicSettleDelay: 5 * time.Second,
	}, zaptest.NewLogger(t))
	f.rec.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func warningKinds(ws []models.Warning) []models.WarningKind {
	out := make([]models.WarningKind, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Kind)
	}
	return out
}

func TestEnsureSourceCreates(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotInitial)
	require.NoError(t, err)

	name := configgen.ConnectorName(p, models.RoleSource)
	assert.Equal(t, name, out.ConnectorName)
	assert.True(t, out.Live)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, []string{name}, f.ctl.Created)
	assert.Equal(t, name, p.SourceConnectorName)
	assert.Equal(t, "initial", p.SourceConnectorConfig["snapshot.mode"])
}

func TestEnsureSourceReusesRunning(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	p.SourceConnectorName = "legacy-source"
	f.ctl.Put("legacy-source", models.ConnectorRunning, map[string]string{"snapshot.mode": "never", "edited": "by-hand"})

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotInitial)
	require.NoError(t, err)

	assert.Equal(t, ActionReused, out.Action)
	assert.Empty(t, f.ctl.Created)
	assert.Zero(t, f.gen.sourceCalls)
	assert.Equal(t, "by-hand", p.SourceConnectorConfig["edited"])
	assert.Equal(t, "legacy-source", p.SourceConnectorName)
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	ctx := context.Background()

	_, err := f.rec.EnsureSource(ctx, p, srcConn, models.SnapshotInitial)
	require.NoError(t, err)
	_, err = f.rec.EnsureSink(ctx, p, srcConn, dstConn, []string{"orders.public.orders"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := f.rec.EnsureSource(ctx, p, srcConn, models.SnapshotNever)
		require.NoError(t, err)
		assert.Equal(t, ActionReused, out.Action)
		out, err = f.rec.EnsureSink(ctx, p, srcConn, dstConn, []string{"orders.public.orders"})
		require.NoError(t, err)
		assert.Equal(t, ActionReused, out.Action)
	}
	assert.Len(t, f.ctl.Created, 2)
	assert.Empty(t, f.ctl.Deleted)
}

func TestEnsureSourceRevivesExisting(t *testing.T) {
	tests := []struct {
		name     string
		state    models.ConnectorState
		action   Action
		restarts int
		resumes  int
	}{
		{"failed is restarted", models.ConnectorFailed, ActionRestarted, 1, 0},
		{"stopped is resumed", models.ConnectorStopped, ActionResumed, 0, 1},
		{"paused is resumed", models.ConnectorPaused, ActionResumed, 0, 1},
		{"unassigned is restarted", models.ConnectorUnassigned, ActionRestarted, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := newPipeline()
			name := configgen.ConnectorName(p, models.RoleSource)
			p.SourceConnectorName = name
			f.ctl.Put(name, tt.state, map[string]string{"snapshot.mode": "initial"})

			out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotNever)
			require.NoError(t, err)
			assert.Equal(t, tt.action, out.Action)
			assert.Len(t, f.ctl.Restarted, tt.restarts)
			assert.Len(t, f.ctl.Resumed, tt.resumes)
			assert.Empty(t, f.ctl.Created)
			assert.Equal(t, models.ConnectorRunning, f.ctl.StateOf(name))
		})
	}
}

func TestEnsureSourceRecreatesWhenRestartFails(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSource)
	p.SourceConnectorName = name
	f.ctl.Put(name, models.ConnectorFailed, nil)
	f.ctl.StateAfterRestart = models.ConnectorFailed

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotNever)
	require.NoError(t, err)

	assert.Equal(t, ActionRecreated, out.Action)
	assert.Equal(t, []string{name}, f.ctl.Restarted)
	assert.Equal(t, []string{name}, f.ctl.Deleted)
	assert.Equal(t, []string{name}, f.ctl.Created)
	assert.Equal(t, []models.WarningKind{models.WarningConnectorRecreated}, warningKinds(out.Warnings))
	assert.Equal(t, "never", p.SourceConnectorConfig["snapshot.mode"])
}

func TestEnsureSourceStoppedFallsBackWhenResumeFails(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSource)
	p.SourceConnectorName = name
	f.ctl.Put(name, models.ConnectorStopped, nil)
	f.ctl.CommandErr["resume"] = fmt.Errorf("500 worker unavailable")

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotNever)
	require.NoError(t, err)

	// restart cannot leave STOPPED, so the connector is recreated
	assert.Equal(t, ActionRecreated, out.Action)
	assert.Equal(t, []string{name}, f.ctl.Restarted)
	assert.Equal(t, []string{name}, f.ctl.Deleted)
	assert.Equal(t, []string{name}, f.ctl.Created)
	assert.Equal(t, []models.WarningKind{models.WarningConnectorRecreated}, warningKinds(out.Warnings))
}

func TestEnsureSourceRestartCommandFails(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSource)
	p.SourceConnectorName = name
	f.ctl.Put(name, models.ConnectorFailed, nil)
	f.ctl.CommandErr["restart"] = fmt.Errorf("409 rebalance in progress")

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotNever)
	require.NoError(t, err)
	assert.Equal(t, ActionRecreated, out.Action)
	assert.Len(t, f.ctl.Created, 1)
}

func TestEnsureCreateTimeoutIsFatal(t *testing.T) {
	f := newFixture(t)
	f.ctl.StateAfterCreate = models.ConnectorFailed
	p := newPipeline()

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotInitial)
	require.Error(t, err)

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.ErrorTypeConnector, e.Type)
	assert.Equal(t, PhaseSource, e.Phase())
	assert.Equal(t, configgen.ConnectorName(p, models.RoleSource), e.Detail(errors.DetailConnector))
	assert.False(t, out.Live)
	assert.Equal(t, models.ConnectorFailed, out.State)
	assert.Empty(t, p.SourceConnectorName)
}

func TestEnsureCreateErrors(t *testing.T) {
	t.Run("generator", func(t *testing.T) {
		f := newFixture(t)
		f.gen.err = fmt.Errorf("unsupported family")
		_, err := f.rec.EnsureSource(context.Background(), newPipeline(), srcConn, models.SnapshotInitial)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnector))
		assert.Empty(t, f.ctl.Created)
	})
	t.Run("control service", func(t *testing.T) {
		f := newFixture(t)
		f.ctl.CreateErr = fmt.Errorf("connection refused")
		_, err := f.rec.EnsureSource(context.Background(), newPipeline(), srcConn, models.SnapshotInitial)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnector))
		assert.Contains(t, err.Error(), "connection refused")
	})
	t.Run("status query", func(t *testing.T) {
		f := newFixture(t)
		f.ctl.StatusErr = fmt.Errorf("503")
		_, err := f.rec.EnsureSink(context.Background(), newPipeline(), srcConn, dstConn, nil)
		var e *errors.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, PhaseSink, e.Phase())
	})
}

func TestEnsureSinkRecreatesOnTopicMismatch(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSink)
	p.SinkConnectorName = name
	f.ctl.Put(name, models.ConnectorRunning, map[string]string{"topics": "orders.public.orders"})
	topics := []string{"orders.public.customers", "orders.public.orders"}

	out, err := f.rec.EnsureSink(context.Background(), p, srcConn, dstConn, topics)
	require.NoError(t, err)
	assert.Equal(t, ActionRecreated, out.Action)
	assert.Equal(t, []models.WarningKind{models.WarningConnectorRecreated}, warningKinds(out.Warnings))
	assert.Equal(t, "orders.public.customers,orders.public.orders", p.SinkConnectorConfig["topics"])

	out, err = f.rec.EnsureSink(context.Background(), p, srcConn, dstConn, topics)
	require.NoError(t, err)
	assert.Equal(t, ActionReused, out.Action)

	assert.Equal(t, []string{name}, f.ctl.Deleted)
	assert.Equal(t, []string{name}, f.ctl.Created)
	assert.Empty(t, f.ctl.Restarted)
}

func TestEnsureSinkSameTopicsInAnyOrder(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSink)
	f.ctl.Put(name, models.ConnectorRunning, map[string]string{"topics": "b, a"})

	out, err := f.rec.EnsureSink(context.Background(), p, srcConn, dstConn, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, ActionReused, out.Action)
	assert.Equal(t, name, p.SinkConnectorName)
	assert.Empty(t, f.ctl.Deleted)
}

func TestEnsureSinkRecreatesWhenConfigUnreadable(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSink)
	f.ctl.Put(name, models.ConnectorPaused, nil)
	f.ctl.Connectors[name].Config = nil

	ctl := &configFailing{FakeController: f.ctl}
	f.rec.control = ctl

	out, err := f.rec.EnsureSink(context.Background(), p, srcConn, dstConn, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, ActionRecreated, out.Action)
	assert.Empty(t, f.ctl.Resumed)
}

// configFailing fails the first GetConfig call
type configFailing struct {
	*testutil.FakeController
	failed bool
}

func (c *configFailing) GetConfig(ctx context.Context, name string) (map[string]string, error) {
	if !c.failed {
		c.failed = true
		return nil, fmt.Errorf("timeout")
	}
	return c.FakeController.GetConfig(ctx, name)
}

func TestEnsureReusedConfigRefreshFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSource)
	f.ctl.Put(name, models.ConnectorRunning, nil)
	p.SourceConnectorConfig = map[string]string{"cached": "yes"}
	f.rec.control = &configFailing{FakeController: f.ctl}

	out, err := f.rec.EnsureSource(context.Background(), p, srcConn, models.SnapshotNever)
	require.NoError(t, err)
	assert.Equal(t, ActionReused, out.Action)
	assert.Equal(t, []models.WarningKind{models.WarningConfigRefresh}, warningKinds(out.Warnings))
	assert.Equal(t, "yes", p.SourceConnectorConfig["cached"])
}

func TestDiscoverTopicsFromConnector(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	name := configgen.ConnectorName(p, models.RoleSource)
	p.SourceConnectorName = name
	c := f.ctl.Put(name, models.ConnectorRunning, nil)
	c.Topics = []string{"orders", "orders.public.orders", "__debezium-heartbeat.orders", "orders.public.customers", "orders.schema-changes"}

	d, err := f.rec.DiscoverTopics(context.Background(), p, models.FamilyPostgreSQL)
	require.NoError(t, err)
	assert.Equal(t, TopicsFromConnector, d.Source)
	assert.Equal(t, []string{"orders.public.customers", "orders.public.orders"}, d.Topics)
	assert.Equal(t, d.Topics, p.Topics)
	assert.Zero(t, f.lister.calls)
	assert.Empty(t, f.sleeps)
}

func TestDiscoverTopicsKeepsTablesNamedLikeStructuralTopics(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	p.SourceTables = []string{"orders", "transactions", "heartbeat_log"}
	name := configgen.ConnectorName(p, models.RoleSource)
	p.SourceConnectorName = name
	c := f.ctl.Put(name, models.ConnectorRunning, nil)
	c.Topics = []string{
		"orders.public.orders",
		"orders.public.transactions",
		"orders.public.heartbeat_log",
		"orders.transaction",
		"orders.schema-changes",
	}

	d, err := f.rec.DiscoverTopics(context.Background(), p, models.FamilyPostgreSQL)
	require.NoError(t, err)
	assert.Equal(t, TopicsFromConnector, d.Source)
	assert.Equal(t, []string{"orders.public.heartbeat_log", "orders.public.orders", "orders.public.transactions"}, d.Topics)
}

func TestDiscoverTopicsFromBroker(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	f.lister.topics = []string{"orders.public.orders", "other.public.orders"}

	d, err := f.rec.DiscoverTopics(context.Background(), p, models.FamilyPostgreSQL)
	require.NoError(t, err)
	assert.Equal(t, TopicsFromBroker, d.Source)
	assert.Equal(t, []string{"orders.public.orders"}, d.Topics)
	assert.Empty(t, d.Warnings)
}

func TestDiscoverTopicsFallsBackToGenerated(t *testing.T) {
	f := newFixture(t)
	p := newPipeline()
	f.lister.err = fmt.Errorf("no brokers")

	d, err := f.rec.DiscoverTopics(context.Background(), p, models.FamilyPostgreSQL)
	require.NoError(t, err)
	assert.Equal(t, TopicsGenerated, d.Source)
	assert.Equal(t, []string{"orders.public.orders", "orders.public.customers"}, d.Topics)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.sleeps)
	assert.Equal(t, 2, f.lister.calls)
	assert.Equal(t, []models.WarningKind{models.WarningGeneratedTopics}, warningKinds(d.Warnings))
	assert.Equal(t, d.Topics, p.Topics)
}

func TestDiscoverTopicsUpperCaseFamilies(t *testing.T) {
	f := newFixture(t)
	f.rec.lister = nil
	p := newPipeline()
	p.SourceSchema = "inventory"

	d, err := f.rec.DiscoverTopics(context.Background(), p, models.FamilyOracle)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.INVENTORY.ORDERS", "orders.INVENTORY.CUSTOMERS"}, d.Topics)
}

func TestDiscoverTopicsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.rec.DiscoverTopics(ctx, newPipeline(), models.FamilyPostgreSQL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
