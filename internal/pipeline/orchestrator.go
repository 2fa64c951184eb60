package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/internal/fullload"
	"github.com/ajitpratap0/nebula-cdc/internal/reconciler"
	"github.com/ajitpratap0/nebula-cdc/internal/schemasync"
	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/connect"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/logger"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/observability"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
)

// Capabilities opens database capabilities for connections.
// *registry.Registry satisfies it.
type Capabilities interface {
	OpenSource(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Source, error)
	OpenTarget(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Target, error)
}

// Dependencies are the collaborators of an Orchestrator
type Dependencies struct {
	Store        store.Store
	Control      connect.Controller
	Reconciler   *reconciler.Reconciler
	Coordinator  *fullload.Coordinator
	Schema       *schemasync.Service
	Capabilities Capabilities
	// CapabilityOptions are passed to every opened capability
	CapabilityOptions registry.Options
	// PersistTimeout bounds each status write
	PersistTimeout time.Duration
	Logger         *zap.Logger
}

// Orchestrator runs the pipeline state machine. Calls for distinct pipelines
// may run concurrently; the store is the only shared state.
type Orchestrator struct {
	store   store.Store
	writer  *store.TolerantWriter
	control connect.Controller
	rec     *reconciler.Reconciler
	coord   *fullload.Coordinator
	schema  *schemasync.Service
	caps    Capabilities
	capOpts registry.Options
	logger  *zap.Logger
}

// NewOrchestrator validates and wires the dependencies
func NewOrchestrator(d Dependencies) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a store")
	case d.Control == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a connector controller")
	case d.Reconciler == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a reconciler")
	case d.Coordinator == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a full-load coordinator")
	case d.Schema == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a schema service")
	case d.Capabilities == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator requires a capability registry")
	}
	base := d.Logger
	if base == nil {
		base = zap.NewNop()
	}
	capOpts := d.CapabilityOptions
	if capOpts.Logger == nil {
		capOpts.Logger = base
	}
	return &Orchestrator{
		store:   d.Store,
		writer:  store.NewTolerantWriter(d.Store, d.PersistTimeout, base),
		control: d.Control,
		rec:     d.Reconciler,
		coord:   d.Coordinator,
		schema:  d.Schema,
		caps:    d.Capabilities,
		capOpts: capOpts,
		logger:  base.With(zap.String("component", "orchestrator")),
	}, nil
}

// log returns the orchestrator logger tagged with the request, pipeline and
// connector carried by ctx
func (o *Orchestrator) log(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, o.logger)
}

func (o *Orchestrator) finish(op string, res *Result, start time.Time, err error) {
	metrics.Operations.WithLabelValues(op, metrics.Result(err)).Inc()
	if res == nil {
		return
	}
	res.Duration = time.Since(start)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
}

// Start brings the pipeline to RUNNING. It is re-entrant: completed phases are
// skipped and live connectors are reused. On failure the returned Result holds
// the state reached and the error is a FullLoad or Connector error naming the phase.
func (o *Orchestrator) Start(ctx context.Context, pipelineID string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.start")
	span.SetAttribute("pipeline_id", pipelineID)
	ctx = logger.WithPipeline(ctx, pipelineID)
	start := time.Now()
	res = &Result{PipelineID: pipelineID, Operation: OpStart}
	defer func() {
		o.finish(OpStart, res, start, err)
		span.End(err)
	}()

	p, err := o.store.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return res, err
	}
	res = newResult(OpStart, p)
	if !p.Status.CanStart() {
		return res, errors.Newf(errors.ErrorTypeConflict, "pipeline %s cannot start while %s", p.ID, p.Status).
			WithDetail(errors.DetailPipelineID, p.ID)
	}
	srcConn, err := o.store.LoadConnection(ctx, p.SourceConnectionID)
	if err != nil {
		return res, errors.Wrap(err, errors.ErrorTypeValidation, "load source connection").
			WithDetail(errors.DetailPipelineID, p.ID)
	}
	tgtConn, err := o.store.LoadConnection(ctx, p.TargetConnectionID)
	if err != nil {
		return res, errors.Wrap(err, errors.ErrorTypeValidation, "load target connection").
			WithDetail(errors.DetailPipelineID, p.ID)
	}

	r := &run{
		o:       o,
		p:       p,
		srcConn: srcConn,
		tgtConn: tgtConn,
		res:     res,
		log: o.log(ctx).With(
			zap.String("mode", p.Mode.String()),
			zap.String("source_family", srcConn.Family.String()),
			zap.String("target_family", tgtConn.Family.String())),
	}
	defer r.close(ctx)
	return res, r.start(ctx)
}

// run is the state of one Start call
type run struct {
	o       *Orchestrator
	p       *models.Pipeline
	srcConn *models.Connection
	tgtConn *models.Connection
	res     *Result
	log     *zap.Logger

	source capability.Source
	target capability.Target
}

func (r *run) start(ctx context.Context) error {
	p := r.p
	r.log.Info("starting pipeline",
		zap.String("status", p.Status.String()),
		zap.String("full_load_status", p.FullLoadStatus.String()),
		zap.String("cdc_status", p.CDCStatus.String()))

	p.Status = models.PipelineStarting
	p.LastError = ""
	r.persist(ctx)

	if p.AutoCreateTarget && p.FullLoadStatus != models.FullLoadCompleted {
		if err := r.schemaPhase(ctx); err != nil {
			return r.fail(ctx, err)
		}
	} else {
		r.res.skip(PhaseSchema)
	}

	if p.Mode.RequiresFullLoad() {
		if p.FullLoadStatus == models.FullLoadCompleted {
			r.log.Info("full load already completed", zap.String("offset_token", p.FullLoadLSN))
			r.res.skip(fullload.Phase)
		} else if err := r.fullLoadPhase(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	if !p.Mode.RequiresCDC() {
		p.Status = models.PipelineRunning
		r.persist(ctx)
		r.log.Info("pipeline running", zap.Bool("streaming", false))
		return nil
	}

	if err := r.streamingPhases(ctx); err != nil {
		return r.fail(ctx, err)
	}
	p.CDCStatus = models.CDCRunning
	p.Status = models.PipelineRunning
	r.persist(ctx)
	r.log.Info("pipeline running",
		zap.Bool("streaming", true),
		zap.String("source_connector", p.SourceConnectorName),
		zap.String("sink_connector", p.SinkConnectorName),
		zap.Int("topics", len(p.Topics)),
		zap.Int("warnings", len(r.res.Warnings)))
	return nil
}

func (r *run) schemaPhase(ctx context.Context) (err error) {
	ctx, span := observability.StartPhase(ctx, PhaseSchema, r.p.ID)
	timer := metrics.NewTimer(PhaseSchema)
	start := time.Now()
	defer func() {
		timer.ObservePhase(err)
		span.End(err)
		r.res.phase(PhaseSchema, start, err)
	}()

	schemaErr := func(cause error, msg string, tables int) error {
		return errors.Wrap(cause, errors.ErrorTypeFullLoad, msg).
			WithDetail(errors.DetailPhase, PhaseSchema).
			WithDetail(errors.DetailTablesProcessed, tables).
			WithDetail(errors.DetailRowsProcessed, int64(0))
	}
	if err := ctx.Err(); err != nil {
		return schemaErr(err, "target schema creation interrupted", 0)
	}
	if err := r.open(ctx); err != nil {
		return schemaErr(err, "cannot open capabilities for schema creation", 0)
	}
	n, err := r.o.schema.EnsureTargets(ctx, r.p, r.source, r.target)
	span.SetAttribute("tables", n)
	if err != nil {
		return schemaErr(err, "target schema creation failed", n)
	}
	return nil
}

func (r *run) fullLoadPhase(ctx context.Context) (err error) {
	ctx, span := observability.StartPhase(ctx, fullload.Phase, r.p.ID)
	timer := metrics.NewTimer(fullload.Phase)
	start := time.Now()
	defer func() {
		timer.ObservePhase(err)
		span.End(err)
		r.res.phase(fullload.Phase, start, err)
	}()

	p := r.p
	now := time.Now().UTC()
	p.FullLoadStatus = models.FullLoadInProgress
	p.FullLoadStartedAt = &now
	p.FullLoadCompletedAt = nil
	r.persist(ctx)

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFullLoad, "full load interrupted").
			WithDetail(errors.DetailPhase, fullload.Phase)
	}
	if err := r.open(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFullLoad, "cannot open capabilities for full load").
			WithDetail(errors.DetailPhase, fullload.Phase)
	}

	fl, err := r.o.coord.Run(ctx, p, r.source, r.srcConn, r.target)
	r.res.FullLoad = fl
	if fl != nil {
		r.res.addWarnings(fl.Warnings)
		span.SetAttribute("rows", fl.TotalRows)
	}
	if err != nil {
		return err
	}

	done := time.Now().UTC()
	p.FullLoadStatus = models.FullLoadCompleted
	p.FullLoadCompletedAt = &done
	if fl.OffsetToken != "" {
		p.FullLoadLSN = fl.OffsetToken
		p.FullLoadOffsetApproximate = fl.OffsetApproximate
	}
	r.persist(ctx)
	return nil
}

func (r *run) streamingPhases(ctx context.Context) error {
	p := r.p
	in := DecisionInput{
		Mode:                     p.Mode,
		FullLoadStatus:           p.FullLoadStatus,
		HasOffsetToken:           p.HasOffsetToken(),
		SourceSupportsNoSnapshot: r.srcConn.Family.Traits().SupportsNoSnapshot,
	}
	mode := DecideSnapshotMode(in)
	r.res.SnapshotMode = mode
	r.log.Info("snapshot mode decided",
		zap.String("full_load_status", in.FullLoadStatus.String()),
		zap.Bool("has_offset_token", in.HasOffsetToken),
		zap.Bool("source_supports_no_snapshot", in.SourceSupportsNoSnapshot),
		zap.String("snapshot_mode", mode.String()))

	p.CDCStatus = models.CDCStarting
	r.persist(ctx)

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnector, "start interrupted before connectors").
			WithDetail(errors.DetailPhase, reconciler.PhaseSource)
	}

	start := time.Now()
	src, err := r.o.rec.EnsureSource(ctx, p, r.srcConn, mode)
	r.res.phase(reconciler.PhaseSource, start, err)
	r.connector(&r.res.SourceConnector, src)
	if err != nil {
		return err
	}
	r.persist(ctx)

	start = time.Now()
	disc, err := r.o.rec.DiscoverTopics(ctx, p, r.srcConn.Family)
	r.res.phase(reconciler.PhaseTopics, start, err)
	if err != nil {
		return err
	}
	r.res.addWarnings(disc.Warnings)
	r.res.Topics = append([]string(nil), disc.Topics...)

	start = time.Now()
	sink, err := r.o.rec.EnsureSink(ctx, p, r.srcConn, r.tgtConn, disc.Topics)
	r.res.phase(reconciler.PhaseSink, start, err)
	r.connector(&r.res.SinkConnector, sink)
	return err
}

func (r *run) connector(slot **ConnectorSummary, out *reconciler.Outcome) {
	if out == nil {
		return
	}
	r.res.addWarnings(out.Warnings)
	*slot = &ConnectorSummary{Name: out.ConnectorName, State: out.State, Action: out.Action}
}

// open lazily opens the source and target capabilities
func (r *run) open(ctx context.Context) error {
	if r.source == nil {
		src, err := r.o.caps.OpenSource(ctx, r.srcConn, r.o.capOpts)
		if err != nil {
			return err
		}
		r.source = src
	}
	if r.target == nil {
		tgt, err := r.o.caps.OpenTarget(ctx, r.tgtConn, r.o.capOpts)
		if err != nil {
			return err
		}
		r.target = tgt
	}
	return nil
}

func (r *run) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if r.source != nil {
		if err := r.source.Close(ctx); err != nil {
			r.log.Warn("closing source capability", zap.Error(err))
		}
	}
	if r.target != nil {
		if err := r.target.Close(ctx); err != nil {
			r.log.Warn("closing target capability", zap.Error(err))
		}
	}
}

func (r *run) persist(ctx context.Context) {
	r.report(r.o.writer.Write(ctx, r.p))
}

func (r *run) report(wr store.WriteResult) {
	if wr.Failed() {
		r.res.warn(models.WarningPersistence, wr.Err.Error())
	}
	r.res.sync(r.p)
}

// fail records a fatal error: the pipeline goes to ERROR, the failed
// dimension to FAILED or ERROR, and the state is persisted even when ctx is done.
func (r *run) fail(ctx context.Context, err error) error {
	p := r.p
	var e *errors.Error
	if !errors.As(err, &e) || (e.Type != errors.ErrorTypeFullLoad && e.Type != errors.ErrorTypeConnector) {
		e = errors.Wrap(err, errors.ErrorTypeConnector, "pipeline start failed")
	}
	if e.Detail(errors.DetailTablesProcessed) == nil {
		tables, rows := 0, int64(0)
		if fl := r.res.FullLoad; fl != nil {
			tables, rows = fl.TablesSuccessful+fl.TablesFailed, fl.TotalRows
		}
		e.WithDetail(errors.DetailTablesProcessed, tables).WithDetail(errors.DetailRowsProcessed, rows)
	}
	e.WithDetail(errors.DetailPipelineID, p.ID)

	if e.Type == errors.ErrorTypeFullLoad {
		if p.Mode.RequiresFullLoad() {
			p.FullLoadStatus = models.FullLoadFailed
		}
	} else {
		p.CDCStatus = models.CDCError
	}
	p.Status = models.PipelineError
	p.LastError = e.Error()
	r.res.Error = p.LastError
	r.report(r.o.writer.WriteDetached(ctx, p))

	r.log.Error("pipeline start failed",
		zap.String("phase", e.Phase()),
		zap.Any("tables_processed", e.Detail(errors.DetailTablesProcessed)),
		zap.Any("rows_processed", e.Detail(errors.DetailRowsProcessed)),
		zap.Error(err))
	return e
}

// Stop stops both connectors and marks the pipeline STOPPED
func (o *Orchestrator) Stop(ctx context.Context, pipelineID string) (*Result, error) {
	return o.halt(ctx, OpStop, pipelineID)
}

// Pause pauses both connectors and marks the pipeline PAUSED
func (o *Orchestrator) Pause(ctx context.Context, pipelineID string) (*Result, error) {
	return o.halt(ctx, OpPause, pipelineID)
}

// halt is best effort on the connectors: a failed command is a warning and the
// pipeline still transitions.
func (o *Orchestrator) halt(ctx context.Context, op, pipelineID string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline."+op)
	span.SetAttribute("pipeline_id", pipelineID)
	ctx = logger.WithPipeline(ctx, pipelineID)
	start := time.Now()
	res = &Result{PipelineID: pipelineID, Operation: op}
	defer func() {
		o.finish(op, res, start, err)
		span.End(err)
	}()

	p, err := o.store.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return res, err
	}
	res = newResult(op, p)
	log := o.log(ctx).With(zap.String("operation", op))

	status, cdc, state := models.PipelineStopped, models.CDCStopped, models.ConnectorStopped
	command := o.control.StopConnector
	if op == OpPause {
		status, cdc, state = models.PipelinePaused, models.CDCPaused, models.ConnectorPaused
		command = o.control.PauseConnector
	} else {
		p.Status = models.PipelineStopping
		o.persist(ctx, p, res)
	}

	targets := []struct {
		role models.Role
		name string
		slot **ConnectorSummary
	}{
		{models.RoleSource, p.SourceConnectorName, &res.SourceConnector},
		{models.RoleSink, p.SinkConnectorName, &res.SinkConnector},
	}
	for _, t := range targets {
		if t.name == "" {
			continue
		}
		summary := &ConnectorSummary{Name: t.name, State: state}
		if err := command(ctx, t.name); err != nil {
			summary.State = models.ConnectorUnknown
			log.Warn("connector command failed", zap.String("role", string(t.role)), zap.String("connector", t.name), zap.Error(err))
			res.warn(models.WarningConnectorCommand, op+" "+t.name+": "+err.Error())
		}
		*t.slot = summary
	}

	p.Status = status
	if p.CDCStatus != models.CDCNotStarted {
		p.CDCStatus = cdc
	}
	o.persist(ctx, p, res)
	log.Info("pipeline halted", zap.String("status", p.Status.String()), zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// Status reports the stored state next to the live connector states. When both
// connectors are RUNNING but the record says otherwise, the record is corrected.
func (o *Orchestrator) Status(ctx context.Context, pipelineID string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.status")
	span.SetAttribute("pipeline_id", pipelineID)
	ctx = logger.WithPipeline(ctx, pipelineID)
	start := time.Now()
	res = &Result{PipelineID: pipelineID, Operation: OpStatus}
	defer func() {
		o.finish(OpStatus, res, start, err)
		span.End(err)
	}()

	p, err := o.store.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return res, err
	}
	res = newResult(OpStatus, p)
	res.SourceConnector = o.observe(ctx, p, models.RoleSource, p.SourceConnectorName, res)
	res.SinkConnector = o.observe(ctx, p, models.RoleSink, p.SinkConnectorName, res)

	live := res.SourceConnector != nil && res.SinkConnector != nil &&
		res.SourceConnector.State == models.ConnectorRunning &&
		res.SinkConnector.State == models.ConnectorRunning
	// STOPPING belongs to an in-flight stop; healing it would race that call
	if p.Mode.RequiresCDC() && live && p.Status != models.PipelineStopping &&
		(p.Status != models.PipelineRunning || p.CDCStatus != models.CDCRunning) {
		o.log(ctx).Info("stored status disagrees with live connectors, correcting",
			zap.String("status", p.Status.String()),
			zap.String("cdc_status", p.CDCStatus.String()))
		p.Status = models.PipelineRunning
		p.CDCStatus = models.CDCRunning
		res.Healed = true
		o.persist(ctx, p, res)
	}
	return res, nil
}

// observe queries a connector. A pipeline whose names were never persisted is
// looked up under its deterministic names and reported only when found.
func (o *Orchestrator) observe(ctx context.Context, p *models.Pipeline, role models.Role, name string, res *Result) *ConnectorSummary {
	derived := false
	if name == "" {
		if !p.Mode.RequiresCDC() {
			return nil
		}
		name, derived = configgen.ConnectorName(p, role), true
	}
	summary := &ConnectorSummary{Name: name, State: models.ConnectorUnknown}
	status, err := o.control.GetStatus(ctx, name)
	switch {
	case err != nil:
		res.warn(models.WarningConnectorCommand, "status "+name+": "+err.Error())
	case status != nil:
		summary.State = status.State()
	case derived:
		return nil
	}
	return summary
}

func (o *Orchestrator) persist(ctx context.Context, p *models.Pipeline, res *Result) {
	if wr := o.writer.Write(ctx, p); wr.Failed() {
		res.warn(models.WarningPersistence, wr.Err.Error())
	}
	res.sync(p)
}
