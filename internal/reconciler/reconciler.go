// Package reconciler converges the source and sink connectors of a pipeline on
// the connector control service. It compares the connector a pipeline
// references with its live state and takes the smallest corrective action:
// reuse, resume, restart, or delete and create.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/connect"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/kafka"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/observability"
)

// Phase names used in error details, spans and metrics
const (
	PhaseSource = "source_connector"
	PhaseSink   = "sink_connector"
	PhaseTopics = "topics"
)

// Action is what the reconciler did to make a connector live
type Action string

const (
	ActionReused    Action = "reused"
	ActionRestarted Action = "restarted"
	ActionResumed   Action = "resumed"
	ActionCreated   Action = "created"
	ActionRecreated Action = "recreated"
)

// ConfigGenerator produces desired connector configurations
type ConfigGenerator interface {
	SourceConfig(p *models.Pipeline, conn *models.Connection, mode models.SnapshotMode) (map[string]string, error)
	SinkConfig(p *models.Pipeline, source, target *models.Connection, topics []string) (map[string]string, error)
}

// Options bound the waits on the control service
type Options struct {
	CreateTimeout    time.Duration
	RestartTimeout   time.Duration
	PollInterval     time.Duration
	TopicSettleDelay time.Duration
}

// OptionsFrom maps the reconciler configuration section
func OptionsFrom(cfg config.ReconcilerConfig) Options {
	return Options{
		CreateTimeout:    cfg.CreateTimeout,
		RestartTimeout:   cfg.RestartTimeout,
		PollInterval:     cfg.PollInterval,
		TopicSettleDelay: cfg.TopicSettleDelay,
	}
}

// Outcome describes one ensured connector
type Outcome struct {
	ConnectorName string                `json:"connector_name"`
	Live          bool                  `json:"live"`
	Action        Action                `json:"action,omitempty"`
	State         models.ConnectorState `json:"state"`
	Config        map[string]string     `json:"-"`
	Warnings      []models.Warning      `json:"warnings,omitempty"`
}

func (o *Outcome) warn(kind models.WarningKind, msg string) {
	o.Warnings = append(o.Warnings, models.NewWarning(kind, msg))
	metrics.Warnings.WithLabelValues(string(kind)).Inc()
}

// TopicSource records where discovered topics came from
type TopicSource string

const (
	TopicsFromConnector TopicSource = "connector"
	TopicsFromBroker    TopicSource = "broker"
	TopicsGenerated     TopicSource = "generated"
)

// Discovery is the result of topic discovery
type Discovery struct {
	Topics   []string         `json:"topics"`
	Source   TopicSource      `json:"source"`
	Warnings []models.Warning `json:"warnings,omitempty"`
}

// Reconciler ensures connectors. It is the only writer of the connector
// identity fields of a pipeline.
type Reconciler struct {
	control connect.Controller
	gen     ConfigGenerator
	lister  kafka.TopicLister
	opts    Options
	logger  *zap.Logger

	// sleep waits out the topic settle delay
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a reconciler. lister may be nil when no broker is configured.
func New(control connect.Controller, gen ConfigGenerator, lister kafka.TopicLister, opts Options, logger *zap.Logger) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Reconciler{
		control: control,
		gen:     gen,
		lister:  lister,
		opts:    opts,
		logger:  logger.With(zap.String("component", "reconciler")),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ensureRequest is one role's view of the reconciliation
type ensureRequest struct {
	role       models.Role
	phase      string
	pipelineID string
	name       string
	// topics is the freshly discovered topic set; only set for the sink
	topics   []string
	generate func() (map[string]string, error)
}

// EnsureSource makes the capture connector live with the given snapshot mode.
// On success the pipeline's source connector name and config snapshot are updated.
func (r *Reconciler) EnsureSource(ctx context.Context, p *models.Pipeline, sourceConn *models.Connection, mode models.SnapshotMode) (*Outcome, error) {
	name := p.SourceConnectorName
	if name == "" {
		name = configgen.ConnectorName(p, models.RoleSource)
	}
	out, err := r.ensure(ctx, ensureRequest{
		role:       models.RoleSource,
		phase:      PhaseSource,
		pipelineID: p.ID,
		name:       name,
		generate: func() (map[string]string, error) {
			return r.gen.SourceConfig(p, sourceConn, mode)
		},
	})
	if err != nil {
		return out, err
	}
	p.SourceConnectorName = out.ConnectorName
	if out.Config != nil {
		p.SourceConnectorConfig = out.Config
	}
	return out, nil
}

// EnsureSink makes the sink connector live and bound to exactly topics.
// A sink bound to any other topic set is deleted and recreated, whatever its state.
func (r *Reconciler) EnsureSink(ctx context.Context, p *models.Pipeline, sourceConn, targetConn *models.Connection, topics []string) (*Outcome, error) {
	name := p.SinkConnectorName
	if name == "" {
		name = configgen.ConnectorName(p, models.RoleSink)
	}
	if topics == nil {
		topics = []string{}
	}
	out, err := r.ensure(ctx, ensureRequest{
		role:       models.RoleSink,
		phase:      PhaseSink,
		pipelineID: p.ID,
		name:       name,
		topics:     topics,
		generate: func() (map[string]string, error) {
			return r.gen.SinkConfig(p, sourceConn, targetConn, topics)
		},
	})
	if err != nil {
		return out, err
	}
	p.SinkConnectorName = out.ConnectorName
	if out.Config != nil {
		p.SinkConnectorConfig = out.Config
	}
	return out, nil
}

func (r *Reconciler) ensure(ctx context.Context, req ensureRequest) (out *Outcome, err error) {
	ctx, span := observability.StartPhase(ctx, req.phase, req.pipelineID)
	span.SetAttribute("connector", req.name)
	timer := metrics.NewTimer(req.phase)
	defer func() {
		timer.ObservePhase(err)
		span.End(err)
	}()

	log := r.logger.With(
		zap.String("pipeline_id", req.pipelineID),
		zap.String("role", string(req.role)),
		zap.String("connector", req.name))
	out = &Outcome{ConnectorName: req.name}

	status, err := r.control.GetStatus(ctx, req.name)
	if err != nil {
		return out, r.fatal(req, err, "failed to query connector status")
	}

	existed := status != nil
	if existed {
		state := status.State()
		log.Debug("connector found", zap.String("state", state.String()))

		if req.topics != nil {
			bound, cfgErr := r.boundTopics(ctx, req.name)
			if cfgErr != nil || !configgen.SameTopics(bound, req.topics) {
				msg := "sink topic binding changed, recreating connector " + req.name
				if cfgErr != nil {
					msg = "sink config unreadable, recreating connector " + req.name + ": " + cfgErr.Error()
				}
				log.Warn("sink topics differ from discovered topics",
					zap.Strings("bound", bound), zap.Strings("discovered", req.topics), zap.Error(cfgErr))
				if err := r.delete(ctx, req); err != nil {
					return out, err
				}
				out.warn(models.WarningConnectorRecreated, msg)
				return r.create(ctx, req, out, true, log)
			}
		}

		revived, action, err := r.revive(ctx, req, state, log)
		if err != nil {
			return out, err
		}
		if revived {
			out.Live = true
			out.Action = action
			out.State = models.ConnectorRunning
			r.refreshConfig(ctx, req, out, log)
			r.record(req, action)
			log.Info("connector live", zap.String("action", string(action)))
			return out, nil
		}

		log.Warn("connector could not be revived, recreating", zap.String("state", state.String()))
		if err := r.delete(ctx, req); err != nil {
			return out, err
		}
		out.warn(models.WarningConnectorRecreated,
			"connector "+req.name+" in state "+state.String()+" could not be revived and was recreated")
	}

	return r.create(ctx, req, out, existed, log)
}

// revive tries to bring an existing connector to RUNNING without recreating it
func (r *Reconciler) revive(ctx context.Context, req ensureRequest, state models.ConnectorState, log *zap.Logger) (bool, Action, error) {
	switch state {
	case models.ConnectorRunning:
		return true, ActionReused, nil

	case models.ConnectorPaused, models.ConnectorStopped:
		// A paused or stopped target state survives a restart; only resume clears it
		if err := r.control.ResumeConnector(ctx, req.name); err != nil {
			if ctx.Err() != nil {
				return false, "", r.fatal(req, ctx.Err(), "interrupted while resuming connector")
			}
			log.Warn("resume failed", zap.Error(err))
			break
		}
		ok, err := r.control.WaitForState(ctx, req.name, models.ConnectorRunning, r.opts.RestartTimeout, r.opts.PollInterval)
		if err != nil && ctx.Err() != nil {
			return false, "", r.fatal(req, err, "interrupted while resuming connector")
		}
		if ok {
			return true, ActionResumed, nil
		}

	case models.ConnectorRestarting, models.ConnectorUnassigned:
		ok, err := r.control.WaitForState(ctx, req.name, models.ConnectorRunning, r.opts.RestartTimeout, r.opts.PollInterval)
		if err != nil && ctx.Err() != nil {
			return false, "", r.fatal(req, err, "interrupted while waiting for connector")
		}
		if ok {
			return true, ActionReused, nil
		}
	}

	if err := r.control.RestartConnector(ctx, req.name); err != nil {
		log.Warn("restart failed", zap.Error(err))
		if ctx.Err() != nil {
			return false, "", r.fatal(req, ctx.Err(), "interrupted while restarting connector")
		}
		return false, "", nil
	}
	ok, err := r.control.WaitForState(ctx, req.name, models.ConnectorRunning, r.opts.RestartTimeout, r.opts.PollInterval)
	if err != nil && ctx.Err() != nil {
		return false, "", r.fatal(req, err, "interrupted while restarting connector")
	}
	return ok, ActionRestarted, nil
}

func (r *Reconciler) create(ctx context.Context, req ensureRequest, out *Outcome, replaced bool, log *zap.Logger) (*Outcome, error) {
	cfg, err := req.generate()
	if err != nil {
		return out, r.fatal(req, err, "failed to generate connector config")
	}
	if err := r.control.CreateConnector(ctx, req.name, cfg); err != nil {
		return out, r.fatal(req, err, "failed to create connector")
	}
	ok, err := r.control.WaitForState(ctx, req.name, models.ConnectorRunning, r.opts.CreateTimeout, r.opts.PollInterval)
	if err != nil && ctx.Err() != nil {
		return out, r.fatal(req, err, "interrupted while waiting for new connector")
	}
	if !ok {
		status, _ := r.control.GetStatus(ctx, req.name)
		out.State = status.State()
		e := errors.Newf(errors.ErrorTypeConnector, "%s connector %s did not reach RUNNING within %s (state %s)",
			req.role, req.name, r.opts.CreateTimeout, out.State).
			WithDetail(errors.DetailConnector, req.name).
			WithDetail(errors.DetailPhase, req.phase)
		if trace := status.FailureTrace(); trace != "" {
			e.WithDetail("trace", trace)
		}
		return out, e
	}

	action := ActionCreated
	if replaced {
		action = ActionRecreated
	}
	out.Live = true
	out.Action = action
	out.State = models.ConnectorRunning
	out.Config = cfg
	r.record(req, action)
	log.Info("connector live", zap.String("action", string(action)))
	return out, nil
}

func (r *Reconciler) delete(ctx context.Context, req ensureRequest) error {
	if err := r.control.DeleteConnector(ctx, req.name); err != nil {
		return r.fatal(req, err, "failed to delete connector")
	}
	return nil
}

// refreshConfig replaces the cached config with the live one. A failed read keeps
// the connector in use and is only reported.
func (r *Reconciler) refreshConfig(ctx context.Context, req ensureRequest, out *Outcome, log *zap.Logger) {
	cfg, err := r.control.GetConfig(ctx, req.name)
	if err != nil {
		log.Warn("config refresh failed", zap.Error(err))
		out.warn(models.WarningConfigRefresh, "could not refresh config of "+req.name+": "+err.Error())
		return
	}
	out.Config = cfg
}

func (r *Reconciler) boundTopics(ctx context.Context, name string) ([]string, error) {
	cfg, err := r.control.GetConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	return configgen.ParseTopicList(cfg["topics"]), nil
}

func (r *Reconciler) record(req ensureRequest, action Action) {
	metrics.ConnectorActions.WithLabelValues(string(req.role), string(action)).Inc()
}

func (r *Reconciler) fatal(req ensureRequest, err error, msg string) error {
	return errors.Wrap(err, errors.ErrorTypeConnector, msg+" "+req.name).
		WithDetail(errors.DetailConnector, req.name).
		WithDetail(errors.DetailPhase, req.phase)
}

// DiscoverTopics returns the table topics of the pipeline's source connector.
// Lookup order: the connector's topic API, then the broker; when both come back
// empty it waits the settle delay and asks once more before falling back to
// generated names. Only cancellation is returned as an error.
// On success the pipeline's topic list is updated.
func (r *Reconciler) DiscoverTopics(ctx context.Context, p *models.Pipeline, family models.Family) (d *Discovery, err error) {
	ctx, span := observability.StartPhase(ctx, PhaseTopics, p.ID)
	timer := metrics.NewTimer(PhaseTopics)
	defer func() {
		timer.ObservePhase(err)
		span.End(err)
	}()

	name := p.SourceConnectorName
	if name == "" {
		name = configgen.ConnectorName(p, models.RoleSource)
	}
	prefix := configgen.TopicPrefix(p)
	log := r.logger.With(zap.String("pipeline_id", p.ID), zap.String("connector", name), zap.String("prefix", prefix))
	d = &Discovery{}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			log.Debug("no topics yet, waiting to settle", zap.Duration("delay", r.opts.TopicSettleDelay))
			if err := r.sleep(ctx, r.opts.TopicSettleDelay); err != nil {
				return d, errors.Wrap(err, errors.ErrorTypeConnector, "topic discovery interrupted").
					WithDetail(errors.DetailPhase, PhaseTopics)
			}
		}
		topics, src := r.lookupTopics(ctx, name, prefix, log)
		if len(topics) > 0 {
			d.Topics, d.Source = topics, src
			p.Topics = append([]string(nil), topics...)
			span.SetAttribute("topics", len(topics))
			log.Info("topics discovered", zap.String("source", string(src)), zap.Strings("topics", topics))
			return d, nil
		}
	}

	d.Topics = configgen.TopicNames(p, family)
	d.Source = TopicsGenerated
	d.Warnings = append(d.Warnings, models.NewWarning(models.WarningGeneratedTopics,
		"no topics reported for "+name+", using generated topic names"))
	metrics.Warnings.WithLabelValues(string(models.WarningGeneratedTopics)).Inc()
	p.Topics = append([]string(nil), d.Topics...)
	span.SetAttribute("topics", len(d.Topics))
	log.Warn("falling back to generated topic names", zap.Strings("topics", d.Topics))
	return d, nil
}

func (r *Reconciler) lookupTopics(ctx context.Context, name, prefix string, log *zap.Logger) ([]string, TopicSource) {
	topics, err := r.control.GetTopics(ctx, name)
	if err != nil {
		log.Debug("connector topics unavailable", zap.Error(err))
	} else if filtered := kafka.TableTopics(topics, prefix); len(filtered) > 0 {
		return filtered, TopicsFromConnector
	}
	if r.lister == nil {
		return nil, ""
	}
	topics, err = r.lister.ListTopics(ctx, prefix)
	if err != nil {
		log.Debug("broker topics unavailable", zap.Error(err))
		return nil, ""
	}
	if filtered := kafka.TableTopics(topics, prefix); len(filtered) > 0 {
		return filtered, TopicsFromBroker
	}
	return nil, ""
}
