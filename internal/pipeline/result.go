package pipeline

import (
	"time"

	"github.com/ajitpratap0/nebula-cdc/internal/fullload"
	"github.com/ajitpratap0/nebula-cdc/internal/reconciler"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Warning is a non-fatal condition accumulated into a Result
type Warning = models.Warning

// Operation names
const (
	OpStart  = "start"
	OpStop   = "stop"
	OpPause  = "pause"
	OpStatus = "status"
)

// PhaseSchema is the target schema creation phase
const PhaseSchema = "schema"

// Phase outcomes
const (
	PhaseSucceeded = "success"
	PhaseFailed    = "failure"
	PhaseSkipped   = "skipped"
)

// PhaseOutcome records one phase of a call
type PhaseOutcome struct {
	Name     string        `json:"name"`
	Result   string        `json:"result"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ConnectorSummary is the observed or ensured state of one connector
type ConnectorSummary struct {
	Name   string                `json:"name"`
	State  models.ConnectorState `json:"state"`
	Action reconciler.Action     `json:"action,omitempty"`
}

// Result is the document every orchestrator call returns, also on failure
type Result struct {
	PipelineID     string                `json:"pipeline_id"`
	Operation      string                `json:"operation"`
	Status         models.PipelineStatus `json:"status"`
	FullLoadStatus models.FullLoadStatus `json:"full_load_status"`
	CDCStatus      models.CDCStatus      `json:"cdc_status"`
	SnapshotMode   models.SnapshotMode   `json:"snapshot_mode,omitempty"`
	OffsetToken    string                `json:"offset_token,omitempty"`

	FullLoad        *fullload.Result  `json:"full_load,omitempty"`
	SourceConnector *ConnectorSummary `json:"source_connector,omitempty"`
	SinkConnector   *ConnectorSummary `json:"sink_connector,omitempty"`
	Topics          []string          `json:"topics,omitempty"`

	// Healed is set when Status corrected the stored record
	Healed   bool           `json:"healed,omitempty"`
	Warnings []Warning      `json:"warnings,omitempty"`
	Phases   []PhaseOutcome `json:"phases,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func newResult(op string, p *models.Pipeline) *Result {
	r := &Result{Operation: op}
	if p != nil {
		r.PipelineID = p.ID
		r.sync(p)
	}
	return r
}

// sync copies the pipeline's status dimensions into the result
func (r *Result) sync(p *models.Pipeline) {
	r.Status = p.Status
	r.FullLoadStatus = p.FullLoadStatus
	r.CDCStatus = p.CDCStatus
	r.OffsetToken = p.FullLoadLSN
	if len(p.Topics) > 0 {
		r.Topics = append([]string(nil), p.Topics...)
	}
}

func (r *Result) warn(kind models.WarningKind, msg string) {
	r.Warnings = append(r.Warnings, models.NewWarning(kind, msg))
	metrics.Warnings.WithLabelValues(string(kind)).Inc()
}

// addWarnings appends warnings already counted by the component that raised them
func (r *Result) addWarnings(ws []Warning) {
	r.Warnings = append(r.Warnings, ws...)
}

func (r *Result) phase(name string, start time.Time, err error) {
	po := PhaseOutcome{Name: name, Result: PhaseSucceeded, Duration: time.Since(start)}
	if err != nil {
		po.Result = PhaseFailed
		po.Error = err.Error()
	}
	r.Phases = append(r.Phases, po)
}

func (r *Result) skip(name string) {
	r.Phases = append(r.Phases, PhaseOutcome{Name: name, Result: PhaseSkipped})
}

// Phase returns the outcome of a named phase, or nil when it was not reached
func (r *Result) Phase(name string) *PhaseOutcome {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// HasWarning reports whether a warning of kind was raised
func (r *Result) HasWarning(kind models.WarningKind) bool {
	for _, w := range r.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}
