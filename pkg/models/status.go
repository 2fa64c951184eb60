package models

import "strings"

// Mode selects which phases a pipeline runs
type Mode string

const (
	ModeFullLoadOnly   Mode = "FULL_LOAD_ONLY"
	ModeCDCOnly        Mode = "CDC_ONLY"
	ModeFullLoadAndCDC Mode = "FULL_LOAD_AND_CDC"
)

// PipelineStatus is the coarse status reported externally
type PipelineStatus string

const (
	PipelineStopped  PipelineStatus = "STOPPED"
	PipelineStarting PipelineStatus = "STARTING"
	PipelineRunning  PipelineStatus = "RUNNING"
	PipelineStopping PipelineStatus = "STOPPING"
	PipelinePaused   PipelineStatus = "PAUSED"
	PipelineError    PipelineStatus = "ERROR"
)

// FullLoadStatus tracks the bulk copy phase
type FullLoadStatus string

const (
	FullLoadNotStarted FullLoadStatus = "NOT_STARTED"
	FullLoadInProgress FullLoadStatus = "IN_PROGRESS"
	FullLoadCompleted  FullLoadStatus = "COMPLETED"
	FullLoadFailed     FullLoadStatus = "FAILED"
)

// CDCStatus tracks the streaming phase
type CDCStatus string

const (
	CDCNotStarted CDCStatus = "NOT_STARTED"
	CDCStarting   CDCStatus = "STARTING"
	CDCRunning    CDCStatus = "RUNNING"
	CDCStopped    CDCStatus = "STOPPED"
	CDCPaused     CDCStatus = "PAUSED"
	CDCError      CDCStatus = "ERROR"
)

// SnapshotMode is the capture connector's instruction for reading existing data
type SnapshotMode string

const (
	SnapshotNever      SnapshotMode = "NEVER"
	SnapshotSchemaOnly SnapshotMode = "SCHEMA_ONLY"
	SnapshotInitial    SnapshotMode = "INITIAL"
)

// ConnectorState is the run state reported by the connector control service
type ConnectorState string

const (
	ConnectorUnassigned ConnectorState = "UNASSIGNED"
	ConnectorRunning    ConnectorState = "RUNNING"
	ConnectorPaused     ConnectorState = "PAUSED"
	ConnectorStopped    ConnectorState = "STOPPED"
	ConnectorFailed     ConnectorState = "FAILED"
	ConnectorRestarting ConnectorState = "RESTARTING"
	ConnectorUnknown    ConnectorState = "UNKNOWN"
)

// Role distinguishes source and target endpoints and connectors
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
	RoleSink   Role = "sink"
)

var (
	modes = []Mode{ModeFullLoadOnly, ModeCDCOnly, ModeFullLoadAndCDC}

	pipelineStatuses = []PipelineStatus{
		PipelineStopped, PipelineStarting, PipelineRunning,
		PipelineStopping, PipelinePaused, PipelineError,
	}

	fullLoadStatuses = []FullLoadStatus{
		FullLoadNotStarted, FullLoadInProgress, FullLoadCompleted, FullLoadFailed,
	}

	cdcStatuses = []CDCStatus{
		CDCNotStarted, CDCStarting, CDCRunning, CDCStopped, CDCPaused, CDCError,
	}

	snapshotModes = []SnapshotMode{SnapshotNever, SnapshotSchemaOnly, SnapshotInitial}

	connectorStates = []ConnectorState{
		ConnectorUnassigned, ConnectorRunning, ConnectorPaused,
		ConnectorStopped, ConnectorFailed, ConnectorRestarting,
	}
)

// canonical upper-cases a raw enum value and folds '-' and ' ' into '_'
func canonical(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func parseEnum[T ~string](raw string, known []T, fallback T) (T, bool) {
	c := canonical(raw)
	for _, k := range known {
		if string(k) == c {
			return k, true
		}
	}
	return fallback, false
}

// ParseMode parses a pipeline mode. Unknown values normalize to FULL_LOAD_AND_CDC.
func ParseMode(raw string) (Mode, bool) {
	return parseEnum(raw, modes, ModeFullLoadAndCDC)
}

// ParsePipelineStatus parses a pipeline status. Unknown values normalize to STOPPED.
func ParsePipelineStatus(raw string) (PipelineStatus, bool) {
	return parseEnum(raw, pipelineStatuses, PipelineStopped)
}

// ParseFullLoadStatus parses a full-load status. Unknown values normalize to NOT_STARTED.
func ParseFullLoadStatus(raw string) (FullLoadStatus, bool) {
	return parseEnum(raw, fullLoadStatuses, FullLoadNotStarted)
}

// ParseCDCStatus parses a CDC status. Unknown values normalize to NOT_STARTED.
func ParseCDCStatus(raw string) (CDCStatus, bool) {
	return parseEnum(raw, cdcStatuses, CDCNotStarted)
}

// ParseSnapshotMode parses a snapshot mode. Unknown values normalize to INITIAL.
func ParseSnapshotMode(raw string) (SnapshotMode, bool) {
	return parseEnum(raw, snapshotModes, SnapshotInitial)
}

// ParseConnectorState parses a connector run state. Unknown values map to UNKNOWN.
func ParseConnectorState(raw string) (ConnectorState, bool) {
	return parseEnum(raw, connectorStates, ConnectorUnknown)
}

func (m Mode) String() string           { return string(m) }
func (s PipelineStatus) String() string { return string(s) }
func (s FullLoadStatus) String() string { return string(s) }
func (s CDCStatus) String() string      { return string(s) }
func (s SnapshotMode) String() string   { return string(s) }
func (s ConnectorState) String() string { return string(s) }

// RequiresFullLoad reports whether the mode includes a bulk copy phase
func (m Mode) RequiresFullLoad() bool {
	return m == ModeFullLoadOnly || m == ModeFullLoadAndCDC
}

// RequiresCDC reports whether the mode includes streaming
func (m Mode) RequiresCDC() bool {
	return m == ModeCDCOnly || m == ModeFullLoadAndCDC
}

// ConnectorValue is the lower-case value the capture connector expects for snapshot.mode
func (s SnapshotMode) ConnectorValue() string {
	return strings.ToLower(string(s))
}

// CanStart reports whether start may be entered from this status
func (s PipelineStatus) CanStart() bool {
	switch s {
	case PipelineStopped, PipelineError, PipelinePaused, PipelineRunning, PipelineStarting:
		return true
	default:
		return false
	}
}
