package models

// WarningKind classifies a non-fatal condition raised during orchestration
type WarningKind string

const (
	WarningEmptySource        WarningKind = "empty_source"
	WarningRowCountMismatch   WarningKind = "row_count_mismatch"
	WarningSyntheticOffset    WarningKind = "synthetic_offset"
	WarningMissingOffset      WarningKind = "missing_offset"
	WarningConnectorRecreated WarningKind = "connector_recreated"
	WarningConnectorCommand   WarningKind = "connector_command"
	WarningConfigRefresh      WarningKind = "config_refresh"
	WarningGeneratedTopics    WarningKind = "generated_topics"
	WarningPersistence        WarningKind = "persistence"
)

// Warning is a non-fatal condition accumulated into an operation result
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// NewWarning builds a warning
func NewWarning(kind WarningKind, message string) Warning {
	return Warning{Kind: kind, Message: message}
}

func (w Warning) String() string { return string(w.Kind) + ": " + w.Message }
