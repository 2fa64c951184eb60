package pipeline

import "github.com/ajitpratap0/nebula-cdc/pkg/models"

// DecisionInput is everything the snapshot-mode decision depends on
type DecisionInput struct {
	Mode                     models.Mode
	FullLoadStatus           models.FullLoadStatus
	HasOffsetToken           bool
	SourceSupportsNoSnapshot bool
}

// streamOnly is NEVER when the source can stream without reading schema first
func (in DecisionInput) streamOnly() models.SnapshotMode {
	if in.SourceSupportsNoSnapshot {
		return models.SnapshotNever
	}
	return models.SnapshotSchemaOnly
}

// DecideSnapshotMode chooses how the capture connector treats existing rows.
// Rules apply in order:
//
//  1. CDC_ONLY streams only.
//  2. FULL_LOAD_AND_CDC with a completed full load and a captured offset streams
//     only, since the rows are already in the target.
//  3. FULL_LOAD_AND_CDC without a completed full load snapshots the tables.
//  4. Anything else takes SCHEMA_ONLY when an offset exists, INITIAL otherwise.
//
// The function is pure so a logged input always reproduces the decision.
func DecideSnapshotMode(in DecisionInput) models.SnapshotMode {
	switch {
	case in.Mode == models.ModeCDCOnly:
		return in.streamOnly()
	case in.Mode == models.ModeFullLoadAndCDC && in.FullLoadStatus == models.FullLoadCompleted && in.HasOffsetToken:
		return in.streamOnly()
	case in.Mode == models.ModeFullLoadAndCDC && in.FullLoadStatus != models.FullLoadCompleted:
		return models.SnapshotInitial
	case in.HasOffsetToken:
		return models.SnapshotSchemaOnly
	default:
		return models.SnapshotInitial
	}
}
