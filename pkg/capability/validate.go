package capability

import (
	"context"
	"fmt"
)

// RowCountResult compares the row count of a source table with its target
type RowCountResult struct {
	Match      bool
	SourceRows int64
	TargetRows int64
}

// SilentLoss reports a target that stayed empty while the source has rows
func (r RowCountResult) SilentLoss() bool {
	return r.SourceRows > 0 && r.TargetRows == 0
}

// String formats the counts for logs and warnings
func (r RowCountResult) String() string {
	return fmt.Sprintf("source=%d target=%d", r.SourceRows, r.TargetRows)
}

// ValidateRowCount counts both tables. A returned error means the comparison
// itself could not be made; a mismatch is reported through Match.
func ValidateRowCount(ctx context.Context, source RowCounter, sourceTable TableRef, target RowCounter, targetTable TableRef) (RowCountResult, error) {
	var res RowCountResult

	n, err := source.CountRows(ctx, sourceTable)
	if err != nil {
		return res, fmt.Errorf("count source rows of %s: %w", sourceTable, err)
	}
	res.SourceRows = n

	n, err = target.CountRows(ctx, targetTable)
	if err != nil {
		return res, fmt.Errorf("count target rows of %s: %w", targetTable, err)
	}
	res.TargetRows = n
	res.Match = res.SourceRows == res.TargetRows
	return res, nil
}
