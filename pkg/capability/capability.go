// Package capability defines the per-database operations the transfer
// coordinator drives: schema and page extraction on sources, and the three
// target shapes (relational tables, object stores, envelope tables).
package capability

import (
	"context"
	"strings"

	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// TableRef names a table inside a database
type TableRef struct {
	Schema string
	Name   string
}

// ParseTableRef splits "schema.table"; a bare name takes defaultSchema
func ParseTableRef(raw, defaultSchema string) TableRef {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "."); i > 0 {
		return TableRef{Schema: raw[:i], Name: raw[i+1:]}
	}
	return TableRef{Schema: defaultSchema, Name: raw}
}

// String returns schema.table, or the bare name when the schema is empty
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column describes one source column
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	PrimaryKey bool
	Position   int
}

// TableSchema is the extracted definition of a source table
type TableSchema struct {
	Table   TableRef
	Columns []Column
}

// PrimaryKey returns the primary key column names in ordinal order
func (s *TableSchema) PrimaryKey() []string {
	var pk []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// Page is one slice of extracted rows. Values in each row follow Columns.
type Page struct {
	Columns []string
	Rows    [][]interface{}
	HasMore bool
}

// Len returns the number of rows in the page
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Rows)
}

// Records returns the rows keyed by column name
func (p *Page) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(p.Rows))
	for _, row := range p.Rows {
		rec := make(map[string]interface{}, len(p.Columns))
		for i, col := range p.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// RowCounter counts rows in a table
type RowCounter interface {
	CountRows(ctx context.Context, table TableRef) (int64, error)
}

// Source is the extraction side of a database family
type Source interface {
	RowCounter

	Family() models.Family
	ExtractSchema(ctx context.Context, table TableRef) (*TableSchema, error)
	// ExtractDataPage reads up to limit rows starting at offset in primary key order
	ExtractDataPage(ctx context.Context, table TableRef, limit, offset int) (*Page, error)
	// ExtractCurrentPosition returns the source's current resumable offset, or "" when the
	// family exposes none
	ExtractCurrentPosition(ctx context.Context) (string, error)
	// ValidateHasData reports whether the table has at least one row
	ValidateHasData(ctx context.Context, table TableRef) (bool, error)
	Close(ctx context.Context) error
}

// Target is the common part of every target shape
type Target interface {
	Family() models.Family
	Shape() models.TargetShape
	Close(ctx context.Context) error
}

// RelationalTarget receives rows into tables
type RelationalTarget interface {
	Target
	RowCounter

	CreateSchema(ctx context.Context, schema string) error
	CreateTable(ctx context.Context, table TableRef, def *TableSchema) error
	// WritePage writes every row of the page and returns the number written
	WritePage(ctx context.Context, table TableRef, page *Page) (int64, error)
}

// ObjectStore receives whole batch objects
type ObjectStore interface {
	Target

	// Prefix is the key prefix configured on the target, possibly empty
	Prefix() string
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// EnvelopeTarget receives rows wrapped in record/metadata documents
type EnvelopeTarget interface {
	Target
	RowCounter

	CreateEnvelopeTable(ctx context.Context, table TableRef) error
	InsertEnvelope(ctx context.Context, table TableRef, env *Envelope) error
}
