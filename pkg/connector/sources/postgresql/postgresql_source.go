// Package postgresql reads tables and the current WAL position from PostgreSQL
package postgresql

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/shared"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Source is the PostgreSQL source capability
type Source struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string][]string
}

// NewSource opens a pool against the connection's database
func NewSource(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Source, error) {
	pool, err := shared.OpenPostgresPool(ctx, shared.PostgresDSN(conn, ""), opts.MaxConns)
	if err != nil {
		return nil, err
	}
	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to get server version")
	}

	l := opts.Logger.With(zap.String("component", "postgresql_source"), zap.String("connection_id", conn.ID))
	l.Info("Connected to PostgreSQL", zap.String("version", version), zap.String("host", conn.Host))
	return &Source{pool: pool, logger: l, keys: make(map[string][]string)}, nil
}

// Family implements capability.Source
func (s *Source) Family() models.Family { return models.FamilyPostgreSQL }

// ExtractSchema reads column definitions and the primary key
func (s *Source) ExtractSchema(ctx context.Context, table capability.TableRef) (*capability.TableSchema, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.ordinal_position,
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON tc.constraint_name = kcu.constraint_name
		            AND tc.table_schema = kcu.table_schema
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schemaOf(table), table.Name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query table schema")
	}
	defer rows.Close()

	schema := &capability.TableSchema{Table: table}
	for rows.Next() {
		var col capability.Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &col.Position, &col.PrimaryKey); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan schema row")
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating schema rows")
	}
	if len(schema.Columns) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found or has no columns", table)
	}

	s.mu.Lock()
	s.keys[table.String()] = schema.PrimaryKey()
	s.mu.Unlock()

	s.logger.Debug("Discovered table schema", zap.String("table", table.String()), zap.Int("columns", len(schema.Columns)))
	return schema, nil
}

// ExtractDataPage reads up to limit rows starting at offset in primary key order
func (s *Source) ExtractDataPage(ctx context.Context, table capability.TableRef, limit, offset int) (*capability.Page, error) {
	order, err := s.orderBy(ctx, table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2", ident(table), order)
	rows, err := s.pool.Query(ctx, query, limit+1, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read page of "+table.String())
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	page := &capability.Page{Columns: make([]string, len(fields))}
	for i, f := range fields {
		page.Columns[i] = f.Name
	}
	for rows.Next() {
		if len(page.Rows) == limit {
			page.HasMore = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to get row values")
		}
		page.Rows = append(page.Rows, shared.NormalizeRow(values))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating rows of "+table.String())
	}
	return page, nil
}

// ExtractCurrentPosition returns the current WAL LSN
func (s *Source) ExtractCurrentPosition(ctx context.Context) (string, error) {
	var raw string
	if err := s.pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&raw); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeQuery, "failed to read current wal lsn")
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "invalid lsn "+raw)
	}
	return lsn.String(), nil
}

// ValidateHasData reports whether the table has at least one row
func (s *Source) ValidateHasData(ctx context.Context, table capability.TableRef) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", ident(table))
	if err := s.pool.QueryRow(ctx, query).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to check rows in "+table.String())
	}
	return exists, nil
}

// CountRows implements capability.RowCounter
func (s *Source) CountRows(ctx context.Context, table capability.TableRef) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident(table)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count "+table.String())
	}
	return n, nil
}

// Close closes the pool
func (s *Source) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Source) orderBy(ctx context.Context, table capability.TableRef) (string, error) {
	s.mu.Lock()
	keys, ok := s.keys[table.String()]
	s.mu.Unlock()
	if !ok {
		schema, err := s.ExtractSchema(ctx, table)
		if err != nil {
			return "", err
		}
		keys = schema.PrimaryKey()
	}
	return OrderClause(keys), nil
}

// OrderClause quotes primary key columns; tables without one page in physical order
func OrderClause(keys []string) string {
	if len(keys) == 0 {
		return "ctid"
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = pgx.Identifier{k}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func schemaOf(t capability.TableRef) string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

func ident(t capability.TableRef) string {
	return pgx.Identifier{schemaOf(t), t.Name}.Sanitize()
}

func init() {
	_ = registry.RegisterSource(models.FamilyPostgreSQL, NewSource)
}
