// Package postgresql lands full-load pages in PostgreSQL tables through COPY
package postgresql

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/shared"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Target is the relational PostgreSQL target
type Target struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTarget opens a pool against the connection's database
func NewTarget(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Target, error) {
	pool, err := shared.OpenPostgresPool(ctx, shared.PostgresDSN(conn, ""), opts.MaxConns)
	if err != nil {
		return nil, err
	}
	l := opts.Logger.With(zap.String("component", "postgresql_target"), zap.String("connection_id", conn.ID))
	l.Info("Connected to PostgreSQL target", zap.String("host", conn.Host), zap.String("database", conn.Database))
	return &Target{pool: pool, logger: l}, nil
}

func (t *Target) Family() models.Family     { return models.FamilyPostgreSQL }
func (t *Target) Shape() models.TargetShape { return models.ShapeRelational }

// CreateSchema creates the schema when missing
func (t *Target) CreateSchema(ctx context.Context, schema string) error {
	if schema == "" {
		return nil
	}
	if _, err := t.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create schema "+schema)
	}
	return nil
}

// CreateTable creates the table when missing, mapping source types to PostgreSQL types
func (t *Target) CreateTable(ctx context.Context, table capability.TableRef, def *capability.TableSchema) error {
	ddl, err := CreateTableSQL(table, def)
	if err != nil {
		return err
	}
	if _, err := t.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create table "+table.String())
	}
	t.logger.Debug("target table ready", zap.String("table", table.String()))
	return nil
}

// CreateTableSQL renders the CREATE TABLE IF NOT EXISTS statement for def
func CreateTableSQL(table capability.TableRef, def *capability.TableSchema) (string, error) {
	if def == nil || len(def.Columns) == 0 {
		return "", errors.Newf(errors.ErrorTypeValidation, "no columns for %s", table)
	}
	cols := make([]string, 0, len(def.Columns)+1)
	for _, c := range def.Columns {
		col := pgx.Identifier{c.Name}.Sanitize() + " " + MapType(c.DataType)
		if !c.Nullable && !c.PrimaryKey {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	if pk := def.PrimaryKey(); len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, k := range pk {
			quoted[i] = pgx.Identifier{k}.Sanitize()
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return "CREATE TABLE IF NOT EXISTS " + ident(table) + " (\n\t" + strings.Join(cols, ",\n\t") + "\n)", nil
}

var (
	passthrough = map[string]bool{
		"smallint": true, "integer": true, "bigint": true, "boolean": true,
		"real": true, "double precision": true, "numeric": true, "text": true,
		"date": true, "uuid": true, "json": true, "jsonb": true, "bytea": true,
		"interval": true, "inet": true,
		"timestamp without time zone": true, "timestamp with time zone": true,
		"time without time zone": true, "time with time zone": true,
		"character varying": true, "character": true,
	}

	mapped = map[string]string{
		// mysql
		"int": "integer", "mediumint": "integer", "tinyint": "smallint",
		"decimal": "numeric", "float": "real", "double": "double precision",
		"varchar": "varchar", "char": "char",
		"tinytext": "text", "mediumtext": "text", "longtext": "text",
		"datetime": "timestamp", "timestamp": "timestamp", "time": "time", "year": "integer",
		"blob": "bytea", "tinyblob": "bytea", "mediumblob": "bytea", "longblob": "bytea",
		"binary": "bytea", "varbinary": "bytea", "enum": "text", "set": "text", "bit": "bigint",
		// mongodb
		"string": "text", "long": "bigint", "bool": "boolean", "objectid": "text",
		"object": "jsonb", "array": "jsonb", "null": "text",
	}
)

// MapType maps a source column type to a PostgreSQL type. Unknown types become text.
func MapType(sourceType string) string {
	t := strings.ToLower(strings.TrimSpace(sourceType))
	if passthrough[t] {
		return t
	}
	if strings.HasPrefix(t, "tinyint(1)") {
		return "boolean"
	}

	base, args := splitType(t)
	if passthrough[base] {
		return base
	}
	pg, ok := mapped[base]
	if !ok {
		return "text"
	}
	switch pg {
	case "varchar", "char", "numeric":
		return pg + args
	}
	return pg
}

// splitType splits "decimal(10, 2) unsigned" into "decimal" and "(10,2)"
func splitType(t string) (string, string) {
	if i := strings.Index(t, "("); i > 0 {
		if j := strings.Index(t[i:], ")"); j > 0 {
			return strings.TrimSpace(t[:i]), strings.ReplaceAll(t[i:i+j+1], " ", "")
		}
	}
	if f := strings.Fields(t); len(f) > 0 {
		return f[0], ""
	}
	return t, ""
}

// WritePage copies every row of the page into the table
func (t *Target) WritePage(ctx context.Context, table capability.TableRef, page *capability.Page) (int64, error) {
	if page.Len() == 0 {
		return 0, nil
	}
	n, err := t.pool.CopyFrom(ctx, pgx.Identifier{schemaOf(table), table.Name}, page.Columns, pgx.CopyFromRows(page.Rows))
	if err != nil {
		return n, errors.Wrap(err, errors.ErrorTypeData, "failed to copy rows into "+table.String())
	}
	return n, nil
}

// CountRows implements capability.RowCounter
func (t *Target) CountRows(ctx context.Context, table capability.TableRef) (int64, error) {
	var n int64
	if err := t.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+ident(table)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count "+table.String())
	}
	return n, nil
}

// Close releases the pool
func (t *Target) Close(context.Context) error {
	t.pool.Close()
	return nil
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
	_ = registry.RegisterTarget(models.FamilyPostgreSQL, NewTarget)
}
