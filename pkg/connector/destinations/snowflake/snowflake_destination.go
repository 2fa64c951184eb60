// Package snowflake lands full-load rows in Snowflake as record/metadata VARIANT pairs,
// the same table layout the streaming sink writes.
package snowflake

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Column names written by the streaming sink
const (
	RecordContentColumn  = "RECORD_CONTENT"
	RecordMetadataColumn = "RECORD_METADATA"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Close() error
}

// Target is the Snowflake envelope target
type Target struct {
	db       execer
	database string
	schema   string
	logger   *zap.Logger
}

// DSN builds a gosnowflake DSN from a connection record. The account is taken from
// the "account" option, falling back to the host.
func DSN(conn *models.Connection) (string, error) {
	cfg := &gosnowflake.Config{
		Account:   conn.Option("account", conn.Host),
		User:      conn.Username,
		Password:  conn.Password,
		Database:  conn.Database,
		Schema:    conn.Option("schema", conn.Schema),
		Warehouse: conn.Option("warehouse", ""),
		Role:      conn.Option("role", ""),
		Params: map[string]*string{
			"CLIENT_SESSION_KEEP_ALIVE": stringPtr("true"),
		},
	}
	if cfg.Account == "" {
		return "", errors.New(errors.ErrorTypeConfig, "snowflake target requires an account")
	}
	dsn, err := gosnowflake.DSN(cfg)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "failed to build snowflake DSN")
	}
	return dsn, nil
}

func stringPtr(s string) *string { return &s }

// NewTarget opens and pings a database/sql pool through gosnowflake
func NewTarget(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Target, error) {
	dsn, err := DSN(conn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	maxConns := int(opts.MaxConns)
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to validate connection")
	}

	l := opts.Logger.With(zap.String("component", "snowflake_target"), zap.String("connection_id", conn.ID))
	l.Info("Connected to Snowflake", zap.String("database", conn.Database))
	return newTarget(db, conn.Database, conn.Option("schema", conn.Schema), l), nil
}

func newTarget(db execer, database, schema string, logger *zap.Logger) *Target {
	return &Target{db: db, database: database, schema: schema, logger: logger}
}

func (t *Target) Family() models.Family     { return models.FamilySnowflake }
func (t *Target) Shape() models.TargetShape { return models.ShapeEnvelope }

// CreateEnvelopeTable creates the two-column VARIANT table when missing
func (t *Target) CreateEnvelopeTable(ctx context.Context, table capability.TableRef) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + t.ident(table) +
		" (" + RecordContentColumn + " VARIANT, " + RecordMetadataColumn + " VARIANT)"
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create envelope table "+table.String())
	}
	return nil
}

// InsertEnvelope inserts one record/metadata pair. VARIANT values cannot be bound
// directly so both documents go through PARSE_JSON.
func (t *Target) InsertEnvelope(ctx context.Context, table capability.TableRef, env *capability.Envelope) error {
	record, err := json.Marshal(env.Record)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode record")
	}
	metadata, err := json.Marshal(env.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode record metadata")
	}
	query := "INSERT INTO " + t.ident(table) +
		" (" + RecordContentColumn + ", " + RecordMetadataColumn + ") SELECT PARSE_JSON(?), PARSE_JSON(?)"
	if _, err := t.db.ExecContext(ctx, query, string(record), string(metadata)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to insert into "+table.String())
	}
	return nil
}

// CountRows implements capability.RowCounter
func (t *Target) CountRows(ctx context.Context, table capability.TableRef) (int64, error) {
	var n int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.ident(table)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count "+table.String())
	}
	return n, nil
}

// Close closes the pool
func (t *Target) Close(context.Context) error {
	return t.db.Close()
}

// ident renders DATABASE.SCHEMA.TABLE with upper-case quoted parts
func (t *Target) ident(table capability.TableRef) string {
	schema := table.Schema
	if schema == "" {
		schema = t.schema
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{t.database, schema, table.Name} {
		if p != "" {
			parts = append(parts, quote(p))
		}
	}
	return strings.Join(parts, ".")
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(strings.ToUpper(name), `"`, `""`) + `"`
}

func init() {
	_ = registry.RegisterTarget(models.FamilySnowflake, NewTarget)
}
