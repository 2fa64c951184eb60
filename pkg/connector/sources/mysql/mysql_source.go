// Package mysql reads tables and the binlog position from MySQL
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	driver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/shared"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Source is the MySQL source capability
type Source struct {
	db       *sql.DB
	database string
	logger   *zap.Logger

	mu   sync.Mutex
	keys map[string][]string
}

// DSN builds a go-sql-driver DSN from a connection record
func DSN(c *models.Connection) string {
	cfg := driver.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	port := c.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = c.Host + ":" + strconv.Itoa(port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = 10 * time.Second
	if tls := c.Option("tls", ""); tls != "" {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN()
}

// NewSource opens a database/sql pool
func NewSource(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Source, error) {
	db, err := sql.Open("mysql", DSN(conn))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open mysql")
	}
	maxConns := int(opts.MaxConns)
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to validate connection")
	}

	l := opts.Logger.With(zap.String("component", "mysql_source"), zap.String("connection_id", conn.ID))
	l.Info("Connected to MySQL", zap.String("host", conn.Host), zap.String("database", conn.Database))
	return &Source{db: db, database: conn.Database, logger: l, keys: make(map[string][]string)}, nil
}

// Family implements capability.Source
func (s *Source) Family() models.Family { return models.FamilyMySQL }

// ExtractSchema reads column definitions and the primary key
func (s *Source) ExtractSchema(ctx context.Context, table capability.TableRef) (*capability.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE = 'YES', ORDINAL_POSITION, COLUMN_KEY = 'PRI'
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, s.schemaOf(table), table.Name)
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
	return schema, nil
}

// ExtractDataPage reads up to limit rows starting at offset in primary key order
func (s *Source) ExtractDataPage(ctx context.Context, table capability.TableRef, limit, offset int) (*capability.Page, error) {
	s.mu.Lock()
	keys, ok := s.keys[table.String()]
	s.mu.Unlock()
	if !ok {
		schema, err := s.ExtractSchema(ctx, table)
		if err != nil {
			return nil, err
		}
		keys = schema.PrimaryKey()
	}

	query := "SELECT * FROM " + s.ident(table)
	if len(keys) > 0 {
		query += " ORDER BY " + quoteAll(keys)
	}
	query += " LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, limit+1, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read page of "+table.String())
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read columns")
	}
	page := &capability.Page{Columns: cols}
	for rows.Next() {
		if len(page.Rows) == limit {
			page.HasMore = true
			break
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan row")
		}
		page.Rows = append(page.Rows, shared.NormalizeRow(values))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating rows of "+table.String())
	}
	return page, nil
}

// ExtractCurrentPosition returns the executed GTID set when GTIDs are enabled,
// otherwise the binlog file and position as "file:pos"
func (s *Source) ExtractCurrentPosition(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 renamed the statement
		rows, err = s.db.QueryContext(ctx, "SHOW BINARY LOG STATUS")
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeQuery, "failed to get binlog status")
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeQuery, "failed to read binlog status columns")
	}
	if !rows.Next() {
		// binary logging disabled
		return "", rows.Err()
	}
	raw := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "failed to scan binlog status")
	}

	status := make(map[string]string, len(cols))
	for i, c := range cols {
		status[c] = raw[i].String
	}
	return FormatPosition(status["File"], status["Position"], status["Executed_Gtid_Set"])
}

// FormatPosition renders a binlog status row as an offset token
func FormatPosition(file, pos, gtid string) (string, error) {
	if gtid = strings.TrimSpace(gtid); gtid != "" {
		set, err := gomysql.ParseMysqlGTIDSet(gtid)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeData, "invalid gtid set")
		}
		return "gtid:" + set.String(), nil
	}
	if file == "" {
		return "", nil
	}
	n, err := strconv.ParseUint(pos, 10, 32)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "invalid binlog position "+pos)
	}
	p := gomysql.Position{Name: file, Pos: uint32(n)}
	return fmt.Sprintf("%s:%d", p.Name, p.Pos), nil
}

// ValidateHasData reports whether the table has at least one row
func (s *Source) ValidateHasData(ctx context.Context, table capability.TableRef) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+s.ident(table)+")").Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to check rows in "+table.String())
	}
	return exists, nil
}

// CountRows implements capability.RowCounter
func (s *Source) CountRows(ctx context.Context, table capability.TableRef) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.ident(table)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count "+table.String())
	}
	return n, nil
}

// Close closes the pool
func (s *Source) Close(context.Context) error {
	return s.db.Close()
}

func (s *Source) schemaOf(t capability.TableRef) string {
	if t.Schema == "" {
		return s.database
	}
	return t.Schema
}

func (s *Source) ident(t capability.TableRef) string {
	return quote(s.schemaOf(t)) + "." + quote(t.Name)
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteAll(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return strings.Join(out, ", ")
}

func init() {
	_ = registry.RegisterSource(models.FamilyMySQL, NewSource)
}
