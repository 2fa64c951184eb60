// Package shared holds helpers used by more than one capability implementation
package shared

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// PostgresDSN builds a pgx connection URL from a connection record
func PostgresDSN(c *models.Connection, database string) string {
	if dsn := c.Option("dsn", ""); dsn != "" {
		return dsn
	}
	if database == "" {
		database = c.Database
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(port),
		Path:   "/" + database,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	q.Set("sslmode", c.Option("sslmode", "prefer"))
	q.Set("application_name", "nebula-cdc")
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgresPool creates and pings a pgx pool
func OpenPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to validate connection")
	}
	return pool, nil
}

// NormalizeValue converts driver values into JSON and Avro friendly Go values
func NormalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	case fmt.Stringer:
		if dv, ok := v.(driver.Valuer); ok {
			if out, err := dv.Value(); err == nil {
				return NormalizeValue(out)
			}
		}
		return x.String()
	case driver.Valuer:
		out, err := x.Value()
		if err != nil {
			return nil
		}
		return NormalizeValue(out)
	default:
		return v
	}
}

// NormalizeRow applies NormalizeValue to every value in place
func NormalizeRow(row []interface{}) []interface{} {
	for i, v := range row {
		row[i] = NormalizeValue(v)
	}
	return row
}
