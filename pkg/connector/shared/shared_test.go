package shared

import (
	"database/sql/driver"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

type valuer struct{ v driver.Value }

func (v valuer) Value() (driver.Value, error) { return v.v, nil }

func TestPostgresDSN(t *testing.T) {
	c := &models.Connection{Host: "db", Username: "app", Password: "p@ss", Database: "shop"}
	assert.Equal(t, "postgres://app:p%40ss@db:5432/shop?application_name=nebula-cdc&sslmode=prefer", PostgresDSN(c, ""))
	assert.Contains(t, PostgresDSN(c, "other"), "/other?")

	c.Options = map[string]string{"dsn": "postgres://override"}
	assert.Equal(t, "postgres://override", PostgresDSN(c, ""))
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	row := NormalizeRow([]interface{}{[]byte("abc"), ts, valuer{int64(7)}, 1.5, nil})
	assert.Equal(t, "abc", row[0])
	assert.Equal(t, ts.UTC(), row[1])
	assert.Equal(t, int64(7), row[2])
	assert.Equal(t, 1.5, row[3])
	assert.Nil(t, row[4])
}
