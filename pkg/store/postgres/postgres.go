// Package postgres stores pipelines and connections in PostgreSQL through a
// pgx pool. Every status write also appends a row to the status audit table.
package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
)

const pipelineColumns = `id, name, source_connection_id, target_connection_id, definition, mode,
	auto_create_target, status, full_load_status, cdc_status, full_load_lsn,
	full_load_offset_approximate, source_connector_name, source_connector_config,
	sink_connector_name, sink_connector_config, topics, last_error,
	full_load_started_at, full_load_completed_at, created_at, updated_at`

// definition is the immutable part of a pipeline, stored as one JSONB document
type definition struct {
	SourceDatabase string            `json:"source_database"`
	SourceSchema   string            `json:"source_schema"`
	SourceTables   []string          `json:"source_tables"`
	TargetDatabase string            `json:"target_database"`
	TargetSchema   string            `json:"target_schema"`
	TargetTables   []string          `json:"target_tables,omitempty"`
	TableMapping   map[string]string `json:"table_mapping,omitempty"`
}

// Store is a pgxpool-backed store
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	// normalizedOnce remembers pipeline/field pairs already reported
	normalizedOnce sync.Map
}

// New connects, pings and migrates
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres store DSN is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse store DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "connect postgres store")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "ping postgres store")
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "migrate postgres store")
	}

	return &Store{pool: pool, logger: logger.With(zap.String("component", "postgres_store"))}, nil
}

// Name identifies the store in logs and metrics
func (s *Store) Name() string { return "postgres" }

// Close closes the pool
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Seed upserts every connection and pipeline definition. Status columns of
// existing pipelines are left alone so seeding never rewinds a running pipeline.
func (s *Store) Seed(ctx context.Context, defs *config.Definitions) error {
	if defs == nil {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range defs.Connections {
			if err := upsertConnection(ctx, tx, &defs.Connections[i]); err != nil {
				return err
			}
		}
		for i := range defs.Pipelines {
			if err := upsertPipelineDefinition(ctx, tx, &defs.Pipelines[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertConnection(ctx context.Context, tx pgx.Tx, c *models.Connection) error {
	family, _ := models.ParseFamily(string(c.Family))
	options, err := json.Marshal(nonNilMap(c.Options))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "marshal connection options")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO nebula_connections (id, name, role, family, host, port, username, password, database_name, schema_name, options)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role, family = EXCLUDED.family,
			host = EXCLUDED.host, port = EXCLUDED.port, username = EXCLUDED.username,
			password = EXCLUDED.password, database_name = EXCLUDED.database_name,
			schema_name = EXCLUDED.schema_name, options = EXCLUDED.options, updated_at = now()`,
		c.ID, c.Name, string(c.Role), string(family), c.Host, c.Port, c.Username, c.Password,
		c.Database, c.Schema, options,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "upsert connection "+c.ID)
	}
	return nil
}

func upsertPipelineDefinition(ctx context.Context, tx pgx.Tx, p *models.Pipeline) error {
	cp := p.Clone()
	cp.Normalize()
	def, err := json.Marshal(definitionOf(cp))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "marshal pipeline definition")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO nebula_pipelines (id, name, source_connection_id, target_connection_id, definition, mode,
			auto_create_target, status, full_load_status, cdc_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, source_connection_id = EXCLUDED.source_connection_id,
			target_connection_id = EXCLUDED.target_connection_id, definition = EXCLUDED.definition,
			mode = EXCLUDED.mode, auto_create_target = EXCLUDED.auto_create_target, updated_at = now()`,
		cp.ID, cp.Name, cp.SourceConnectionID, cp.TargetConnectionID, def, string(cp.Mode),
		cp.AutoCreateTarget, string(cp.Status), string(cp.FullLoadStatus), string(cp.CDCStatus),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "upsert pipeline "+cp.ID)
	}
	return nil
}

// LoadPipeline reads a pipeline and normalizes its enum columns
func (s *Store) LoadPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pipelineColumns+" FROM nebula_pipelines WHERE id = $1", id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.NotFound("pipeline", id)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "load pipeline "+id)
	}
	if fixed := p.Normalize(); len(fixed) > 0 {
		s.reportNormalized(p.ID, fixed)
	}
	return p, nil
}

// LoadConnection reads a connection
func (s *Store) LoadConnection(ctx context.Context, id string) (*models.Connection, error) {
	var (
		c       models.Connection
		role    string
		family  string
		options []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, role, family, host, port, username, password, database_name, schema_name, options
		 FROM nebula_connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &role, &family, &c.Host, &c.Port, &c.Username, &c.Password, &c.Database, &c.Schema, &options)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.NotFound("connection", id)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "load connection "+id)
	}
	c.Role = models.Role(role)
	c.Family, _ = models.ParseFamily(family)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &c.Options); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "decode connection options")
		}
	}
	return &c, nil
}

// SavePipelineStatus writes the mutable columns and appends an audit event when the status changed
func (s *Store) SavePipelineStatus(ctx context.Context, p *models.Pipeline) error {
	sourceCfg, err := marshalNullable(p.SourceConnectorConfig)
	if err != nil {
		return err
	}
	sinkCfg, err := marshalNullable(p.SinkConnectorConfig)
	if err != nil {
		return err
	}
	topics, err := marshalNullable(p.Topics)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var prev string
		err := tx.QueryRow(ctx, "SELECT status FROM nebula_pipelines WHERE id = $1 FOR UPDATE", p.ID).Scan(&prev)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.NotFound("pipeline", p.ID)
			}
			return errors.Wrap(err, errors.ErrorTypeQuery, "lock pipeline "+p.ID)
		}

		_, err = tx.Exec(ctx,
			`UPDATE nebula_pipelines SET
				status = $2, full_load_status = $3, cdc_status = $4,
				full_load_lsn = $5, full_load_offset_approximate = $6,
				source_connector_name = $7, source_connector_config = $8,
				sink_connector_name = $9, sink_connector_config = $10,
				topics = $11, last_error = $12,
				full_load_started_at = $13, full_load_completed_at = $14,
				updated_at = $15
			 WHERE id = $1`,
			p.ID, string(p.Status), string(p.FullLoadStatus), string(p.CDCStatus),
			emptyToNull(p.FullLoadLSN), p.FullLoadOffsetApproximate,
			emptyToNull(p.SourceConnectorName), sourceCfg,
			emptyToNull(p.SinkConnectorName), sinkCfg,
			topics, emptyToNull(p.LastError),
			p.FullLoadStartedAt, p.FullLoadCompletedAt,
			updatedAt(p),
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "update pipeline "+p.ID)
		}

		if !statusChanged(prev, p.Status) {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO nebula_pipeline_status_events (pipeline_id, from_status, to_status, full_load_status, cdc_status, last_error)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, emptyToNull(prev), string(p.Status), string(p.FullLoadStatus), string(p.CDCStatus), emptyToNull(p.LastError),
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "record status event "+p.ID)
		}
		return nil
	})
}

// StatusEvent is one row of the audit trail
type StatusEvent struct {
	FromStatus     string
	ToStatus       models.PipelineStatus
	FullLoadStatus models.FullLoadStatus
	CDCStatus      models.CDCStatus
	LastError      string
	RecordedAt     time.Time
}

// StatusHistory returns the audit trail of a pipeline, oldest first
func (s *Store) StatusHistory(ctx context.Context, pipelineID string) ([]StatusEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT from_status, to_status, full_load_status, cdc_status, last_error, recorded_at
		 FROM nebula_pipeline_status_events WHERE pipeline_id = $1 ORDER BY recorded_at, id`, pipelineID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "list status events")
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var (
			ev                      StatusEvent
			from, lastErr           *string
			to, fullLoad, cdcStatus string
		)
		if err := rows.Scan(&from, &to, &fullLoad, &cdcStatus, &lastErr, &ev.RecordedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "scan status event")
		}
		ev.FromStatus = derefString(from)
		ev.LastError = derefString(lastErr)
		ev.ToStatus, _ = models.ParsePipelineStatus(to)
		ev.FullLoadStatus, _ = models.ParseFullLoadStatus(fullLoad)
		ev.CDCStatus, _ = models.ParseCDCStatus(cdcStatus)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "iterate status events")
	}
	return events, nil
}

func (s *Store) reportNormalized(pipelineID string, fields []string) {
	for _, f := range fields {
		if _, seen := s.normalizedOnce.LoadOrStore(pipelineID+"/"+f, struct{}{}); seen {
			continue
		}
		s.logger.Warn("normalized invalid stored status value",
			zap.String("pipeline_id", pipelineID),
			zap.String("field", f))
	}
}

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var (
		p                                 models.Pipeline
		def, sourceCfg, sinkCfg, topics   []byte
		mode, status, fullLoad, cdcStatus string
		lsn, sourceName, sinkName, lastEr *string
	)
	err := row.Scan(&p.ID, &p.Name, &p.SourceConnectionID, &p.TargetConnectionID, &def, &mode,
		&p.AutoCreateTarget, &status, &fullLoad, &cdcStatus, &lsn,
		&p.FullLoadOffsetApproximate, &sourceName, &sourceCfg,
		&sinkName, &sinkCfg, &topics, &lastEr,
		&p.FullLoadStartedAt, &p.FullLoadCompletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	var d definition
	if err := json.Unmarshal(def, &d); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode pipeline definition")
	}
	p.SourceDatabase, p.SourceSchema, p.SourceTables = d.SourceDatabase, d.SourceSchema, d.SourceTables
	p.TargetDatabase, p.TargetSchema, p.TargetTables = d.TargetDatabase, d.TargetSchema, d.TargetTables
	p.TableMapping = d.TableMapping

	p.Mode = models.Mode(mode)
	p.Status = models.PipelineStatus(status)
	p.FullLoadStatus = models.FullLoadStatus(fullLoad)
	p.CDCStatus = models.CDCStatus(cdcStatus)
	p.FullLoadLSN = derefString(lsn)
	p.SourceConnectorName = derefString(sourceName)
	p.SinkConnectorName = derefString(sinkName)
	p.LastError = derefString(lastEr)

	if err := unmarshalNullable(sourceCfg, &p.SourceConnectorConfig); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(sinkCfg, &p.SinkConnectorConfig); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(topics, &p.Topics); err != nil {
		return nil, err
	}
	return &p, nil
}

func definitionOf(p *models.Pipeline) definition {
	return definition{
		SourceDatabase: p.SourceDatabase,
		SourceSchema:   p.SourceSchema,
		SourceTables:   p.SourceTables,
		TargetDatabase: p.TargetDatabase,
		TargetSchema:   p.TargetSchema,
		TargetTables:   p.TargetTables,
		TableMapping:   p.TableMapping,
	}
}

// statusChanged compares the stored raw value against the canonical new status
func statusChanged(prev string, next models.PipelineStatus) bool {
	parsed, ok := models.ParsePipelineStatus(prev)
	return !ok || parsed != next
}

func updatedAt(p *models.Pipeline) time.Time {
	if p.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return p.UpdatedAt
}

func marshalNullable[T any](v T) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "marshal pipeline column")
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func unmarshalNullable(b []byte, out interface{}) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode pipeline column")
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func emptyToNull(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
