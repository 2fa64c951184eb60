// Package models defines the pipeline aggregate and its connections
package models

import (
	"strings"
	"time"
)

// Connection is a source or target endpoint. Pipelines reference connections, never own them.
type Connection struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Role     Role              `yaml:"role" json:"role"`
	Family   Family            `yaml:"family" json:"family"`
	Host     string            `yaml:"host" json:"host"`
	Port     int               `yaml:"port" json:"port"`
	Username string            `yaml:"username" json:"username"`
	Password string            `yaml:"password" json:"-"`
	Database string            `yaml:"database" json:"database"`
	Schema   string            `yaml:"schema" json:"schema"`
	Options  map[string]string `yaml:"options" json:"options,omitempty"`
}

// Option returns an option value or the fallback when unset
func (c *Connection) Option(key, fallback string) string {
	if c.Options != nil {
		if v, ok := c.Options[key]; ok && v != "" {
			return v
		}
	}
	return fallback
}

// Pipeline is the aggregate root driven by the orchestrator
type Pipeline struct {
	ID                 string `yaml:"id" json:"id"`
	Name               string `yaml:"name" json:"name"`
	SourceConnectionID string `yaml:"source_connection_id" json:"source_connection_id"`
	TargetConnectionID string `yaml:"target_connection_id" json:"target_connection_id"`

	SourceDatabase string            `yaml:"source_database" json:"source_database"`
	SourceSchema   string            `yaml:"source_schema" json:"source_schema"`
	SourceTables   []string          `yaml:"source_tables" json:"source_tables"`
	TargetDatabase string            `yaml:"target_database" json:"target_database"`
	TargetSchema   string            `yaml:"target_schema" json:"target_schema"`
	TargetTables   []string          `yaml:"target_tables" json:"target_tables,omitempty"`
	TableMapping   map[string]string `yaml:"table_mapping" json:"table_mapping,omitempty"`

	Mode             Mode `yaml:"mode" json:"mode"`
	AutoCreateTarget bool `yaml:"auto_create_target" json:"auto_create_target"`

	Status         PipelineStatus `yaml:"status" json:"status"`
	FullLoadStatus FullLoadStatus `yaml:"full_load_status" json:"full_load_status"`
	CDCStatus      CDCStatus      `yaml:"cdc_status" json:"cdc_status"`

	// FullLoadLSN is the offset token captured after a successful full load
	FullLoadLSN               string `yaml:"full_load_lsn" json:"full_load_lsn,omitempty"`
	FullLoadOffsetApproximate bool   `yaml:"full_load_offset_approximate" json:"full_load_offset_approximate,omitempty"`

	SourceConnectorName   string            `yaml:"source_connector_name" json:"source_connector_name,omitempty"`
	SourceConnectorConfig map[string]string `yaml:"source_connector_config" json:"source_connector_config,omitempty"`
	SinkConnectorName     string            `yaml:"sink_connector_name" json:"sink_connector_name,omitempty"`
	SinkConnectorConfig   map[string]string `yaml:"sink_connector_config" json:"sink_connector_config,omitempty"`
	Topics                []string          `yaml:"topics" json:"topics,omitempty"`

	LastError           string     `yaml:"last_error" json:"last_error,omitempty"`
	FullLoadStartedAt   *time.Time `yaml:"full_load_started_at" json:"full_load_started_at,omitempty"`
	FullLoadCompletedAt *time.Time `yaml:"full_load_completed_at" json:"full_load_completed_at,omitempty"`
	CreatedAt           time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `yaml:"updated_at" json:"updated_at"`
}

// NewPipeline returns a pipeline with every status at its initial default
func NewPipeline(id, name string, mode Mode) *Pipeline {
	now := time.Now().UTC()
	return &Pipeline{
		ID:             id,
		Name:           name,
		Mode:           mode,
		Status:         PipelineStopped,
		FullLoadStatus: FullLoadNotStarted,
		CDCStatus:      CDCNotStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Normalize applies the canonical parse to every status dimension and fills defaults.
// It returns the names of fields whose stored value was not a known enum value.
func (p *Pipeline) Normalize() []string {
	var fixed []string
	var ok bool
	if p.Mode, ok = ParseMode(string(p.Mode)); !ok {
		fixed = append(fixed, "mode")
	}
	if p.Status, ok = ParsePipelineStatus(string(p.Status)); !ok {
		fixed = append(fixed, "status")
	}
	if p.FullLoadStatus, ok = ParseFullLoadStatus(string(p.FullLoadStatus)); !ok {
		fixed = append(fixed, "full_load_status")
	}
	if p.CDCStatus, ok = ParseCDCStatus(string(p.CDCStatus)); !ok {
		fixed = append(fixed, "cdc_status")
	}
	return fixed
}

// Clone returns a deep copy so stores never share mutable state with callers
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	c := *p
	c.SourceTables = append([]string(nil), p.SourceTables...)
	c.TargetTables = append([]string(nil), p.TargetTables...)
	c.Topics = append([]string(nil), p.Topics...)
	c.TableMapping = cloneMap(p.TableMapping)
	c.SourceConnectorConfig = cloneMap(p.SourceConnectorConfig)
	c.SinkConnectorConfig = cloneMap(p.SinkConnectorConfig)
	if p.FullLoadStartedAt != nil {
		t := *p.FullLoadStartedAt
		c.FullLoadStartedAt = &t
	}
	if p.FullLoadCompletedAt != nil {
		t := *p.FullLoadCompletedAt
		c.FullLoadCompletedAt = &t
	}
	return &c
}

// TargetTableFor resolves the target table name for a source table.
// Resolution order: explicit mapping, positional TargetTables entry, then the source name.
func (p *Pipeline) TargetTableFor(sourceTable string) string {
	if p.TableMapping != nil {
		if t, ok := p.TableMapping[sourceTable]; ok && t != "" {
			return t
		}
	}
	for i, s := range p.SourceTables {
		if s == sourceTable && i < len(p.TargetTables) && p.TargetTables[i] != "" {
			return p.TargetTables[i]
		}
	}
	return bareTableName(sourceTable)
}

// HasOffsetToken reports whether a full-load offset has been captured
func (p *Pipeline) HasOffsetToken() bool {
	return strings.TrimSpace(p.FullLoadLSN) != ""
}

// Touch updates the modification timestamp
func (p *Pipeline) Touch() {
	p.UpdatedAt = time.Now().UTC()
}

func bareTableName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
