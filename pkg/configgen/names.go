// Package configgen turns a logical pipeline into Kafka Connect connector
// configurations and derives the names the reconciler manages: connector
// names, the topic prefix and the per-table topic names.
package configgen

import (
	"strings"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// sanitize keeps [a-z0-9_-] and folds everything else to '_'
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func shortID(id string) string {
	id = sanitize(strings.ReplaceAll(id, "-", ""))
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TopicPrefix is the logical server name every topic of the pipeline starts with
func TopicPrefix(p *models.Pipeline) string {
	if prefix := sanitize(p.Name); prefix != "" {
		return prefix
	}
	return "pipeline_" + shortID(p.ID)
}

// ConnectorName returns the deterministic connector name for a pipeline role
func ConnectorName(p *models.Pipeline, role models.Role) string {
	suffix := "source"
	if role != models.RoleSource {
		suffix = "sink"
	}
	parts := []string{TopicPrefix(p)}
	if id := shortID(p.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, suffix)
	return strings.Join(parts, "-")
}

// namespace is the middle topic segment: the database for families that
// have no schemas (mysql, mongodb), otherwise the schema
func namespace(p *models.Pipeline, family models.Family) string {
	switch family {
	case models.FamilyMySQL, models.FamilyMongoDB:
		if p.SourceDatabase != "" {
			return p.SourceDatabase
		}
	}
	if p.SourceSchema != "" {
		return p.SourceSchema
	}
	if family == models.FamilyPostgreSQL {
		return "public"
	}
	return p.SourceDatabase
}

// SourceTableRef resolves a configured source table against the pipeline's default namespace
func SourceTableRef(p *models.Pipeline, family models.Family, table string) capability.TableRef {
	return capability.ParseTableRef(table, namespace(p, family))
}

// TopicName returns the topic the capture connector produces for a source table.
// Oracle, DB2 and Snowflake keep upper-case identifiers.
func TopicName(p *models.Pipeline, family models.Family, table string) string {
	ref := SourceTableRef(p, family, table)
	schema, name := ref.Schema, ref.Name
	if family.Traits().UpperCaseTopics {
		schema, name = strings.ToUpper(schema), strings.ToUpper(name)
	}
	if schema == "" {
		return TopicPrefix(p) + "." + name
	}
	return TopicPrefix(p) + "." + schema + "." + name
}

// TopicNames generates the topic for every configured source table
func TopicNames(p *models.Pipeline, family models.Family) []string {
	out := make([]string, 0, len(p.SourceTables))
	for _, t := range p.SourceTables {
		out = append(out, TopicName(p, family, t))
	}
	return out
}

// ParseTopicList splits a connector "topics" property
func ParseTopicList(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SameTopics reports whether two topic lists bind the same set
func SameTopics(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[strings.TrimSpace(t)] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, t := range b {
		t = strings.TrimSpace(t)
		if _, ok := set[t]; !ok {
			return false
		}
		other[t] = struct{}{}
	}
	return len(set) == len(other)
}
