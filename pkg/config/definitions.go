package config

import (
	"fmt"

	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Definitions is the on-disk set of connections and pipelines used to seed a store
type Definitions struct {
	Connections []models.Connection `yaml:"connections" json:"connections"`
	Pipelines   []models.Pipeline   `yaml:"pipelines" json:"pipelines"`
}

// LoadDefinitions reads a definitions file and checks its references
func LoadDefinitions(filePath string) (*Definitions, error) {
	var defs Definitions
	if err := Load(filePath, &defs); err != nil {
		return nil, err
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &defs, nil
}

// Validate checks that ids are unique and that every pipeline references known connections
func (d *Definitions) Validate() error {
	conns := make(map[string]models.Role, len(d.Connections))
	for _, c := range d.Connections {
		if c.ID == "" {
			return fmt.Errorf("connection %q has no id", c.Name)
		}
		if _, dup := conns[c.ID]; dup {
			return fmt.Errorf("duplicate connection id %q", c.ID)
		}
		if _, ok := models.ParseFamily(string(c.Family)); !ok {
			return fmt.Errorf("connection %q has unknown family %q", c.ID, c.Family)
		}
		conns[c.ID] = c.Role
	}

	seen := make(map[string]struct{}, len(d.Pipelines))
	for _, p := range d.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipeline %q has no id", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate pipeline id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, ok := conns[p.SourceConnectionID]; !ok {
			return fmt.Errorf("pipeline %q references unknown source connection %q", p.ID, p.SourceConnectionID)
		}
		if _, ok := conns[p.TargetConnectionID]; !ok {
			return fmt.Errorf("pipeline %q references unknown target connection %q", p.ID, p.TargetConnectionID)
		}
		if len(p.SourceTables) == 0 {
			return fmt.Errorf("pipeline %q has no source tables", p.ID)
		}
	}
	return nil
}
