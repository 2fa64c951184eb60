// Package schemasync prepares target namespaces and tables before a full load
package schemasync

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Service creates target schemas and tables from extracted source definitions
type Service struct {
	logger *zap.Logger
}

// NewService creates a schema service
func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger.With(zap.String("component", "schemasync"))}
}

// TableRefs resolves the source and target reference of a configured source table
func TableRefs(p *models.Pipeline, family models.Family, table string) (capability.TableRef, capability.TableRef) {
	src := configgen.SourceTableRef(p, family, table)
	dst := capability.TableRef{Schema: p.TargetSchema, Name: p.TargetTableFor(table)}
	return src, dst
}

// CreateTargetSchema creates the target namespace. Only relational targets have one.
func (s *Service) CreateTargetSchema(ctx context.Context, target capability.Target, schema string) error {
	rel, ok := target.(capability.RelationalTarget)
	if !ok || schema == "" {
		return nil
	}
	if err := rel.CreateSchema(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "create target schema "+schema)
	}
	return nil
}

// CreateTargetTable creates one target table. Relational targets get the extracted
// source columns, envelope targets the fixed record/metadata pair. Object stores
// need no table.
func (s *Service) CreateTargetTable(ctx context.Context, source capability.Source, srcRef capability.TableRef, target capability.Target, dstRef capability.TableRef) error {
	switch t := target.(type) {
	case capability.RelationalTarget:
		def, err := source.ExtractSchema(ctx, srcRef)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "extract schema of "+srcRef.String())
		}
		if err := t.CreateTable(ctx, dstRef, def); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "create target table "+dstRef.String())
		}
	case capability.EnvelopeTarget:
		if err := t.CreateEnvelopeTable(ctx, dstRef); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "create envelope table "+dstRef.String())
		}
	default:
		return nil
	}
	s.logger.Debug("target table ready",
		zap.String("source_table", srcRef.String()),
		zap.String("target_table", dstRef.String()))
	return nil
}

// EnsureTargets creates the target schema and every pipeline table.
// It stops at the first failure and returns how many tables were prepared.
func (s *Service) EnsureTargets(ctx context.Context, p *models.Pipeline, source capability.Source, target capability.Target) (int, error) {
	if err := s.CreateTargetSchema(ctx, target, p.TargetSchema); err != nil {
		return 0, err
	}
	done := 0
	for _, table := range p.SourceTables {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		srcRef, dstRef := TableRefs(p, source.Family(), table)
		if err := s.CreateTargetTable(ctx, source, srcRef, target, dstRef); err != nil {
			return done, err
		}
		done++
	}
	s.logger.Info("target schema prepared",
		zap.String("pipeline_id", p.ID),
		zap.String("target_schema", p.TargetSchema),
		zap.Int("tables", done))
	return done, nil
}
