// Package fullload copies existing source rows into the target before streaming
// starts. One coordinator serves the three target shapes: relational tables,
// object stores and envelope tables.
package fullload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/internal/schemasync"
	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/compression"
	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/formats"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/observability"
)

// Phase is the value of the phase detail on full-load failures
const Phase = "full_load"

// SyntheticPrefix starts every wall-clock fallback offset token
const SyntheticPrefix = "SYNTHETIC"

// Options tune the coordinator
type Options struct {
	PageSize       int
	TransferSchema bool
	ObjectFormat   string
	Compression    string
	// Now is the clock used for object keys, envelope timestamps and synthetic offsets
	Now func() time.Time
}

// OptionsFrom maps the full_load configuration section
func OptionsFrom(cfg config.FullLoadConfig) Options {
	return Options{
		PageSize:       cfg.PageSize,
		TransferSchema: cfg.TransferSchema,
		ObjectFormat:   cfg.ObjectFormat,
		Compression:    cfg.Compression,
	}
}

// TableResult is the outcome of one table
type TableResult struct {
	SourceTable string `json:"source_table"`
	TargetTable string `json:"target_table"`
	Rows        int64  `json:"rows"`
	// HadData reports whether the source held rows before the transfer
	HadData    bool                       `json:"had_data"`
	Success    bool                       `json:"success"`
	Error      string                     `json:"error,omitempty"`
	Validation *capability.RowCountResult `json:"validation,omitempty"`
	ObjectKey  string                     `json:"object_key,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

// Result summarizes a full load
type Result struct {
	TablesSuccessful  int              `json:"tables_successful"`
	TablesFailed      int              `json:"tables_failed"`
	TotalRows         int64            `json:"total_rows"`
	Tables            []TableResult    `json:"tables"`
	OffsetToken       string           `json:"offset_token,omitempty"`
	OffsetApproximate bool             `json:"offset_approximate,omitempty"`
	Warnings          []models.Warning `json:"warnings,omitempty"`
	Duration          time.Duration    `json:"duration"`
}

func (r *Result) warn(kind models.WarningKind, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, models.NewWarning(kind, fmt.Sprintf(format, args...)))
	metrics.Warnings.WithLabelValues(string(kind)).Inc()
}

// Coordinator drives the bulk copy from a source capability into a target
type Coordinator struct {
	opts       Options
	schema     *schemasync.Service
	encoder    formats.Encoder
	compressor compression.Compressor
	logger     *zap.Logger
}

// NewCoordinator validates the options and builds the object encoder and compressor
func NewCoordinator(opts Options, schema *schemasync.Service, logger *zap.Logger) (*Coordinator, error) {
	if opts.PageSize <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "full load page size must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	enc, err := formats.NewEncoder(opts.ObjectFormat)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid object format")
	}
	algo, err := compression.ParseAlgorithm(opts.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	comp, err := compression.NewCompressor(algo, compression.Default)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	return &Coordinator{
		opts:       opts,
		schema:     schema,
		encoder:    enc,
		compressor: comp,
		logger:     logger.With(zap.String("component", "fullload")),
	}, nil
}

// tableFailure carries a table error and whether it is a post-transfer validation failure
type tableFailure struct {
	err        error
	validation bool
}

// Run transfers every pipeline table. Errors on one table do not stop the others.
// The returned error is a FullLoad error; the partial result is returned with it.
func (c *Coordinator) Run(ctx context.Context, p *models.Pipeline, source capability.Source, sourceConn *models.Connection, target capability.Target) (*Result, error) {
	start := time.Now()
	log := c.logger.With(
		zap.String("pipeline_id", p.ID),
		zap.String("source", source.Family().String()),
		zap.String("target", target.Family().String()),
		zap.String("shape", string(target.Shape())))
	log.Info("full load started", zap.Strings("tables", p.SourceTables), zap.Int("page_size", c.opts.PageSize))

	res := &Result{}
	tracker := metrics.NewThroughputTracker(source.Family().String(), target.Family().String())
	anyHadData := false
	var validationErrs []string

	for _, table := range p.SourceTables {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, c.fatal(errors.Wrap(err, errors.ErrorTypeFullLoad, "full load cancelled"), res)
		}
		srcRef, dstRef := schemasync.TableRefs(p, source.Family(), table)
		tr, failure := c.transferTable(ctx, p, source, srcRef, target, dstRef, res)
		anyHadData = anyHadData || tr.HadData
		tracker.Increment(tr.Rows)

		if failure != nil {
			tr.Error = failure.err.Error()
			res.TablesFailed++
			metrics.FullLoadTables.WithLabelValues(metrics.ResultFailure).Inc()
			if failure.validation {
				validationErrs = append(validationErrs, fmt.Sprintf("%s: %s", srcRef, failure.err))
			}
			log.Error("table transfer failed", zap.String("table", srcRef.String()), zap.Error(failure.err))
			if ctx.Err() != nil {
				res.Tables = append(res.Tables, tr)
				res.Duration = time.Since(start)
				return res, c.fatal(errors.Wrap(ctx.Err(), errors.ErrorTypeFullLoad, "full load cancelled"), res)
			}
		} else {
			tr.Success = true
			res.TablesSuccessful++
			metrics.FullLoadTables.WithLabelValues(metrics.ResultSuccess).Inc()
			log.Info("table transferred",
				zap.String("table", srcRef.String()),
				zap.String("target_table", dstRef.String()),
				zap.Int64("rows", tr.Rows),
				zap.Duration("duration", tr.Duration))
		}
		res.TotalRows += tr.Rows
		res.Tables = append(res.Tables, tr)
	}
	metrics.FullLoadRows.WithLabelValues(source.Family().String(), string(target.Shape())).Add(float64(res.TotalRows))
	log.Debug("full load throughput", zap.Float64("rows_per_second", tracker.GetAndReset()))

	switch {
	case res.TablesSuccessful == 0:
		res.Duration = time.Since(start)
		return res, c.fatal(errors.Newf(errors.ErrorTypeFullLoad,
			"no table transferred successfully (%d failed)", res.TablesFailed), res)
	case res.TotalRows == 0 && anyHadData:
		res.Duration = time.Since(start)
		return res, c.fatal(errors.New(errors.ErrorTypeFullLoad,
			"silent data loss: source reported rows but none were transferred"), res)
	case res.TotalRows == 0:
		res.warn(models.WarningEmptySource, "source tables are empty, nothing was transferred")
		log.Warn("full load transferred no rows from an empty source")
	}
	if len(validationErrs) > 0 {
		res.Duration = time.Since(start)
		return res, c.fatal(errors.Newf(errors.ErrorTypeFullLoad,
			"post-transfer validation failed: %s", strings.Join(validationErrs, "; ")), res)
	}

	c.captureOffset(ctx, source, sourceConn, res, log)
	res.Duration = time.Since(start)
	log.Info("full load completed",
		zap.Int("tables_successful", res.TablesSuccessful),
		zap.Int("tables_failed", res.TablesFailed),
		zap.Int64("total_rows", res.TotalRows),
		zap.String("offset", res.OffsetToken),
		zap.Bool("offset_approximate", res.OffsetApproximate),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (c *Coordinator) fatal(err *errors.Error, res *Result) error {
	return err.
		WithDetail(errors.DetailPhase, Phase).
		WithDetail(errors.DetailTablesProcessed, res.TablesSuccessful+res.TablesFailed).
		WithDetail(errors.DetailRowsProcessed, res.TotalRows)
}

func (c *Coordinator) transferTable(ctx context.Context, p *models.Pipeline, source capability.Source, srcRef capability.TableRef, target capability.Target, dstRef capability.TableRef, res *Result) (TableResult, *tableFailure) {
	ctx, span := observability.StartSpan(ctx, "fullload.table")
	start := time.Now()
	tr := TableResult{SourceTable: srcRef.String(), TargetTable: dstRef.String()}

	failure := func() *tableFailure {
		hasData, err := source.ValidateHasData(ctx, srcRef)
		if err != nil {
			return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeQuery, "check source data")}
		}
		tr.HadData = hasData

		switch t := target.(type) {
		case capability.RelationalTarget:
			return c.relational(ctx, source, srcRef, t, dstRef, &tr, res)
		case capability.ObjectStore:
			return c.objectStore(ctx, source, srcRef, t, dstRef, &tr)
		case capability.EnvelopeTarget:
			return c.envelope(ctx, p, source, srcRef, t, dstRef, &tr, res)
		default:
			return &tableFailure{err: errors.Newf(errors.ErrorTypeCapability, "unsupported target shape %q", target.Shape())}
		}
	}()

	tr.Duration = time.Since(start)
	span.SetAttribute("table", srcRef.String())
	span.SetAttribute("rows", tr.Rows)
	if failure != nil {
		span.End(failure.err)
	} else {
		span.End(nil)
	}
	return tr, failure
}

func (c *Coordinator) createTable(ctx context.Context, source capability.Source, srcRef capability.TableRef, target capability.Target, dstRef capability.TableRef) *tableFailure {
	if !c.opts.TransferSchema || c.schema == nil {
		return nil
	}
	if err := c.schema.CreateTargetTable(ctx, source, srcRef, target, dstRef); err != nil {
		return &tableFailure{err: err}
	}
	return nil
}

func (c *Coordinator) relational(ctx context.Context, source capability.Source, srcRef capability.TableRef, target capability.RelationalTarget, dstRef capability.TableRef, tr *TableResult, res *Result) *tableFailure {
	if f := c.createTable(ctx, source, srcRef, target, dstRef); f != nil {
		return f
	}
	for offset := 0; ; offset += c.opts.PageSize {
		page, err := source.ExtractDataPage(ctx, srcRef, c.opts.PageSize, offset)
		if err != nil {
			return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("extract page at offset %d", offset))}
		}
		if page.Len() > 0 {
			n, err := target.WritePage(ctx, dstRef, page)
			tr.Rows += n
			if err != nil {
				return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("write page at offset %d", offset))}
			}
		}
		if page.Len() < c.opts.PageSize {
			break
		}
	}
	return c.validateCounts(ctx, source, srcRef, target, dstRef, tr, res)
}

// validateCounts applies the post-transfer policy: a pure mismatch is a warning,
// anything else is a validation failure
func (c *Coordinator) validateCounts(ctx context.Context, source capability.Source, srcRef capability.TableRef, target capability.RowCounter, dstRef capability.TableRef, tr *TableResult, res *Result) *tableFailure {
	check, err := capability.ValidateRowCount(ctx, source, srcRef, target, dstRef)
	if err != nil {
		return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeValidation, "row count validation"), validation: true}
	}
	tr.Validation = &check
	if check.SilentLoss() {
		return &tableFailure{err: errors.Newf(errors.ErrorTypeValidation, "target is empty after transfer (%s)", check), validation: true}
	}
	if !check.Match {
		res.warn(models.WarningRowCountMismatch, "%s -> %s: %s", srcRef, dstRef, check)
		c.logger.Warn("row count mismatch after transfer",
			zap.String("table", srcRef.String()),
			zap.Int64("source_rows", check.SourceRows),
			zap.Int64("target_rows", check.TargetRows))
	}
	return nil
}

// ObjectKey returns <prefix>/<table>/<table>_<UTC timestamp><ext>
func ObjectKey(prefix, table string, at time.Time, ext string) string {
	name := fmt.Sprintf("%s_%s%s", table, at.UTC().Format("20060102T150405.000000000Z"), ext)
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		return path.Join(table, name)
	}
	return path.Join(prefix, table, name)
}

func (c *Coordinator) objectStore(ctx context.Context, source capability.Source, srcRef capability.TableRef, target capability.ObjectStore, dstRef capability.TableRef, tr *TableResult) *tableFailure {
	var columns []string
	var rows [][]interface{}
	for offset := 0; ; {
		page, err := source.ExtractDataPage(ctx, srcRef, c.opts.PageSize, offset)
		if err != nil {
			return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("extract page at offset %d", offset))}
		}
		if columns == nil {
			columns = page.Columns
		}
		rows = append(rows, page.Rows...)
		offset += page.Len()
		if !page.HasMore || page.Len() == 0 {
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}

	body, err := c.encoder.Encode(dstRef.Name, columns, rows)
	if err != nil {
		return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, "encode batch object")}
	}
	body, err = c.compressor.Compress(body)
	if err != nil {
		return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, "compress batch object")}
	}
	contentType := c.encoder.ContentType()
	if c.compressor.Algorithm() != compression.None {
		contentType = "application/octet-stream"
	}

	key := ObjectKey(target.Prefix(), dstRef.Name, c.opts.Now(), c.encoder.Extension()+c.compressor.Extension())
	if err := target.PutObject(ctx, key, body, contentType); err != nil {
		return &tableFailure{err: err}
	}
	tr.ObjectKey = key
	tr.Rows = int64(len(rows))

	exists, err := target.ObjectExists(ctx, key)
	if err != nil {
		return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeValidation, "verify batch object"), validation: true}
	}
	if !exists {
		return &tableFailure{err: errors.Newf(errors.ErrorTypeValidation, "batch object %s missing after upload", key), validation: true}
	}
	return nil
}

func (c *Coordinator) envelope(ctx context.Context, p *models.Pipeline, source capability.Source, srcRef capability.TableRef, target capability.EnvelopeTarget, dstRef capability.TableRef, tr *TableResult, res *Result) *tableFailure {
	if f := c.createTable(ctx, source, srcRef, target, dstRef); f != nil {
		return f
	}
	db := p.SourceDatabase
	var seq int64
	for offset := 0; ; offset += c.opts.PageSize {
		page, err := source.ExtractDataPage(ctx, srcRef, c.opts.PageSize, offset)
		if err != nil {
			return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("extract page at offset %d", offset))}
		}
		for _, record := range page.Records() {
			seq++
			env := &capability.Envelope{
				Record: record,
				Metadata: capability.EnvelopeMetadata{
					Operation: capability.OpRead,
					Sequence:  seq,
					Source:    capability.EnvelopeSource{Database: db, Schema: srcRef.Schema, Table: srcRef.Name},
					Snapshot:  true,
					TsMs:      c.opts.Now().UnixMilli(),
				},
			}
			if err := target.InsertEnvelope(ctx, dstRef, env); err != nil {
				return &tableFailure{err: errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("insert envelope %d", seq))}
			}
			tr.Rows++
		}
		if page.Len() < c.opts.PageSize {
			break
		}
	}
	return c.validateCounts(ctx, source, srcRef, target, dstRef, tr, res)
}

// SyntheticOffset builds the wall-clock fallback token
func SyntheticOffset(family models.Family, conn *models.Connection, at time.Time) string {
	host, db := "", ""
	if conn != nil {
		host, db = conn.Host, conn.Database
	}
	return strings.Join([]string{SyntheticPrefix, family.String(), host, db, at.UTC().Format(time.RFC3339Nano)}, ":")
}

// IsSynthetic reports whether an offset token is a wall-clock fallback
func IsSynthetic(token string) bool {
	return strings.HasPrefix(token, SyntheticPrefix+":")
}

func (c *Coordinator) captureOffset(ctx context.Context, source capability.Source, conn *models.Connection, res *Result, log *zap.Logger) {
	pos, err := source.ExtractCurrentPosition(ctx)
	if err == nil && strings.TrimSpace(pos) != "" {
		res.OffsetToken = pos
		return
	}
	if err != nil {
		log.Warn("failed to read source position", zap.Error(err))
	}

	family := source.Family()
	if !family.Traits().AllowsSyntheticOffset {
		res.warn(models.WarningMissingOffset, "%s source reported no position; streaming will rely on the snapshot mode", family)
		return
	}
	res.OffsetToken = SyntheticOffset(family, conn, c.opts.Now())
	res.OffsetApproximate = true
	res.warn(models.WarningSyntheticOffset,
		"%s source exposes no position; using approximate wall-clock offset %s", family, res.OffsetToken)
	log.Warn("using synthetic offset", zap.String("offset", res.OffsetToken))
}
