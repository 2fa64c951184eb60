package formats

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

type parquetEncoder struct{}

func (parquetEncoder) Format() Format      { return Parquet }
func (parquetEncoder) Extension() string   { return ".parquet" }
func (parquetEncoder) ContentType() string { return "application/vnd.apache.parquet" }

// Encode writes a single row group Parquet file with Snappy pages. Column
// types are inferred from the values the same way as for Avro.
func (parquetEncoder) Encode(_ string, columns []string, rows [][]interface{}) ([]byte, error) {
	types := inferArrowTypes(columns, rows)
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		fields[i] = arrow.Field{Name: col, Type: types[i], Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	for _, row := range rows {
		for i := range columns {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			appendArrowValue(builder.Field(i), v)
		}
	}
	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(mem)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := w.Write(record); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write Parquet records: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func arrowType(v interface{}) arrow.DataType {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case []byte:
		return arrow.BinaryTypes.Binary
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

func inferArrowTypes(columns []string, rows [][]interface{}) []arrow.DataType {
	types := make([]arrow.DataType, len(columns))
	for i := range columns {
		for _, row := range rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			t := arrowType(row[i])
			if types[i] == nil {
				types[i] = t
			} else if !arrow.TypeEqual(types[i], t) {
				types[i] = arrow.BinaryTypes.String
				break
			}
		}
		if types[i] == nil {
			types[i] = arrow.BinaryTypes.String
		}
	}
	return types
}

// appendArrowValue appends v to b, or a null when v does not fit the column
func appendArrowValue(b array.Builder, v interface{}) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch fb := b.(type) {
	case *array.Int64Builder:
		if n, ok := asInt64(v); ok {
			fb.Append(n)
			return
		}
	case *array.Float64Builder:
		switch f := v.(type) {
		case float32:
			fb.Append(float64(f))
			return
		case float64:
			fb.Append(f)
			return
		}
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			fb.Append(bv)
			return
		}
	case *array.BinaryBuilder:
		if raw, ok := v.([]byte); ok {
			fb.Append(raw)
			return
		}
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			fb.Append(arrow.Timestamp(t.UTC().UnixMicro()))
			return
		}
	case *array.StringBuilder:
		fb.Append(stringify(v))
		return
	}
	b.AppendNull()
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
