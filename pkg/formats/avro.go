package formats

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-cdc/pkg/json"
)

type avroEncoder struct{}

func (avroEncoder) Format() Format      { return Avro }
func (avroEncoder) Extension() string   { return ".avro" }
func (avroEncoder) ContentType() string { return "application/avro" }

// Encode writes an Avro object container file. Column types are inferred from
// the values; a column whose values disagree on type is encoded as string.
func (avroEncoder) Encode(name string, columns []string, rows [][]interface{}) ([]byte, error) {
	types := inferAvroTypes(columns, rows)
	fieldNames := make([]string, len(columns))

	fields := make([]map[string]interface{}, 0, len(columns))
	for i, col := range columns {
		fieldNames[i] = avroName(col)
		fields = append(fields, map[string]interface{}{
			"name":    fieldNames[i],
			"type":    []interface{}{"null", types[i]},
			"default": nil,
		})
	}
	schema, err := json.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   avroName(name),
		"fields": fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build Avro schema: %w", err)
	}

	codec, err := goavro.NewCodec(string(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to create Avro codec: %w", err)
	}

	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               &buf,
		Codec:           codec,
		CompressionName: goavro.CompressionNullLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Avro writer: %w", err)
	}

	natives := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		native := make(map[string]interface{}, len(columns))
		for i := range columns {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			native[fieldNames[i]] = avroValue(types[i], v)
		}
		natives = append(natives, native)
	}
	if err := w.Append(natives); err != nil {
		return nil, fmt.Errorf("failed to write Avro records: %w", err)
	}
	return buf.Bytes(), nil
}

func avroType(v interface{}) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return "long"
	case float32, float64:
		return "double"
	case bool:
		return "boolean"
	case []byte:
		return "bytes"
	case time.Time:
		return "long"
	default:
		return "string"
	}
}

func inferAvroTypes(columns []string, rows [][]interface{}) []string {
	types := make([]string, len(columns))
	for i := range columns {
		for _, row := range rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			t := avroType(row[i])
			if types[i] == "" {
				types[i] = t
			} else if types[i] != t {
				types[i] = "string"
				break
			}
		}
		if types[i] == "" {
			types[i] = "string"
		}
	}
	return types
}

func avroValue(typ string, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch typ {
	case "long":
		switch n := v.(type) {
		case int:
			return goavro.Union("long", int64(n))
		case int8:
			return goavro.Union("long", int64(n))
		case int16:
			return goavro.Union("long", int64(n))
		case int32:
			return goavro.Union("long", int64(n))
		case int64:
			return goavro.Union("long", n)
		case uint8:
			return goavro.Union("long", int64(n))
		case uint16:
			return goavro.Union("long", int64(n))
		case uint32:
			return goavro.Union("long", int64(n))
		case time.Time:
			return goavro.Union("long", n.UTC().UnixMilli())
		}
	case "double":
		switch f := v.(type) {
		case float32:
			return goavro.Union("double", float64(f))
		case float64:
			return goavro.Union("double", f)
		}
	case "boolean":
		return goavro.Union("boolean", v)
	case "bytes":
		return goavro.Union("bytes", v)
	}
	return goavro.Union("string", stringify(v))
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// avroName makes a valid Avro name: [A-Za-z_][A-Za-z0-9_]*
func avroName(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
