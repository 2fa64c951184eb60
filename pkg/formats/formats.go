// Package formats encodes full-load batches into object payloads
package formats

import (
	"fmt"
	"strings"
)

// Format is a batch object encoding
type Format string

const (
	JSONL   Format = "jsonl"
	Avro    Format = "avro"
	Parquet Format = "parquet"
)

// Encoder turns one table's rows into a single object body
type Encoder interface {
	// Encode encodes rows whose values follow columns; name labels the batch (the table)
	Encode(name string, columns []string, rows [][]interface{}) ([]byte, error)
	Format() Format
	// Extension is the file suffix, including the dot
	Extension() string
	ContentType() string
}

// NewEncoder returns the encoder for a configured format name
func NewEncoder(name string) (Encoder, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", JSONL:
		return jsonlEncoder{}, nil
	case Avro:
		return avroEncoder{}, nil
	case Parquet:
		return parquetEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported object format: %s", name)
	}
}
