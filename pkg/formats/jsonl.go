package formats

import (
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
)

type jsonlEncoder struct{}

func (jsonlEncoder) Encode(_ string, columns []string, rows [][]interface{}) ([]byte, error) {
	records := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		rec := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return json.MarshalLines(records)
}

func (jsonlEncoder) Format() Format      { return JSONL }
func (jsonlEncoder) Extension() string   { return ".jsonl" }
func (jsonlEncoder) ContentType() string { return "application/x-ndjson" }
