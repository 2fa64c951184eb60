package capability

// Operation markers carried in envelope metadata
const (
	OpRead   = "r"
	OpCreate = "c"
	OpUpdate = "u"
	OpDelete = "d"
)

// Envelope is the record/metadata pair the streaming sink writes for every change.
// Full-load rows use the same shape with OpRead so downstream readers see one format.
type Envelope struct {
	Record   map[string]interface{} `json:"record"`
	Metadata EnvelopeMetadata       `json:"metadata"`
}

// EnvelopeMetadata describes where a record came from
type EnvelopeMetadata struct {
	Operation string         `json:"operation"`
	Sequence  int64          `json:"sequence"`
	Source    EnvelopeSource `json:"source"`
	Snapshot  bool           `json:"snapshot"`
	TsMs      int64          `json:"ts_ms"`
}

// EnvelopeSource identifies the source table of a record
type EnvelopeSource struct {
	Database string `json:"db"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}
