// Package json wraps goccy/go-json with the encoder settings used across nebula-cdc
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// RawMessage is a raw encoded JSON value
type RawMessage = gojson.RawMessage

// Marshal encodes v without HTML escaping
func Marshal(v interface{}) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// Unmarshal decodes data into v
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// NewEncoder returns an encoder writing to w without HTML escaping
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// MarshalLines encodes each value as one line of JSON (JSON Lines)
func MarshalLines[T any](values []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
