package codec

import (
	"encoding/json"
	"io"

	gojson "github.com/goccy/go-json"
)

// UseGoJSON controls whether to use go-json for marshal/unmarshal operations.
// Default is true; set to false to fall back to encoding/json when debugging
// encoder differences.
var UseGoJSON = true

// JSONMarshal encodes v into JSON.
func JSONMarshal(v any) ([]byte, error) {
	if UseGoJSON {
		return gojson.Marshal(v)
	}
	return json.Marshal(v)
}

// JSONMarshalIndent encodes v into indented JSON.
func JSONMarshalIndent(v any, prefix, indent string) ([]byte, error) {
	if UseGoJSON {
		return gojson.MarshalIndent(v, prefix, indent)
	}
	return json.MarshalIndent(v, prefix, indent)
}

// JSONUnmarshal decodes JSON data into v.
func JSONUnmarshal(data []byte, v any) error {
	if UseGoJSON {
		return gojson.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// JSONUnmarshalRead decodes JSON from reader into v.
func JSONUnmarshalRead(r io.Reader, v any) error {
	if UseGoJSON {
		return gojson.NewDecoder(r).Decode(v)
	}
	return json.NewDecoder(r).Decode(v)
}

// JSONMarshalWrite encodes v as JSON directly to an io.Writer.
// This is more efficient than JSONMarshal when writing to a stream
// as it avoids intermediate []byte allocation.
func JSONMarshalWrite(w io.Writer, v any) error {
	if UseGoJSON {
		return gojson.NewEncoder(w).Encode(v)
	}
	return json.NewEncoder(w).Encode(v)
}
