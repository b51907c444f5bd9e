package task

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Codec serializes task payloads, contexts and stage results.
// Version: 1.0
type Codec interface {
	// Encode serializes a value to bytes.
	Encode(v any) ([]byte, error)
	// Decode deserializes bytes into a value.
	Decode(data []byte, v any) error
}

// JSONCodec is the default Codec. It encodes with the standard library and
// decodes with sonic; decoding dominates on the poller's hot path where
// every cycle rehydrates context maps for all externally-running tasks.
type JSONCodec struct{}

// Encode serializes a value to JSON using the standard library.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
