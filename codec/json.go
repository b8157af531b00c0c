// Package codec provides an optional JSON convenience codec. The Producer
// and Consumer accept and emit raw bytes; callers who want structured
// payloads can use this package at the boundary instead of hand-rolling
// encoding/json calls at every call site.
package codec

import "encoding/json"

// EncodeJSON marshals v and returns the bytes ready for Producer.Put's
// Record.Data field.
func EncodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals a ConsumerRecord's Data field into v.
func DecodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
