// Package policycache keeps an offline-readable copy of the insurance
// platform's record collections and a time-boxed cache of JSON resources
// fetched from its REST API.
package policycache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// DefaultIDField is the JSON field that carries a record's identity.
const DefaultIDField = "id"

var (
	// ErrMissingID is returned when a record has no usable id field.
	ErrMissingID = errors.New("record has no id")

	// ErrNotObject is returned when a record payload is not a JSON object.
	ErrNotObject = errors.New("record is not a JSON object")
)

// Record is one cached entity of a collection. Data is passed through
// opaquely; only the id is interpreted.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// NewRecord builds a Record from a JSON object, extracting the id with the
// given gjson path. An empty idField selects DefaultIDField.
//
// Numeric and string ids are accepted and normalised to their string form,
// so {"id":7} and {"id":"7"} address the same record.
func NewRecord(data []byte, idField string) (Record, error) {
	if idField == "" {
		idField = DefaultIDField
	}

	trimmed := bytes.TrimSpace(data)
	if !gjson.ValidBytes(trimmed) {
		return Record{}, fmt.Errorf("%w: invalid JSON", ErrNotObject)
	}
	parsed := gjson.ParseBytes(trimmed)
	if !parsed.IsObject() {
		return Record{}, ErrNotObject
	}

	id := parsed.Get(idField)
	switch id.Type {
	case gjson.String, gjson.Number:
	default:
		return Record{}, fmt.Errorf("%w: field %q", ErrMissingID, idField)
	}

	idStr := id.String()
	if id.Type == gjson.Number {
		// Keep the literal so large integers are not rounded through float64.
		idStr = id.Raw
	}
	if idStr == "" {
		return Record{}, fmt.Errorf("%w: field %q is empty", ErrMissingID, idField)
	}

	raw := make([]byte, len(trimmed))
	copy(raw, trimmed)
	return Record{ID: idStr, Data: raw}, nil
}

// Records returns the Data of each record as a JSON array.
func Records(records []Record) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
