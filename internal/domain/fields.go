package domain

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Fields is the map form of an entity as stored in the queue payload and
// exchanged with the remote service.
type Fields map[string]any

// FieldsOf converts an entity into its map form.
func FieldsOf(e Entity) (Fields, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EntityType(), err)
	}
	return DecodeFields(raw)
}

// DecodeFields parses a JSON object, keeping numbers exact.
func DecodeFields(raw []byte) (Fields, error) {
	out := Fields{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}

// Encode serialises the fields to JSON.
func (f Fields) Encode() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Int64 reads an integer field. The second result is false for absent or
// null values.
func (f Fields) Int64(key string) (int64, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Int64()
		return parsed, err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// SetRef writes a reference field, storing null when id is nil.
func (f Fields) SetRef(key string, id *int64) {
	if id == nil {
		f[key] = nil
		return
	}
	f[key] = *id
}

// Decode builds the typed entity described by desc from fields.
func Decode(desc Descriptor, f Fields) (Entity, error) {
	raw, err := f.Encode()
	if err != nil {
		return nil, err
	}
	entity := desc.New()
	if err := json.Unmarshal(raw, entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", desc.Type, err)
	}
	return entity, nil
}
