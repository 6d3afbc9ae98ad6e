package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Reserved wire keys; everything else in a remote record is an entity field.
const (
	WireID        = "id"
	WireDeleted   = "deleted"
	WireClientRef = "clientRef"
	WireCreatedAt = "createdAt"
	WireUpdatedAt = "updatedAt"
)

// RemoteRecord is one entity as exchanged with the remote service. It
// encodes as a flat JSON object: the reserved keys plus the entity fields.
// Reference fields hold global ids.
type RemoteRecord struct {
	ID        int64
	Deleted   bool
	ClientRef string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    Fields
}

// MarshalJSON flattens the record.
func (r RemoteRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[WireID] = r.ID
	out[WireDeleted] = r.Deleted
	if r.ClientRef != "" {
		out[WireClientRef] = r.ClientRef
	}
	if !r.CreatedAt.IsZero() {
		out[WireCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		out[WireUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the reserved keys from the entity fields.
func (r *RemoteRecord) UnmarshalJSON(raw []byte) error {
	fields, err := DecodeFields(raw)
	if err != nil {
		return err
	}
	id, ok := fields.Int64(WireID)
	if !ok {
		return ErrMissingRecordID
	}
	r.ID = id
	r.Deleted, _ = fields[WireDeleted].(bool)
	r.ClientRef, _ = fields[WireClientRef].(string)
	r.CreatedAt = parseWireTime(fields[WireCreatedAt])
	r.UpdatedAt = parseWireTime(fields[WireUpdatedAt])
	for _, key := range []string{WireID, WireDeleted, WireClientRef, WireCreatedAt, WireUpdatedAt} {
		delete(fields, key)
	}
	r.Fields = fields
	return nil
}

// RemotePage is one page of a list response.
type RemotePage struct {
	HasMore bool           `json:"hasMore"`
	Data    []RemoteRecord `json:"data"`
}

func parseWireTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
