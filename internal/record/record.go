package record

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Field names owned by the remote store.
const (
	FieldID      = "id"
	FieldCreated = "created"
	FieldUpdated = "updated"
	FieldExpand  = "expand"
)

// MetaFields are stripped from create payloads; the remote store assigns them.
var MetaFields = []string{FieldID, FieldCreated, FieldUpdated}

// Record is an opaque structured value keyed by its "id" field.
//
// Before the remote store confirms a creation the id is a caller-chosen
// temporary identifier.
type Record map[string]any

// ID returns the record's identifier, or "" when absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	switch v := r[FieldID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy. Nested maps and slices are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Without returns a copy with the given fields removed.
func (r Record) Without(fields ...string) Record {
	out := r.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Merge returns a copy of r with every field of patch applied on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewTempID returns a temporary identifier for an optimistic insert.
// Temp ids are prefixed so they never collide with remote-assigned ids.
func NewTempID() string {
	return TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// TempIDPrefix marks locally generated identifiers.
const TempIDPrefix = "tmp_"

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
