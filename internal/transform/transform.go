// Package transform converts record fields between their wire and in-memory
// representations.
//
// Conversions are per field: only fields present in the record are touched
// and every other field passes through unchanged.
package transform

import (
	"fmt"
	"sort"

	"github.com/roach88/recsync/internal/record"
)

// Converter maps one field value to another representation.
type Converter func(v any) (any, error)

// Fields maps a field name to its converter.
type Fields map[string]Converter

// Set holds the two directions applied by a sync session.
type Set struct {
	// ToLocal runs on records arriving from the remote store.
	ToLocal Fields
	// ToRemote runs on payloads before they are written remotely.
	ToRemote Fields
}

// Apply returns a copy of r with every converter whose field is present
// applied. A nil or empty Fields returns r unchanged.
func (f Fields) Apply(r record.Record) (record.Record, error) {
	if len(f) == 0 || r == nil {
		return r, nil
	}
	out := r.Clone()
	for _, field := range f.names() {
		v, ok := out[field]
		if !ok {
			continue
		}
		conv := f[field]
		if conv == nil {
			continue
		}
		nv, err := conv(v)
		if err != nil {
			return nil, fmt.Errorf("transform field %q: %w", field, err)
		}
		out[field] = nv
	}
	return out, nil
}

// names returns field names sorted so error reporting is deterministic.
func (f Fields) names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromNames builds a Set from field → converter-name pairs using the
// built-in registry.
func FromNames(fields map[string]string) (Set, error) {
	set := Set{ToLocal: Fields{}, ToRemote: Fields{}}
	for field, name := range fields {
		pair, ok := Lookup(name)
		if !ok {
			return Set{}, fmt.Errorf("field %q: unknown converter %q (known: %v)", field, name, Names())
		}
		set.ToLocal[field] = pair.ToLocal
		set.ToRemote[field] = pair.ToRemote
	}
	return set, nil
}
