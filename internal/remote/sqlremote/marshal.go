package sqlremote

import (
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// marshalData converts the non-metadata fields of r to canonical JSON TEXT.
func marshalData(r record.Record) (string, error) {
	data, err := record.MarshalCanonical(r.Without(record.MetaFields...))
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalData parses stored JSON TEXT and attaches the metadata columns.
func unmarshalData(data, id, created, updated string) (record.Record, error) {
	r := record.Record{}
	if data != "" && data != "{}" {
		if err := record.DecodeJSON([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
		}
	}
	r[record.FieldID] = id
	r[record.FieldCreated] = created
	r[record.FieldUpdated] = updated
	return r, nil
}
