package sqlremote

import (
	"context"
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// Change is one row of the change log.
type Change struct {
	Seq    int64         `json:"seq"`
	Action string        `json:"action"`
	Record record.Record `json:"record"`
}

// Changes returns the change log of collection after seq, in commit order.
// Returns an empty slice (not nil) when nothing newer exists.
func (s *Store) Changes(ctx context.Context, collection string, afterSeq int64) ([]Change, error) {
	ctx, cancel := timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, action, record
		FROM changes
		WHERE collection = ? AND seq > ?
		ORDER BY seq ASC
	`, collection, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var (
			c    Change
			data string
		)
		if err := rows.Scan(&c.Seq, &c.Action, &data); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if err := record.DecodeJSON([]byte(data), &c.Record); err != nil {
			return nil, fmt.Errorf("unmarshal change %d: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}
