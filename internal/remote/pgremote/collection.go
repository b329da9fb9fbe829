package pgremote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/querysql"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
)

// Collection is one named collection of a Store.
type Collection struct {
	store *Store
	name  string
}

// Subscribe registers handler for notified changes to this collection.
func (c *Collection) Subscribe(ctx context.Context, topic string, handler remote.Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.store.listener.Ping(); err != nil {
		return nil, fmt.Errorf("listener not connected: %w", err)
	}
	unsubscribe := c.store.hub.Subscribe(c.name, topic, handler)
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			unsubscribe()
		}()
	}
	return unsubscribe, nil
}

// Dropped reports listener disconnects. Only one receiver gets each report.
func (c *Collection) Dropped() <-chan error {
	return c.store.drops
}

// FullList returns the records of the collection in creation order, then
// applies opts. String equality clauses of the filter narrow the query
// itself.
func (c *Collection) FullList(ctx context.Context, opts remote.FetchOptions) ([]record.Record, error) {
	filter, err := remote.ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	query, params, err := querysql.NewSQLCompiler(querysql.Postgres, c.store.table).Compile(queryir.FromFilter(c.name, filter))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rows, err := c.store.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	lookup := func(id string) (record.Record, bool) {
		r, err := c.store.lookup(ctx, id)
		return r, err == nil
	}
	return remote.Apply(records, opts, lookup)
}

// Create stores payload under a new id, or payload["id"] when supplied.
func (c *Collection) Create(ctx context.Context, payload record.Record) (record.Record, error) {
	id := payload.ID()
	if id == "" {
		id = c.store.newID()
	}
	data, err := marshalData(payload)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	now := c.store.timestamp()
	r, err := unmarshalData(data, id, now, now)
	if err != nil {
		return nil, err
	}

	err = c.store.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (collection, id, data, created, updated)
			VALUES ($1, $2, $3, $4, $5)
		`, quoteIdentifier(c.store.table)), c.name, id, data, now, now)
		if err != nil {
			return fmt.Errorf("create %s: %w", id, err)
		}
		return c.notify(ctx, tx, record.EventCreated, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Update merges patch into the stored record. Metadata fields are ignored.
func (c *Collection) Update(ctx context.Context, id string, patch record.Record) (record.Record, error) {
	var out record.Record
	err := c.store.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := c.getForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		merged := current.Merge(patch.Without(record.MetaFields...))
		data, err := marshalData(merged)
		if err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		now := c.store.timestamp()
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET data = $1, updated = $2
			WHERE collection = $3 AND id = $4
		`, quoteIdentifier(c.store.table)), data, now, c.name, id)
		if err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		created, _ := current[record.FieldCreated].(string)
		if out, err = unmarshalData(data, id, created, now); err != nil {
			return err
		}
		return c.notify(ctx, tx, record.EventModified, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the record and broadcasts its last state.
func (c *Collection) Delete(ctx context.Context, id string) error {
	return c.store.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := c.getForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE collection = $1 AND id = $2
		`, quoteIdentifier(c.store.table)), c.name, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		return c.notify(ctx, tx, record.EventRemoved, current)
	})
}

// notify queues the change notification; Postgres delivers it on commit.
func (c *Collection) notify(ctx context.Context, tx *sql.Tx, kind record.EventKind, r record.Record) error {
	payload, err := encodeNotification(c.name, kind, r)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, c.store.channel, payload); err != nil {
		return fmt.Errorf("%s %s: notify: %w", kind, r.ID(), err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Collection) get(ctx context.Context, q queryer, id string) (record.Record, error) {
	return c.getRow(ctx, q, id, "")
}

func (c *Collection) getForUpdate(ctx context.Context, q queryer, id string) (record.Record, error) {
	return c.getRow(ctx, q, id, "FOR UPDATE")
}

func (c *Collection) getRow(ctx context.Context, q queryer, id, lock string) (record.Record, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, data, created, updated FROM %s
		WHERE collection = $1 AND id = $2 %s
	`, quoteIdentifier(c.store.table), lock), c.name, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

func (s *Store) lookup(ctx context.Context, id string) (record.Record, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, data, created, updated FROM %s
		WHERE id = $1 ORDER BY seq ASC LIMIT 1
	`, quoteIdentifier(s.table)), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Record, error) {
	var id, data, created, updated string
	if err := row.Scan(&id, &data, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return unmarshalData(data, id, created, updated)
}

func marshalData(r record.Record) (string, error) {
	data, err := record.MarshalCanonical(r.Without(record.MetaFields...))
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

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
