package sqlremote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/querysql"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/transform"
)

// Collection is one named collection of a Store.
type Collection struct {
	store *Store
	name  string
}

// Subscribe registers handler for committed changes. The subscription also
// ends when ctx is done.
func (c *Collection) Subscribe(ctx context.Context, topic string, handler remote.Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
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

// FullList returns the records of the collection in creation order, then
// applies opts. String equality clauses of the filter narrow the query
// itself. Expand resolves ids across all collections.
func (c *Collection) FullList(ctx context.Context, opts remote.FetchOptions) ([]record.Record, error) {
	filter, err := remote.ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	query, params, err := querysql.NewSQLCompiler(querysql.SQLite, "records").Compile(queryir.FromFilter(c.name, filter))
	if err != nil {
		return nil, err
	}

	ctx, cancel := timeout(ctx)
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

// Create stores payload under a new id, or under payload["id"] when the
// caller supplied one.
func (c *Collection) Create(ctx context.Context, payload record.Record) (record.Record, error) {
	ctx, cancel := timeout(ctx)
	defer cancel()

	id := payload.ID()
	if id == "" {
		id = c.store.newID()
	}
	data, err := marshalData(payload)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	now := c.store.timestamp()

	s := c.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created, updated, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records))
	`, c.name, id, data, now, now)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}

	r, err := unmarshalData(data, id, now, now)
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, tx, record.EventCreated, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Update merges patch into the stored record. Metadata fields in patch are
// ignored.
func (c *Collection) Update(ctx context.Context, id string, patch record.Record) (record.Record, error) {
	ctx, cancel := timeout(ctx)
	defer cancel()

	s := c.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := c.get(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}

	merged := current.Merge(patch.Without(record.MetaFields...))
	data, err := marshalData(merged)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	now := s.timestamp()

	_, err = tx.ExecContext(ctx, `
		UPDATE records SET data = ?, updated = ?
		WHERE collection = ? AND id = ?
	`, data, now, c.name, id)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}

	created, _ := current[record.FieldCreated].(string)
	r, err := unmarshalData(data, id, created, now)
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, tx, record.EventModified, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes the record and broadcasts its last state.
func (c *Collection) Delete(ctx context.Context, id string) error {
	ctx, cancel := timeout(ctx)
	defer cancel()

	s := c.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := c.get(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, c.name, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return c.commit(ctx, tx, record.EventRemoved, current)
}

// commit appends the change log row, commits tx and publishes the event.
// Callers hold writeMu.
func (c *Collection) commit(ctx context.Context, tx *sql.Tx, kind record.EventKind, r record.Record) error {
	full, err := record.MarshalCanonical(r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, r.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changes (collection, record_id, action, record)
		VALUES (?, ?, ?, ?)
	`, c.name, r.ID(), string(kind), string(full)); err != nil {
		return fmt.Errorf("%s %s: log change: %w", kind, r.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", kind, r.ID(), err)
	}

	c.store.hub.Publish(c.name, record.Event{Kind: kind, Record: r})
	c.store.logger.Debug("record committed", "collection", c.name, "action", kind, "id", r.ID())
	return nil
}

func (c *Collection) get(ctx context.Context, q queryer, id string) (record.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, data, created, updated FROM records
		WHERE collection = ? AND id = ?
	`, c.name, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
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

// lookup finds a record by id in any collection.
func (s *Store) lookup(ctx context.Context, id string) (record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, data, created, updated FROM records
		WHERE id = ?
		ORDER BY seq ASC
		LIMIT 1
	`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(transform.RemoteTimeLayout)
}
