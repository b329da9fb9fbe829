// Package pgremote is an authoritative store on PostgreSQL.
//
// Every write runs in one transaction that also issues pg_notify on the
// store's channel, so notifications reach listeners in commit order. A
// pq.Listener turns them back into realtime events for local subscribers.
package pgremote

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/transform"
)

const (
	defaultTable      = "recsync_records"
	operationTimeout  = 5 * time.Second
	reconnectInterval = 5 * time.Second
	maxReconnect      = time.Minute
	pingInterval      = 90 * time.Second
)

// Store is a PostgreSQL-backed remote store.
type Store struct {
	db      *sql.DB
	dsn     string
	table   string
	channel string

	listener *pq.Listener
	hub      *remote.Hub
	drops    chan error

	// writeMu serializes writes from this process; commit order across
	// processes is kept by Postgres.
	writeMu sync.Mutex

	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the records table. The notify channel is derived
// from it.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id assignment.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Open connects to dsn, creates the records table if needed and starts
// listening for change notifications.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("pgremote: empty dsn")
	}

	s := &Store{
		dsn:    dsn,
		table:  defaultTable,
		now:    time.Now,
		newID:  remote.NewID,
		logger: slog.Default(),
		drops:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.channel = s.table + "_changes"
	s.hub = remote.NewHub(s.logger)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s.db = db

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.listener = pq.NewListener(dsn, reconnectInterval, maxReconnect, s.listenerEvent)
	if err := s.listener.Listen(s.channel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen on %s: %w", s.channel, err)
	}
	go s.listen()

	s.logger.Info("postgres store ready", "table", s.table, "channel", s.channel)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	table := quoteIdentifier(s.table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			seq BIGSERIAL,
			PRIMARY KEY (collection, id)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (collection, seq)`,
			quoteIdentifier(s.table+"_collection_seq"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (id)`,
			quoteIdentifier(s.table+"_id"), table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close stops the listener, drops subscribers and closes the pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.hub.Close()
		err = s.db.Close()
	})
	return err
}

// Collection returns a handle for the named collection.
func (s *Store) Collection(name string) remote.Collection {
	return &Collection{store: s, name: name}
}

// Hub returns the store's realtime fan-out.
func (s *Store) Hub() *remote.Hub {
	return s.hub
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(transform.RemoteTimeLayout)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
