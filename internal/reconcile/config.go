package reconcile

import (
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/recsync/internal/ledger"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/transform"
)

const (
	// DefaultMutationTimeout bounds how long a dispatcher waits for confirmation.
	DefaultMutationTimeout = 120 * time.Second

	// DefaultPollInterval is the await gate's fallback re-check interval.
	DefaultPollInterval = 100 * time.Millisecond
)

// Sink is the local collection's transactional apply primitive.
//
// Writes between Begin and Commit become visible to observers together.
// MarkReady signals that the bulk load has been applied.
type Sink interface {
	Begin()
	Write(op record.Op)
	Commit()
	MarkReady()
}

// Validator checks an outgoing payload before it is written remotely.
type Validator interface {
	Validate(r record.Record) error
}

// Config configures one collection sync session.
type Config struct {
	// Client provides the remote collection. Required.
	Client remote.Client

	// CollectionName names the remote collection. Required.
	CollectionName string

	// Transforms convert fields between wire and local representation.
	Transforms transform.Set

	// MutationTimeout bounds dispatcher confirmation waits.
	// Default: DefaultMutationTimeout.
	MutationTimeout time.Duration

	// InitialFetch shapes the bulk load.
	InitialFetch remote.FetchOptions

	// Realtime enables the realtime subscription. Hosts without a realtime
	// channel leave it false and usually set ConfirmOnWrite.
	Realtime bool

	// Schema, when set, validates insert payloads and full updated records
	// before any remote write.
	Schema Validator

	// ConfirmOnWrite marks ids returned by remote writes as seen right away.
	ConfirmOnWrite bool

	// PollInterval is the await gate's fallback poll.
	// Default: DefaultPollInterval.
	PollInterval time.Duration

	// LedgerRetention and SweepInterval tune ledger pruning.
	// Defaults: ledger.DefaultRetention, ledger.DefaultSweepInterval.
	LedgerRetention time.Duration
	SweepInterval   time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock stamps ledger entries. Default: ledger.SystemClock.
	Clock ledger.Clock
}

func (c Config) validate() error {
	if c.Client == nil {
		return errors.New("reconcile: config requires a remote client")
	}
	if c.CollectionName == "" {
		return errors.New("reconcile: config requires a collection name")
	}
	if c.MutationTimeout < 0 || c.PollInterval < 0 {
		return errors.New("reconcile: timeouts must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MutationTimeout == 0 {
		c.MutationTimeout = DefaultMutationTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LedgerRetention == 0 {
		c.LedgerRetention = ledger.DefaultRetention
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = ledger.DefaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ledger.SystemClock
	}
	return c
}
