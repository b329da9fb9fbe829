// Package reconcile keeps a local, optimistically mutated collection
// consistent with an authoritative remote store.
//
// A Session owns everything for one collection sync:
//
//   - the identifier ledger, fed by bulk load, realtime events and
//     (optionally) write responses;
//   - the pending-rename map from temporary to confirmed ids;
//   - the event buffer that holds realtime events until the bulk load has
//     been applied, then replays them in arrival order;
//   - the single writer loop that turns events into sink transactions.
//
// Dispatchers (OnInsert, OnUpdate, OnDelete) run on caller goroutines. They
// write remotely and then wait on the ledger; they never write to the sink.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/recsync/internal/ledger"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/rename"
)

// Session syncs one remote collection into a Sink.
//
// Thread-safety model:
//   - realtime callbacks only push onto the buffer
//   - all sink writes happen on the session loop goroutine
//   - ledger and rename map are mutex-guarded and shared with dispatchers
//   - created events wait for in-flight create requests (createGate)
type Session struct {
	cfg     Config
	coll    remote.Collection
	sink    Sink
	ledger  *ledger.Ledger
	renames *rename.Map
	buf     *eventBuffer
	proc    *processor
	logger  *slog.Logger

	// createGate is read-held by insert dispatches from the create request
	// until the rename is recorded, and write-held while a created event is
	// processed.
	createGate sync.RWMutex

	cancel      context.CancelFunc
	cancelOnce  sync.Once
	unsubscribe func()
	subscribed  atomic.Bool

	// pending counts received events not yet handled by the loop.
	pending atomic.Int64

	// progress is closed and replaced each time the loop handles an event
	// or finds the buffer empty.
	progressMu sync.Mutex
	progress   chan struct{}

	loaded  chan struct{}
	loadErr error
	done    chan struct{}
}

// Start subscribes to the collection's realtime stream (when cfg.Realtime is
// set), then runs the bulk load and the event loop in the background.
//
// A subscription failure is returned as *SubscriptionError and nothing is
// left running. Bulk load failures are reported by WaitReady.
func Start(ctx context.Context, cfg Config, sink Sink) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("reconcile: nil sink")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("collection", cfg.CollectionName)

	l := ledger.New(
		ledger.WithClock(cfg.Clock),
		ledger.WithRetention(cfg.LedgerRetention),
		ledger.WithSweepInterval(cfg.SweepInterval),
		ledger.WithLogger(logger),
	)
	renames := rename.New(logger)

	s := &Session{
		cfg:      cfg,
		coll:     cfg.Client.Collection(cfg.CollectionName),
		sink:     sink,
		ledger:   l,
		renames:  renames,
		buf:      newEventBuffer(),
		proc:     newProcessor(sink, l, renames, cfg.Transforms.ToLocal, logger),
		logger:   logger,
		loaded:   make(chan struct{}),
		done:     make(chan struct{}),
		progress: make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if cfg.Realtime {
		unsubscribe, err := s.coll.Subscribe(runCtx, remote.TopicAll, s.onEvent)
		if err != nil {
			cancel()
			return nil, &SubscriptionError{Collection: cfg.CollectionName, Err: err}
		}
		s.unsubscribe = unsubscribe
		s.subscribed.Store(true)
		if dr, ok := s.coll.(remote.DropReporter); ok {
			go s.watchDrop(runCtx, dr)
		}
	}

	go l.Run(runCtx)
	go s.run(runCtx)

	logger.Info("session started", "realtime", cfg.Realtime)
	return s, nil
}

// onEvent is the realtime callback.
func (s *Session) onEvent(ev record.Event) {
	s.pending.Add(1)
	if !s.buf.push(ev) {
		s.pending.Add(-1)
	}
}

func (s *Session) watchDrop(ctx context.Context, dr remote.DropReporter) {
	select {
	case <-ctx.Done():
	case err, ok := <-dr.Dropped():
		if !ok {
			return
		}
		s.subscribed.Store(false)
		s.logger.Error("realtime stream dropped",
			"error", &SubscriptionError{Collection: s.cfg.CollectionName, Err: err})
	}
}

// run is the single writer loop: bulk load, replay, then live events.
// When ctx ends the session is torn down as by Cancel.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.Cancel()

	s.loadErr = s.load(ctx)
	if s.loadErr != nil {
		s.logger.Error("bulk load failed", "error", s.loadErr)
	}
	close(s.loaded)

	if n := s.buf.beginDrain(); n > 0 {
		s.logger.Debug("replaying buffered events", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := s.buf.pop()
		if ok {
			s.handle(ev)
			s.pending.Add(-1)
		}
		s.signalProgress()
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.buf.wait():
		}
	}
}

// load applies the initial snapshot. MarkReady is signalled even on failure.
func (s *Session) load(ctx context.Context) error {
	defer s.sink.MarkReady()

	records, err := s.coll.FullList(ctx, s.cfg.InitialFetch)
	if err != nil {
		return fmt.Errorf("bulk load %s: %w", s.cfg.CollectionName, err)
	}
	skipped := s.proc.load(records)
	s.logger.Info("bulk load applied", "records", len(records)-skipped, "skipped", skipped)
	return nil
}

// handle processes one event. Failures are logged and the loop continues.
//
// A created event waits for in-flight insert dispatches, so a rename is
// always recorded before the event that consumes it is processed.
func (s *Session) handle(ev record.Event) {
	if ev.Kind == record.EventCreated {
		s.createGate.Lock()
		defer s.createGate.Unlock()
	}
	if err := s.proc.process(ev); err != nil {
		s.logger.Error("event processing failed",
			"action", ev.Kind,
			"id", ev.Record.ID(),
			"error", err,
		)
	}
}

// WaitReady blocks until the bulk load has finished and returns its error.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.loaded:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase returns the replay state of the event stream.
func (s *Session) Phase() Phase {
	return s.buf.Phase()
}

// Pending returns the number of received realtime events that have not
// been applied yet, buffered ones included.
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

// WaitIdle blocks until buffered events have been replayed and every event
// received so far has been applied to the sink.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		progressed := s.progressed()
		if s.Phase() == PhaseLive && s.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errors.New("reconcile: session stopped")
		case <-progressed:
		}
	}
}

func (s *Session) progressed() <-chan struct{} {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.progress
}

func (s *Session) signalProgress() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	close(s.progress)
	s.progress = make(chan struct{})
}

// IsSubscribed reports whether the realtime subscription is active.
func (s *Session) IsSubscribed() bool {
	return s.subscribed.Load()
}

// Cancel unsubscribes, stops the prune sweep and the event loop. In-flight
// AwaitIDs calls are not interrupted; they end at their own deadline or
// context. Safe to call more than once.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.subscribed.Store(false)
		s.cancel()
		s.buf.close()
		s.logger.Info("session cancelled")
	})
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Collection returns the session's collection name.
func (s *Session) Collection() string {
	return s.cfg.CollectionName
}
