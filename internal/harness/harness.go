package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/recsync/internal/collection"
	"github.com/roach88/recsync/internal/logging"
	"github.com/roach88/recsync/internal/reconcile"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/schema"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/transform"
)

// DefaultTimeout is the mutation timeout when a scenario sets none.
const DefaultTimeout = time.Second

// runDeadline bounds a whole scenario run.
const runDeadline = 30 * time.Second

// Harness executes one scenario against a live session.
type Harness struct {
	scenario *Scenario
	remote   *scriptedRemote
	sink     *recorder
	col      *collection.Collection
	session  *reconcile.Session
	timeout  time.Duration
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Build the scripted remote and an empty local collection
//  2. Start a session and wait for the bulk load and buffered replay
//  3. Run each step, waiting for the session to go idle after it
//  4. Evaluate assertions against the trace and final state
//
// A non-nil error means the scenario could not be run at all; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, logging.Discard())
}

// RunWithLogger is Run with session logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runDeadline)
	defer cancel()

	timeout := scenario.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transforms, err := transform.FromNames(scenario.Transforms)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	var validator reconcile.Validator
	if scenario.Schema != "" {
		v, err := schema.Compile(scenario.Name, []byte(scenario.Schema))
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		validator = v
	}

	rem := newScriptedRemote(scenario.Collection, scenario.Remote, logger)
	defer rem.close()

	col := collection.New(logger)
	sink := newRecorder(col)
	unsubscribe := col.Subscribe(sink.observe)
	defer unsubscribe()

	session, err := reconcile.Start(ctx, reconcile.Config{
		Client:          rem,
		CollectionName:  scenario.Collection,
		Transforms:      transforms,
		MutationTimeout: timeout,
		Realtime:        true,
		Schema:          validator,
		ConfirmOnWrite:  scenario.ConfirmOnWrite,
		PollInterval:    5 * time.Millisecond,
		Logger:          logger,
		Clock:           testutil.NewManualClock(),
	}, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.Cancel()

	h := &Harness{
		scenario: scenario,
		remote:   rem,
		sink:     sink,
		col:      col,
		session:  session,
		timeout:  timeout,
	}

	if err := session.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("bulk load failed: %w", err)
	}
	if err := h.waitIdle(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result.Calls = rem.callLog()
	result.Trace = sink.trace()
	result.Visible = sink.visible()
	for _, key := range col.Keys() {
		if v, ok := col.Get(key); ok {
			result.Final[key] = v
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	sr := StepResult{Step: index, Type: step.kind()}

	switch sr.Type {
	case "mutate":
		mutations := make([]record.Mutation, len(step.Mutate))
		for i, m := range step.Mutate {
			mutations[i] = m.mutation()
		}
		err := h.col.Mutate(ctx, h.session, mutations...)
		sr.Error = errorLabel(err)
		if sr.Error != step.ExpectError {
			result.AddError(fmt.Sprintf("steps[%d]: expected error %q, got %q (%v)", index, step.ExpectError, sr.Error, err))
		}

	case "emit":
		ev := *step.Emit
		h.remote.emit(ev)
		if err := h.session.AwaitIDs(ctx, []string{ev.Record.ID()}, h.timeout); err != nil {
			return fmt.Errorf("emitted %s event for %s was not applied: %w", ev.Kind, ev.Record.ID(), err)
		}

	case "fail":
		h.remote.fail(step.Fail)
	}

	result.Steps = append(result.Steps, sr)
	return h.waitIdle(ctx)
}

// waitIdle blocks until the remote has delivered every event it sent and
// the session has applied them.
func (h *Harness) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !h.remote.idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("remote deliveries stalled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	if err := h.session.WaitIdle(ctx); err != nil {
		return fmt.Errorf("session did not go idle: %w", err)
	}
	return nil
}

// errorLabel maps a mutation error to the label compared with expect_error.
func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	if code := reconcile.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

// recorder wraps the local collection and records committed operations.
type recorder struct {
	*collection.Collection

	mu       sync.Mutex
	tx       int
	staged   []TraceEvent
	ops      []TraceEvent
	snapshot [][]string
}

func newRecorder(col *collection.Collection) *recorder {
	return &recorder{Collection: col}
}

func (r *recorder) Begin() {
	r.mu.Lock()
	r.tx++
	r.staged = r.staged[:0]
	r.mu.Unlock()
	r.Collection.Begin()
}

func (r *recorder) Write(op record.Op) {
	r.mu.Lock()
	r.staged = append(r.staged, TraceEvent{Tx: r.tx, Op: op.Type, Key: op.Key})
	r.mu.Unlock()
	r.Collection.Write(op)
}

func (r *recorder) Commit() {
	r.mu.Lock()
	r.ops = append(r.ops, r.staged...)
	r.staged = r.staged[:0]
	r.mu.Unlock()
	r.Collection.Commit()
}

// observe snapshots the visible keys after every change.
func (r *recorder) observe(changes []collection.Change) {
	if len(changes) == 0 {
		return
	}
	keys := r.Keys()
	r.mu.Lock()
	r.snapshot = append(r.snapshot, keys)
	r.mu.Unlock()
}

func (r *recorder) trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.ops...)
}

func (r *recorder) visible() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string{}, r.snapshot...)
}
