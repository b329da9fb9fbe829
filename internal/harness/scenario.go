package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/recsync/internal/record"
)

// Scenario defines a reconciliation scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Collection is the synced collection name.
	Collection string `yaml:"collection"`

	// Timeout is the session's mutation timeout. Default: 1s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// ConfirmOnWrite marks ids returned by remote writes as seen.
	ConfirmOnWrite bool `yaml:"confirm_on_write,omitempty"`

	// Transforms maps field names to built-in converter names.
	Transforms map[string]string `yaml:"transforms,omitempty"`

	// Schema is an inline JSON Schema for outgoing payloads.
	Schema string `yaml:"schema,omitempty"`

	// Remote scripts the authoritative store.
	Remote RemoteSetup `yaml:"remote"`

	// Steps run in order after the bulk load.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Echo modes of the scripted remote.
const (
	EchoSync  = "sync"  // events delivered before the write returns
	EchoAsync = "async" // events delivered from a hub goroutine
	EchoOff   = "off"   // writes produce no events
)

// RemoteSetup is the scripted remote's starting state.
type RemoteSetup struct {
	// Records present before the session starts, in storage order.
	Records []record.Record `yaml:"records,omitempty"`

	// IDs are assigned to created records in order.
	IDs []string `yaml:"ids,omitempty"`

	// Echo is one of sync (default), async or off.
	Echo string `yaml:"echo,omitempty"`

	// Buffered events are delivered while the bulk load is in flight.
	Buffered []record.Event `yaml:"buffered,omitempty"`
}

// Step is exactly one of Mutate, Emit or Fail.
type Step struct {
	// Mutate is one optimistic transaction run through the collection.
	Mutate []MutationStep `yaml:"mutate,omitempty"`

	// ExpectError is the error code the mutation must fail with
	// (TIMEOUT_WAITING_FOR_IDS, UNEXPECTED_MUTATION_KIND, SCHEMA_VIOLATION,
	// or ERROR for uncoded failures such as remote errors).
	ExpectError string `yaml:"expect_error,omitempty"`

	// Emit pushes a realtime event from the remote.
	Emit *record.Event `yaml:"emit,omitempty"`

	// Fail makes the next remote write fail with this message.
	Fail string `yaml:"fail,omitempty"`
}

// MutationStep is one mutation intent in a Mutate step.
type MutationStep struct {
	Kind     record.MutationKind `yaml:"kind"`
	Key      string              `yaml:"key,omitempty"`
	Modified record.Record       `yaml:"modified,omitempty"`
	Changes  record.Record       `yaml:"changes,omitempty"`
}

func (m MutationStep) mutation() record.Mutation {
	return record.Mutation{Kind: m.Kind, Key: m.Key, Modified: m.Modified, Changes: m.Changes}
}

func (s Step) kind() string {
	switch {
	case len(s.Mutate) > 0:
		return "mutate"
	case s.Emit != nil:
		return "emit"
	case s.Fail != "":
		return "fail"
	}
	return ""
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key names a record (final_state, absent).
	Key string `yaml:"key,omitempty"`

	// Expect holds expected field values; subset match (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Op is an operation like "insert r1" (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Ops is an operation sequence (trace_order, same_transaction).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Keys must never be visible at the same time (never_together).
	Keys []string `yaml:"keys,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState      = "final_state"
	AssertAbsent          = "absent"
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertSameTransaction = "same_transaction"
	AssertNeverTogether   = "never_together"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	switch s.Remote.Echo {
	case "", EchoSync, EchoAsync, EchoOff:
	default:
		return fmt.Errorf("remote.echo: unknown mode %q", s.Remote.Echo)
	}
	for i, r := range s.Remote.Records {
		if r.ID() == "" {
			return fmt.Errorf("remote.records[%d]: id is required", i)
		}
	}
	for i := range s.Remote.Buffered {
		ev := &s.Remote.Buffered[i]
		kind, err := record.ParseEventKind(string(ev.Kind))
		if err != nil {
			return fmt.Errorf("remote.buffered[%d]: %w", i, err)
		}
		ev.Kind = kind
		if ev.Record.ID() == "" {
			return fmt.Errorf("remote.buffered[%d]: record id is required", i)
		}
	}
	if len(s.Steps) == 0 && len(s.Remote.Buffered) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		n := 0
		if len(step.Mutate) > 0 {
			n++
		}
		if step.Emit != nil {
			n++
		}
		if step.Fail != "" {
			n++
		}
		if n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of mutate, emit or fail is required", i)
		}
		if step.ExpectError != "" && len(step.Mutate) == 0 {
			return fmt.Errorf("steps[%d]: expect_error only applies to mutate", i)
		}
		if step.Emit != nil {
			kind, err := record.ParseEventKind(string(step.Emit.Kind))
			if err != nil {
				return fmt.Errorf("steps[%d].emit: %w", i, err)
			}
			step.Emit.Kind = kind
			if step.Emit.Record.ID() == "" {
				return fmt.Errorf("steps[%d].emit: record id is required", i)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for final_state", index)
		}
	case AssertAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for absent", index)
		}
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder, AssertSameTransaction:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for %s", index, a.Type)
		}
	case AssertNeverTogether:
		if len(a.Keys) < 2 {
			return fmt.Errorf("assertions[%d]: at least two keys are required for never_together", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
