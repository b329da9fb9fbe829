package harness

import (
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// TraceEvent is one operation the session wrote to the local collection.
type TraceEvent struct {
	// Tx is the 1-based index of the enclosing transaction.
	Tx  int           `json:"tx"`
	Op  record.OpType `json:"op"`
	Key string        `json:"key"`
}

// String renders the event as "op key", the form assertions use.
func (e TraceEvent) String() string {
	return fmt.Sprintf("%s %s", e.Op, e.Key)
}

// StepResult is the outcome of one scenario step.
type StepResult struct {
	Step  int    `json:"step"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is false once any error has been added.
	Pass bool `json:"pass"`

	// Steps holds one entry per executed step.
	Steps []StepResult `json:"steps"`

	// Calls lists remote writes in request order, e.g. "create r1".
	Calls []string `json:"remote_calls"`

	// Trace holds every committed operation in commit order.
	Trace []TraceEvent `json:"trace"`

	// Visible records the visible key set after each collection change.
	Visible [][]string `json:"-"`

	// Final is the visible collection when the scenario ended.
	Final map[string]record.Record `json:"final"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Calls:  []string{},
		Trace:  []TraceEvent{},
		Final:  map[string]record.Record{},
		Errors: []string{},
	}
}

// AddError adds an error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
