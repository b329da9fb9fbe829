package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/recsync/internal/record"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] tx=%d %s\n", i+1, event.Tx, event)
	}
	return buf.String()
}

// assertTraceContains checks that an operation like "insert r1" was committed.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	if indexOf(trace, assertion.Op, 0) >= 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("trace contains %q", assertion.Op),
		Actual:   "not found",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the operations occur in the given relative
// order. Other operations may appear in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, op := range assertion.Ops {
		idx := indexOf(trace, op, pos)
		if idx < 0 {
			actual := "not found"
			if indexOf(trace, op, 0) >= 0 {
				actual = "found out of order"
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops[%d] %q after position %d", i, op, pos),
				Actual:   actual,
				Trace:    trace,
			}
		}
		pos = idx + 1
	}
	return nil
}

// assertTraceCount checks the number of occurrences of an operation.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.String() == assertion.Op {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d occurrence(s) of %q", assertion.Count, assertion.Op),
		Actual:   fmt.Sprintf("%d occurrence(s)", count),
		Trace:    trace,
	}
}

// assertSameTransaction checks that every listed operation was committed in
// one transaction.
func assertSameTransaction(trace []TraceEvent, assertion Assertion) error {
	tx := -1
	for _, op := range assertion.Ops {
		idx := indexOf(trace, op, 0)
		if idx < 0 {
			return &AssertionError{
				Type:     AssertSameTransaction,
				Expected: fmt.Sprintf("%q in the trace", op),
				Actual:   "not found",
				Trace:    trace,
			}
		}
		if tx == -1 {
			tx = trace[idx].Tx
			continue
		}
		if trace[idx].Tx != tx {
			return &AssertionError{
				Type:     AssertSameTransaction,
				Expected: fmt.Sprintf("%q in transaction %d", op, tx),
				Actual:   fmt.Sprintf("transaction %d", trace[idx].Tx),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertNeverTogether checks that the keys were never all visible at once.
func assertNeverTogether(visible [][]string, assertion Assertion) error {
	for i, keys := range visible {
		all := true
		for _, k := range assertion.Keys {
			if !slices.Contains(keys, k) {
				all = false
				break
			}
		}
		if all {
			return &AssertionError{
				Type:     AssertNeverTogether,
				Expected: fmt.Sprintf("%v never visible together", assertion.Keys),
				Actual:   fmt.Sprintf("visible together in snapshot %d: %v", i, keys),
			}
		}
	}
	return nil
}

// assertFinalState checks that the key is visible and holds the expected
// field values (subset match).
func assertFinalState(final map[string]record.Record, assertion Assertion) error {
	rec, ok := final[assertion.Key]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %q present", assertion.Key),
			Actual:   fmt.Sprintf("absent; visible keys %v", sortedKeys(final)),
		}
	}
	if !matchFields(rec, assertion.Expect) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %q matching %v", assertion.Key, assertion.Expect),
			Actual:   rec.String(),
		}
	}
	return nil
}

func assertAbsent(final map[string]record.Record, assertion Assertion) error {
	if rec, ok := final[assertion.Key]; ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("record %q absent", assertion.Key),
			Actual:   rec.String(),
		}
	}
	return nil
}

func indexOf(trace []TraceEvent, op string, from int) int {
	for i := from; i < len(trace); i++ {
		if trace[i].String() == op {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]record.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra fields in actual are ignored.
func matchFields(actual record.Record, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values for equality. Numbers compare by value
// whatever their Go type, so YAML ints match decoded JSON numbers.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	if a, ok := toFloat(actual); ok {
		if e, ok := toFloat(expected); ok {
			return a == e
		}
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertSameTransaction:
			err = assertSameTransaction(result.Trace, assertion)
		case AssertNeverTogether:
			err = assertNeverTogether(result.Visible, assertion)
		case AssertFinalState:
			err = assertFinalState(result.Final, assertion)
		case AssertAbsent:
			err = assertAbsent(result.Final, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
