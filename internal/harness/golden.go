package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/recsync/internal/record"
)

// GoldenDir is where scenario snapshots live, relative to this package.
const GoldenDir = "../../testdata/scenarios/golden"

// Snapshot captures the deterministic part of a scenario execution.
// It is serialized with canonical JSON for byte-exact comparison.
type Snapshot struct {
	ScenarioName string                   `json:"scenario_name"`
	Steps        []StepResult             `json:"steps"`
	Calls        []string                 `json:"remote_calls"`
	Trace        []TraceEvent             `json:"trace"`
	Final        map[string]record.Record `json:"final"`
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName: name,
		Steps:        result.Steps,
		Calls:        result.Calls,
		Trace:        result.Trace,
		Final:        result.Final,
	}
}

// toCanonicalMap converts the snapshot to plain maps and slices so
// record.MarshalCanonical can serialize it.
func (s Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, st := range s.Steps {
		m := map[string]any{"step": st.Step, "type": st.Type}
		if st.Error != "" {
			m["error"] = st.Error
		}
		steps[i] = m
	}

	calls := make([]any, len(s.Calls))
	for i, c := range s.Calls {
		calls[i] = c
	}

	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		trace[i] = map[string]any{"tx": ev.Tx, "op": string(ev.Op), "key": ev.Key}
	}

	final := make(map[string]any, len(s.Final))
	for k, v := range s.Final {
		final[k] = map[string]any(v)
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"steps":         steps,
		"remote_calls":  calls,
		"trace":         trace,
		"final":         final,
	}
}

// Marshal renders the snapshot as canonical JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	return record.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// GoldenDir/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
