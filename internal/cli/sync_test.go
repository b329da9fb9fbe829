package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqliteConfig = `collection: todos
remote:
  sqlite: remote.db
mutation_timeout: 5s
transforms:
  done: bool
logging:
  level: error
`

func runSyncCommand(t *testing.T, newCmd func(*RootOptions) *cobra.Command, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newCmd(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

type insertResponse struct {
	Status string       `json:"status"`
	Data   MutateResult `json:"data"`
	Error  *CLIError    `json:"error"`
}

func insertOne(t *testing.T, config, rec string) string {
	t.Helper()
	out, err := runSyncCommand(t, NewInsertCommand, "json", "--config", config, rec)
	require.NoError(t, err, out)

	var resp insertResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Records, 1)
	return resp.Data.Records[0].ID()
}

func TestInsertConfirmsStoreID(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)

	out, err := runSyncCommand(t, NewInsertCommand, "json", "--config", config,
		`{"title": "milk"}`, `{"title": "eggs"}`)
	require.NoError(t, err, out)

	var resp insertResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Count)
	require.Len(t, resp.Data.Records, 2)
	for _, r := range resp.Data.Records {
		assert.False(t, strings.HasPrefix(r.ID(), "tmp_"), "record %s still has a temporary id", r.ID())
	}
}

func TestInsertTextOutput(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)

	out, err := runSyncCommand(t, NewInsertCommand, "text", "--config", config, `{"title": "milk"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "insert: 1 record(s) confirmed")
	assert.Contains(t, out, `"title":"milk"`)
}

func TestInsertInvalidJSON(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)

	tests := []struct {
		name string
		arg  string
	}{
		{"malformed", `{"title": `},
		{"array", `["milk"]`},
		{"null", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runSyncCommand(t, NewInsertCommand, "text", "--config", config, tt.arg)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, ErrCodeArgs)
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)
	id := insertOne(t, config, `{"title": "milk", "done": false}`)

	out, err := runSyncCommand(t, NewUpdateCommand, "json", "--config", config, id, `{"done": true}`)
	require.NoError(t, err, out)
	var resp insertResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Records, 1)
	assert.Equal(t, true, resp.Data.Records[0]["done"])
	assert.Equal(t, "milk", resp.Data.Records[0]["title"])

	out, err = runSyncCommand(t, NewDeleteCommand, "text", "--config", config, id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "delete: 1 record(s) confirmed")

	out, err = runSyncCommand(t, NewWatchCommand, "text", "--config", config, "--once")
	require.NoError(t, err)
	assert.NotContains(t, out, id)
}

func TestUpdateUnknownRecord(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)

	out, err := runSyncCommand(t, NewUpdateCommand, "json", "--config", config, "ghost", `{"done": true}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp insertResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestWatchOnce(t *testing.T) {
	config := writeConfig(t, t.TempDir(), "recsync.yaml", sqliteConfig)
	id := insertOne(t, config, `{"title": "milk"}`)

	out, err := runSyncCommand(t, NewWatchCommand, "json", "--config", config, "--once")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var line changeLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Equal(t, "insert", string(line.Type))
	assert.Equal(t, id, line.Key)
	assert.Equal(t, "milk", line.Value["title"])
}

func TestSyncCommandMissingConfig(t *testing.T) {
	out, err := runSyncCommand(t, NewWatchCommand, "text", "--config", "/nonexistent/recsync.yaml", "--once")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeConfig)
}
