package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/record"
)

// MutateOptions holds flags shared by insert, update and delete.
type MutateOptions struct {
	*RootOptions
	Config string
}

// MutateResult is the outcome of a confirmed mutation batch.
type MutateResult struct {
	Kind    record.MutationKind `json:"kind"`
	Count   int                 `json:"count"`
	Records []record.Record     `json:"records,omitempty"`
}

func (r MutateResult) String() string {
	s := fmt.Sprintf("%s: %d record(s) confirmed", r.Kind, r.Count)
	for _, rec := range r.Records {
		s += "\n  " + rec.String()
	}
	return s
}

func newMutateCommand(opts *MutateOptions, use, short, long string, args cobra.PositionalArgs, build func([]string) ([]record.Mutation, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)
			mutations, err := build(args)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeArgs, err)
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMutate(ctx, opts, formatter, mutations)
		},
	}
	cmd.Flags().StringVarP(&opts.Config, "config", "c", DefaultConfigPath, "path to config file")
	return cmd
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	return newMutateCommand(opts,
		"insert <json-record>...",
		"Insert records and wait for confirmation",
		`Insert one or more records as a single batch. Each record gets a
temporary id locally and returns once the store's id has been confirmed.

Example:
  recsync insert '{"title": "milk"}' '{"title": "eggs"}'`,
		cobra.MinimumNArgs(1),
		func(args []string) ([]record.Mutation, error) {
			mutations := make([]record.Mutation, len(args))
			for i, arg := range args {
				r, err := parseRecordArg(arg)
				if err != nil {
					return nil, fmt.Errorf("record %d: %w", i+1, err)
				}
				mutations[i] = record.Mutation{Kind: record.MutationInsert, Modified: r}
			}
			return mutations, nil
		})
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	return newMutateCommand(opts,
		"update <id> <json-changes>",
		"Update a record and wait for confirmation",
		`Send a partial update for a confirmed record.

Example:
  recsync update r1 '{"done": true}'`,
		cobra.ExactArgs(2),
		func(args []string) ([]record.Mutation, error) {
			changes, err := parseRecordArg(args[1])
			if err != nil {
				return nil, err
			}
			return []record.Mutation{{Kind: record.MutationUpdate, Key: args[0], Changes: changes}}, nil
		})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	return newMutateCommand(opts,
		"delete <id>...",
		"Delete records and wait for confirmation",
		`Delete one or more confirmed records as a single batch.

Example:
  recsync delete r1 r2`,
		cobra.MinimumNArgs(1),
		func(args []string) ([]record.Mutation, error) {
			mutations := make([]record.Mutation, len(args))
			for i, id := range args {
				mutations[i] = record.Mutation{Kind: record.MutationDelete, Key: id}
			}
			return mutations, nil
		})
}

func parseRecordArg(arg string) (record.Record, error) {
	var r record.Record
	if err := record.DecodeJSON([]byte(arg), &r); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("expected a JSON object, got %s", arg)
	}
	return r, nil
}

func runMutate(ctx context.Context, opts *MutateOptions, formatter *OutputFormatter, mutations []record.Mutation) error {
	s, err := startSync(ctx, formatter, opts.Config)
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.col.Keys()
	if err := s.col.Mutate(ctx, s.session, mutations...); err != nil {
		return formatter.Fail(ExitFailure, errorCode(err), err)
	}
	if err := s.session.WaitIdle(ctx); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, err)
	}
	if s.cfg.RealtimeEnabled() {
		if err := s.echoes.wait(ctx, mutations); err != nil {
			return formatter.Fail(ExitFailure, errorCode(err), err)
		}
	}

	result := MutateResult{Kind: mutations[0].Kind, Count: len(mutations)}
	switch result.Kind {
	case record.MutationInsert:
		for _, key := range s.col.Keys() {
			if slices.Contains(before, key) {
				continue
			}
			if v, ok := s.col.Get(key); ok {
				result.Records = append(result.Records, v)
			}
		}
	case record.MutationUpdate:
		for _, m := range mutations {
			if v, ok := s.col.Get(m.Key); ok {
				result.Records = append(result.Records, v)
			}
		}
	}
	return formatter.Success(result)
}
