package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/collection"
	"github.com/roach88/recsync/internal/record"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Config string
	Once   bool // print the loaded collection and exit
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync a collection and print its changes",
		Long: `Load the configured collection, print it, then print every change
applied by the sync session until interrupted.

Text output prints one "<change> <key> <record>" line per change. JSON output
prints one object per line.

Example:
  recsync watch --config recsync.yaml
  recsync watch --config recsync.yaml --once --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", DefaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the loaded collection and exit")

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// changeLine is one line of watch output.
type changeLine struct {
	Type  collection.ChangeType `json:"type"`
	Key   string                `json:"key"`
	Value record.Record         `json:"value,omitempty"`
}

// changePrinter serializes output from the session loop and the command.
type changePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func (p *changePrinter) print(changes []collection.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range changes {
		p.line(changeLine{Type: c.Type, Key: c.Key, Value: c.Value})
	}
}

// line must be called with mu held.
func (p *changePrinter) line(l changeLine) {
	if p.format == "json" {
		_ = json.NewEncoder(p.w).Encode(l)
		return
	}
	if l.Value == nil {
		fmt.Fprintf(p.w, "%s %s\n", l.Type, l.Key)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", l.Type, l.Key, l.Value)
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := startSync(ctx, formatter, opts.Config)
	if err != nil {
		return err
	}
	defer s.Close()

	p := &changePrinter{w: cmd.OutOrStdout(), format: opts.Format}

	// The snapshot is printed under the printer lock so changes applied
	// meanwhile follow it.
	p.mu.Lock()
	if !opts.Once {
		unsubscribe := s.col.Subscribe(p.print)
		defer unsubscribe()
	}
	for _, v := range s.col.Values() {
		p.line(changeLine{Type: collection.ChangeInsert, Key: v.ID(), Value: v})
	}
	p.mu.Unlock()

	if opts.Once {
		return nil
	}

	s.logger.Info("watching", "collection", s.cfg.Collection, "realtime", s.session.IsSubscribed())
	select {
	case <-ctx.Done():
	case <-s.session.Done():
	}
	return nil
}
