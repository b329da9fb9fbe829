package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/logging"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/remote/pgremote"
	"github.com/roach88/recsync/internal/remote/sqlremote"
	"github.com/roach88/recsync/internal/transport/wsremote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	SQLite   string
	Postgres string
	Table    string

	// listening, when set, receives the bound address once the server
	// accepts connections.
	listening chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a record store over HTTP and websockets",
		Long: `Serve a SQLite or PostgreSQL record store with the REST and realtime
API that "remote: {url: ...}" configs connect to.

Example:
  recsync serve --sqlite ./records.db --addr 127.0.0.1:8090
  recsync serve --postgres "postgres://localhost/app?sslmode=disable" --table records`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&opts.SQLite, "sqlite", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Postgres, "postgres", "", "PostgreSQL connection string")
	cmd.Flags().StringVar(&opts.Table, "table", "", "PostgreSQL table name (default records)")
	cmd.MarkFlagsMutuallyExclusive("sqlite", "postgres")
	cmd.MarkFlagsOneRequired("sqlite", "postgres")

	return cmd
}

func openStore(ctx context.Context, opts *ServeOptions, logger *slog.Logger) (remote.Client, func() error, error) {
	if opts.Postgres != "" {
		pgOpts := []pgremote.Option{pgremote.WithLogger(logger)}
		if opts.Table != "" {
			pgOpts = append(pgOpts, pgremote.WithTable(opts.Table))
		}
		st, err := pgremote.Open(ctx, opts.Postgres, pgOpts...)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	st, err := sqlremote.Open(opts.SQLite, sqlremote.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	logCfg := logging.FromEnv(logging.DefaultConfig)
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err)
	}

	store, closeStore, err := openStore(ctx, opts, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeRemote, fmt.Errorf("open store: %w", err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	handler := wsremote.NewServer(store, logger)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("server listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.listening != nil {
		opts.listening <- addr
	}

	select {
	case err := <-serveErr:
		handler.Close()
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	handler.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
