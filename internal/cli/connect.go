package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/roach88/recsync/internal/collection"
	"github.com/roach88/recsync/internal/config"
	"github.com/roach88/recsync/internal/reconcile"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/remote/pgremote"
	"github.com/roach88/recsync/internal/remote/sqlremote"
	"github.com/roach88/recsync/internal/transport/wsremote"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "recsync.yaml"

// syncSession is a running session over a local collection.
type syncSession struct {
	cfg     *config.Config
	col     *collection.Collection
	session *reconcile.Session
	echoes  echoWaiter
	logger  *slog.Logger
	closers []func() error
}

// openRemote builds the client for the config's remote section. The
// returned close function releases any store it opened.
func openRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Client, func() error, error) {
	switch {
	case cfg.Remote.URL != "":
		return wsremote.NewClient(cfg.Remote.URL, wsremote.WithClientLogger(logger)), func() error { return nil }, nil

	case cfg.Remote.SQLite != "":
		st, err := sqlremote.Open(cfg.Path(cfg.Remote.SQLite), sqlremote.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case cfg.Remote.Postgres != "":
		opts := []pgremote.Option{pgremote.WithLogger(logger)}
		if cfg.Remote.Table != "" {
			opts = append(opts, pgremote.WithTable(cfg.Remote.Table))
		}
		st, err := pgremote.Open(ctx, cfg.Remote.Postgres, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, errors.New("config names no remote")
}

// loadConfig reads the config file and builds its logger. Verbose forces
// debug logging.
func loadConfig(path string, verbose bool, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// startSync opens the remote, starts a session into a fresh collection and
// waits for the bulk load. Failures are returned as ExitErrors.
func startSync(ctx context.Context, f *OutputFormatter, configPath string) (*syncSession, error) {
	cfg, logger, err := loadConfig(configPath, f.Verbose, f.GetErrWriter())
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err)
	}

	client, closeRemote, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeRemote, err)
	}
	s := &syncSession{cfg: cfg, logger: logger, closers: []func() error{closeRemote}}

	writes := newWriteLog(client)
	sc, err := cfg.SessionConfig(writes, logger)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err)
	}

	s.col = collection.New(logger)
	s.echoes = echoWaiter{col: s.col, writes: writes, toLocal: sc.Transforms.ToLocal, timeout: sc.MutationTimeout}
	if s.echoes.timeout <= 0 {
		s.echoes.timeout = reconcile.DefaultMutationTimeout
	}
	s.session, err = reconcile.Start(ctx, sc, s.col)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, errorCode(err), err)
	}
	if err := s.session.WaitReady(ctx); err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeRemote, err)
	}
	f.VerboseLog("loaded %d record(s) from %s", s.col.Len(), cfg.Collection)
	return s, nil
}

// Close cancels the session and releases the remote.
func (s *syncSession) Close() {
	if s.session != nil {
		s.session.Cancel()
		<-s.session.Done()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("close failed", "error", err)
		}
	}
}
