// Package config loads recsync configuration files.
//
// A config file is YAML. It is checked against an embedded CUE schema and
// then decoded strictly (unknown fields are errors):
//
//	collection: todos
//	remote:
//	  url: http://127.0.0.1:8090
//	mutation_timeout: 30s
//	initial_fetch:
//	  sort: -created
//	transforms:
//	  due: time
//	schema: todo.schema.json
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/recsync/internal/logging"
	"github.com/roach88/recsync/internal/reconcile"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/schema"
	"github.com/roach88/recsync/internal/transform"
)

//go:embed schema.cue
var schemaCUE string

// Remote names the authoritative store. Exactly one of URL, SQLite or
// Postgres is set.
type Remote struct {
	URL      string `yaml:"url,omitempty"`
	SQLite   string `yaml:"sqlite,omitempty"`
	Postgres string `yaml:"postgres,omitempty"`
	Table    string `yaml:"table,omitempty"`
}

// Config is one decoded config file.
type Config struct {
	Collection      string              `yaml:"collection"`
	Remote          Remote              `yaml:"remote"`
	Realtime        *bool               `yaml:"realtime,omitempty"`
	ConfirmOnWrite  bool                `yaml:"confirm_on_write,omitempty"`
	MutationTimeout time.Duration       `yaml:"mutation_timeout,omitempty"`
	PollInterval    time.Duration       `yaml:"poll_interval,omitempty"`
	LedgerRetention time.Duration       `yaml:"ledger_retention,omitempty"`
	InitialFetch    remote.FetchOptions `yaml:"initial_fetch,omitempty"`
	Transforms      map[string]string   `yaml:"transforms,omitempty"`
	Schema          string              `yaml:"schema,omitempty"`
	Logging         logging.Config      `yaml:"logging,omitempty"`

	// BaseDir resolves relative paths (schema, sqlite). Set by Load.
	BaseDir string `yaml:"-"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	return cfg, nil
}

// Parse validates data against the schema and decodes it.
func Parse(data []byte) (*Config, error) {
	if err := Check(data); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Logging == (logging.Config{}) {
		cfg.Logging = logging.DefaultConfig
	}
	return &cfg, nil
}

// Check validates a YAML document against the embedded CUE schema
// without decoding it.
func Check(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return errors.New("config is empty")
	}

	ctx := cuecontext.New()
	schemaVal := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schemaVal.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RealtimeEnabled reports the realtime flag, which defaults to true.
func (c *Config) RealtimeEnabled() bool {
	return c.Realtime == nil || *c.Realtime
}

// Path resolves p against BaseDir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// Logger builds the logger described by the logging section, with
// LOG_LEVEL and LOG_FORMAT taking precedence.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	return logging.New(logging.FromEnv(c.Logging), w)
}

// SessionConfig builds the session configuration for client. Named
// transforms are resolved and the schema file, if any, is compiled.
func (c *Config) SessionConfig(client remote.Client, logger *slog.Logger) (reconcile.Config, error) {
	transforms, err := transform.FromNames(c.Transforms)
	if err != nil {
		return reconcile.Config{}, fmt.Errorf("transforms: %w", err)
	}

	sc := reconcile.Config{
		Client:          client,
		CollectionName:  c.Collection,
		Transforms:      transforms,
		MutationTimeout: c.MutationTimeout,
		InitialFetch:    c.InitialFetch,
		Realtime:        c.RealtimeEnabled(),
		ConfirmOnWrite:  c.ConfirmOnWrite,
		PollInterval:    c.PollInterval,
		LedgerRetention: c.LedgerRetention,
		Logger:          logger,
	}
	if c.Schema != "" {
		v, err := schema.Load(c.Path(c.Schema))
		if err != nil {
			return reconcile.Config{}, err
		}
		sc.Schema = v
	}
	return sc, nil
}
