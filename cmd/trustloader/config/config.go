// Package config turns viper settings into the collaborators of a run.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"golang-trust-loader/internal/filesource"
	"golang-trust-loader/internal/jobhistory"
	"golang-trust-loader/internal/ledger"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/matcher"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/orchestrator"
	"golang-trust-loader/internal/pipeline"
	"golang-trust-loader/internal/reporter"
	"golang-trust-loader/internal/sources"
	"golang-trust-loader/internal/store"
	"golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// Object storage backends
const (
	BackendNone = "none"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// Job history backends
const (
	HistorySQL      = "sql"
	HistoryDynamoDB = "dynamodb"
)

// Config is the full application configuration
type Config struct {
	Store store.Config `mapstructure:"store"`
	// Upstream is the store the query loaders read from. An empty DSN reads
	// from Store.
	Upstream store.Config   `mapstructure:"upstream"`
	Input    InputConfig    `mapstructure:"input"`
	History  HistoryConfig  `mapstructure:"history"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Load     LoadConfig     `mapstructure:"load"`
	Matcher  matcher.Config `mapstructure:"matcher"`
	Log      logger.Config  `mapstructure:"log"`
}

// InputConfig says where input files come from
type InputConfig struct {
	Dir     string `mapstructure:"dir"`
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
}

// HistoryConfig selects the job-history store
type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
	Region  string `mapstructure:"region"`
}

// LedgerConfig names the processed-file ledger table
type LedgerConfig struct {
	Table string `mapstructure:"table"`
}

// LoadConfig holds load settings
type LoadConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`
	// Priority orders the loaders; allow-listed loaders missing from it are
	// skipped. Empty runs every loader in default order.
	Priority []string `mapstructure:"priority"`
	// EnsureSchema creates the working tables on start. Meant for local
	// sqlite stores.
	EnsureSchema bool `mapstructure:"ensure_schema"`
	// AwaitFiles holds scheduled full runs until the input files arrived,
	// checking every PollInterval at most PollAttempts times (0: no limit).
	AwaitFiles   bool          `mapstructure:"await_files"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

// SetDefaults registers the default of every setting on v
func SetDefaults(v *viper.Viper) {
	def := store.DefaultConfig()
	v.SetDefault("store.driver", string(def.Driver))
	v.SetDefault("store.dsn", def.DSN)
	v.SetDefault("store.connect_retries", def.ConnectRetries)
	v.SetDefault("store.retry_interval", def.RetryInterval.String())
	v.SetDefault("store.max_open_conns", def.MaxOpenConns)

	v.SetDefault("upstream.driver", string(def.Driver))
	v.SetDefault("upstream.dsn", "")
	v.SetDefault("upstream.connect_retries", def.ConnectRetries)
	v.SetDefault("upstream.retry_interval", def.RetryInterval.String())
	v.SetDefault("upstream.max_open_conns", def.MaxOpenConns)

	v.SetDefault("input.dir", "data")
	v.SetDefault("input.backend", BackendNone)
	v.SetDefault("input.bucket", "")
	v.SetDefault("input.region", "")

	v.SetDefault("history.backend", HistorySQL)
	v.SetDefault("history.table", jobhistory.DefaultTable)
	v.SetDefault("history.region", "")

	v.SetDefault("ledger.table", ledger.DefaultTable)

	v.SetDefault("load.batch_size", pipeline.DefaultChunkSize)
	v.SetDefault("load.workers", 1)
	v.SetDefault("load.priority", []string{})
	v.SetDefault("load.ensure_schema", true)
	v.SetDefault("load.await_files", true)
	v.SetDefault("load.poll_interval", "60s")
	v.SetDefault("load.poll_attempts", 0)

	v.SetDefault("matcher.stats_table", matcher.DefaultStatsTable)

	logDef := logger.DefaultConfig()
	v.SetDefault("log.level", string(logDef.Level))
	v.SetDefault("log.format", string(logDef.Format))
	v.SetDefault("log.output", string(logDef.Output))
	v.SetDefault("log.file", "")
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", nil, err).
			WithSuggestion("Check the configuration file syntax and value types")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section. Errors are configuration errors so the CLI
// exits before any store is touched.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "store", c.Store.Driver, err)
	}
	if c.Upstream.DSN != "" {
		if err := c.Upstream.Validate(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "upstream", c.Upstream.Driver, err)
		}
	}

	switch c.Input.Backend {
	case BackendNone, "":
		if strings.TrimSpace(c.Input.Dir) == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "input.dir", "", nil).
				WithSuggestion("Set input.dir to the folder holding the source files")
		}
	case BackendS3, BackendGCS:
		if c.Input.Bucket == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "input.bucket", "", nil).
				WithSuggestion(fmt.Sprintf("Set input.bucket when input.backend is %s", c.Input.Backend))
		}
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "input.backend", c.Input.Backend, nil).
			WithSuggestion("Use one of: none, s3, gcs")
	}

	switch c.History.Backend {
	case HistorySQL, HistoryDynamoDB:
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "history.backend", c.History.Backend, nil).
			WithSuggestion("Use one of: sql, dynamodb")
	}

	for key, table := range map[string]string{
		"history.table":       c.History.Table,
		"ledger.table":        c.Ledger.Table,
		"matcher.stats_table": c.Matcher.StatsTable,
	} {
		if !models.ValidIdentifier(table) {
			return errors.ConfigurationError(errors.CodeInvalidConfig, key, table, nil).
				WithSuggestion("Table names may only contain letters, digits and underscores")
		}
	}

	if c.Load.BatchSize < 1 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "load.batch_size", c.Load.BatchSize, nil)
	}
	if c.Load.Workers < 1 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "load.workers", c.Load.Workers, nil).
			WithSuggestion("Use 1 for sequential loading or more for a worker pool")
	}
	if c.Load.AwaitFiles && c.Load.PollInterval <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "load.poll_interval", c.Load.PollInterval, nil).
			WithSuggestion("Use a positive duration such as 60s")
	}
	if c.Load.PollAttempts < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "load.poll_attempts", c.Load.PollAttempts, nil).
			WithSuggestion("Use 0 to wait until the files arrive")
	}
	for _, name := range c.Load.Priority {
		if _, err := sources.Sanitize(name); err != nil {
			return err
		}
	}

	if err := c.Log.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", c.Log.Level, err)
	}
	return nil
}

// AwaitFiles returns the file wait of a run, or nil when the run must not
// wait. Only full runs wait; a single requested loader starts right away.
func (c *Config) AwaitFiles(single string) *orchestrator.AwaitFiles {
	if !c.Load.AwaitFiles || single != "" {
		return nil
	}
	return &orchestrator.AwaitFiles{PollInterval: c.Load.PollInterval, MaxAttempts: c.Load.PollAttempts}
}

// NewLogger builds the logger described by the log section
func (c *Config) NewLogger() (logger.Logger, error) {
	log, err := logger.NewLogger(&c.Log)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", c.Log.Output, err)
	}
	return log, nil
}

// NewRunContext connects every collaborator of a run. Whatever was opened is
// registered on the returned context, so Close releases it; on error the
// partially built context is closed before returning.
func NewRunContext(ctx context.Context, c *Config, log logger.Logger) (rc *orchestrator.RunContext, err error) {
	env := &loader.Env{
		InputDir:  c.Input.Dir,
		ChunkSize: c.Load.BatchSize,
		Exec:      loader.NewStrategy(c.Load.Workers),
	}
	rc = orchestrator.NewRunContext(env, nil, log)
	defer func() {
		if err != nil {
			_ = rc.Close()
			rc = nil
		}
	}()

	db, err := store.Open(ctx, c.Store, rc.Logger)
	if err != nil {
		return rc, err
	}
	rc.OnClose(db.Close)
	env.DB = db

	if c.Load.EnsureSchema {
		schema := append(sources.Schema(), ledger.Schema(c.Ledger.Table))
		if c.History.Backend == HistorySQL {
			schema = append(schema, jobhistory.Schema(c.History.Table))
		}
		err := logger.TimedOperation("ensure schema", rc.Logger, func() error {
			return db.EnsureSchema(ctx, schema...)
		})
		if err != nil {
			return rc, errors.StoreError(errors.CodeConnectionFailed, "ensure schema", err)
		}
	}

	if c.Upstream.DSN != "" {
		upstream, err := store.Open(ctx, c.Upstream, rc.Logger)
		if err != nil {
			return rc, err
		}
		rc.OnClose(upstream.Close)
		env.Upstream = upstream
	}

	if env.Ledger, err = ledger.New(db, c.Ledger.Table, rc.Logger); err != nil {
		return rc, errors.ConfigurationError(errors.CodeInvalidConfig, "ledger.table", c.Ledger.Table, err)
	}

	if env.Objects, err = c.openObjects(ctx, rc); err != nil {
		return rc, err
	}
	if rc.History, err = c.openHistory(ctx, db); err != nil {
		return rc, err
	}
	return rc, nil
}

func (c *Config) openObjects(ctx context.Context, rc *orchestrator.RunContext) (filesource.ObjectStore, error) {
	switch c.Input.Backend {
	case BackendS3:
		s, err := filesource.NewS3StoreFromConfig(ctx, c.Input.Region, c.Input.Bucket)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "input.backend", BackendS3, err)
		}
		return s, nil
	case BackendGCS:
		g, err := filesource.NewGCSStore(ctx, c.Input.Bucket)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "input.backend", BackendGCS, err)
		}
		rc.OnClose(g.Close)
		return g, nil
	default:
		return nil, nil
	}
}

func (c *Config) openHistory(ctx context.Context, db *store.DB) (jobhistory.History, error) {
	if c.History.Backend == HistoryDynamoDB {
		h, err := jobhistory.NewDynamoHistoryFromConfig(ctx, c.History.Region, c.History.Table)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "history.backend", HistoryDynamoDB, err)
		}
		return h, nil
	}
	h, err := jobhistory.NewSQLHistory(db, c.History.Table)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "history.table", c.History.Table, err)
	}
	return h, nil
}

// OpenHistory opens the job-history store alone, for commands that manage
// history without running loaders. The returned closer releases the store.
func OpenHistory(ctx context.Context, c *Config, log logger.Logger) (jobhistory.History, func() error, error) {
	noop := func() error { return nil }
	if c.History.Backend == HistoryDynamoDB {
		h, err := c.openHistory(ctx, nil)
		return h, noop, err
	}

	db, err := store.Open(ctx, c.Store, log)
	if err != nil {
		return nil, noop, err
	}
	if c.Load.EnsureSchema {
		if err := db.EnsureSchema(ctx, jobhistory.Schema(c.History.Table)); err != nil {
			_ = db.Close()
			return nil, noop, errors.StoreError(errors.CodeConnectionFailed, "ensure schema", err)
		}
	}
	h, err := c.openHistory(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, noop, err
	}
	return h, db.Close, nil
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string) *reporter.ReportConfig {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(format)

	switch config.Format {
	case reporter.FormatJSON:
		config.IncludeFiles = true
	case reporter.FormatCSV:
		config.IncludeRules = false
		config.IncludeStats = false
	}
	return config
}
