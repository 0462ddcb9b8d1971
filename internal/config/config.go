// Package config loads metrics-cli settings from config.yaml and METRICS_ environment
// variables and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/metrics-cli/internal/report"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Workbook   WorkbookConfig   `yaml:"workbook" mapstructure:"workbook"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig selects where audit entries are persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres or none
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Mirror      bool   `yaml:"mirror" mapstructure:"mirror"` // copy report rows to metrics.report_rows
}

// WorkbookConfig points at the raw-table workbook and the report workbook.
// An empty Output writes reports into the input workbook.
type WorkbookConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Output string `yaml:"output" mapstructure:"output"`
}

// LockConfig configures the run lock.
type LockConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // local, postgres or redis
	Name        string `yaml:"name" mapstructure:"name"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollMillis  int    `yaml:"poll_millis" mapstructure:"poll_millis"`
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs     int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// PipelineConfig configures which steps run and how the reports are parameterised.
type PipelineConfig struct {
	Steps                []string               `yaml:"steps" mapstructure:"steps"`
	SelfLogging          []string               `yaml:"self_logging" mapstructure:"self_logging"`
	ConversionWindowDays int                    `yaml:"conversion_window_days" mapstructure:"conversion_window_days"`
	PaidStatuses         []string               `yaml:"paid_statuses" mapstructure:"paid_statuses"`
	Sources              report.Sources         `yaml:"sources" mapstructure:"sources"`
	TypeAudits           []report.TypeAuditSpec `yaml:"type_audits" mapstructure:"type_audits"`
}

// IngestConfig lists the upstream imports that run before the reports.
type IngestConfig struct {
	CSVDir       string             `yaml:"csv_dir" mapstructure:"csv_dir"`
	CSVTables    []string           `yaml:"csv_tables" mapstructure:"csv_tables"`
	CSVDelimiter string             `yaml:"csv_delimiter" mapstructure:"csv_delimiter"`
	Salesforce   []SalesforceObject `yaml:"salesforce" mapstructure:"salesforce"`
}

// SalesforceObject maps one CRM object to a workbook table.
type SalesforceObject struct {
	Object string   `yaml:"object" mapstructure:"object"`
	Table  string   `yaml:"table" mapstructure:"table"`
	Fields []string `yaml:"fields" mapstructure:"fields"`
	Where  string   `yaml:"where" mapstructure:"where"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// NotionConfig holds the Notion token and the run-log database that mirrors audit entries.
type NotionConfig struct {
	Token    string   `yaml:"token" mapstructure:"token"`
	RunLogDB string   `yaml:"run_log_db" mapstructure:"run_log_db"`
	Steps    []string `yaml:"steps" mapstructure:"steps"` // empty mirrors every entry
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// RetryConfig controls retries of CRM and Notion calls.
type RetryConfig struct {
	Attempts      int `yaml:"attempts" mapstructure:"attempts"`
	BackoffMillis int `yaml:"backoff_millis" mapstructure:"backoff_millis"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and the environment. An empty path falls back
// to an optional ./config.yaml; an explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("METRICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "metrics.db")
	v.SetDefault("store.mirror", false)
	v.SetDefault("workbook.path", "metrics.xlsx")
	v.SetDefault("workbook.output", "")
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.name", "metrics-pipeline")
	v.SetDefault("lock.timeout_secs", 300)
	v.SetDefault("lock.poll_millis", 500)
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl_secs", 3600)
	v.SetDefault("pipeline.steps", []string{})
	v.SetDefault("pipeline.self_logging", []string{})
	v.SetDefault("pipeline.conversion_window_days", 30)
	v.SetDefault("pipeline.paid_statuses", report.DefaultPaidStatuses)
	v.SetDefault("pipeline.sources.orgs", "orgs")
	v.SetDefault("pipeline.sources.memberships", "memberships")
	v.SetDefault("pipeline.sources.users", "users")
	v.SetDefault("pipeline.sources.subscriptions", "subscriptions")
	v.SetDefault("pipeline.type_audits", []map[string]any{{
		"name":            "subscriptions",
		"table":           "subscriptions",
		"cohort_field":    "created",
		"grain":           "month",
		"numeric_field":   "amount",
		"secondary_field": "status",
		"detail_field":    "plan",
	}})
	v.SetDefault("ingest.csv_dir", "")
	v.SetDefault("ingest.csv_tables", []string{"orgs", "memberships", "users", "subscriptions"})
	v.SetDefault("ingest.csv_delimiter", ",")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 5.0)
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.run_log_db", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff_millis", 500)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. All problems are reported
// together.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch mode {
	case "run", "serve":
		c.validatePipeline(add)
		if mode == "serve" && c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "runs":
		c.validateStore(add)
	case "migrate":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore(add func(string)) {
	switch c.Store.Driver {
	case "none":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be one of sqlite, postgres, none")
	}
	if c.Store.Mirror && c.Store.DatabaseURL == "" {
		add("store.mirror requires store.database_url")
	}
}

func (c *Config) validatePipeline(add func(string)) {
	c.validateStore(add)

	if c.Workbook.Path == "" {
		add("workbook.path is required")
	}

	switch c.Lock.Driver {
	case "local":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("lock.driver postgres requires store.database_url")
		}
	case "redis":
		if c.Lock.RedisURL == "" {
			add("lock.redis_url is required")
		}
	default:
		add("lock.driver must be one of local, postgres, redis")
	}
	if c.Lock.TimeoutSecs <= 0 {
		add("lock.timeout_secs must be > 0")
	}
	if c.Pipeline.ConversionWindowDays < 0 {
		add("pipeline.conversion_window_days must be >= 0")
	}
	if len(c.Ingest.Salesforce) > 0 && c.Salesforce.ClientID == "" {
		add("salesforce.client_id is required")
	}
	if c.Notion.RunLogDB != "" && c.Notion.Token == "" {
		add("notion.token is required")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
