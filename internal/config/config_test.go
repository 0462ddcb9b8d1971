package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "metrics.db", cfg.Store.SQLitePath)
	assert.False(t, cfg.Store.Mirror)
	assert.Equal(t, "metrics.xlsx", cfg.Workbook.Path)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, "metrics-pipeline", cfg.Lock.Name)
	assert.Equal(t, 300, cfg.Lock.TimeoutSecs)
	assert.Equal(t, 500, cfg.Lock.PollMillis)
	assert.Equal(t, 30, cfg.Pipeline.ConversionWindowDays)
	assert.Equal(t, []string{"active", "past_due", "canceled", "unpaid"}, cfg.Pipeline.PaidStatuses)
	assert.Equal(t, "orgs", cfg.Pipeline.Sources.Orgs)
	assert.Equal(t, "subscriptions", cfg.Pipeline.Sources.Subscriptions)
	require.Len(t, cfg.Pipeline.TypeAudits, 1)
	assert.Equal(t, "subscriptions", cfg.Pipeline.TypeAudits[0].Name)
	assert.Equal(t, "amount", cfg.Pipeline.TypeAudits[0].NumericField)
	assert.Equal(t, "plan", cfg.Pipeline.TypeAudits[0].DetailField)
	assert.Equal(t, []string{"orgs", "memberships", "users", "subscriptions"}, cfg.Ingest.CSVTables)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.InDelta(t, 5.0, cfg.Salesforce.RateLimit, 0.001)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500, cfg.Retry.BackoffMillis)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/metrics
log:
  level: debug
  format: console
lock:
  driver: redis
  redis_url: redis://localhost:6379/0
pipeline:
  steps: ["ingest_csv:orgs", conversion]
  self_logging: [conversion]
  conversion_window_days: 14
  type_audits:
    - name: events
      table: events
      cohort_field: occurred_at
      grain: day
      numeric_field: value
ingest:
  salesforce:
    - object: Opportunity
      table: crm_opportunities
      fields: [Id, Amount]
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, []string{"ingest_csv:orgs", "conversion"}, cfg.Pipeline.Steps)
	assert.Equal(t, []string{"conversion"}, cfg.Pipeline.SelfLogging)
	assert.Equal(t, 14, cfg.Pipeline.ConversionWindowDays)
	require.Len(t, cfg.Pipeline.TypeAudits, 1)
	assert.Equal(t, "events", cfg.Pipeline.TypeAudits[0].Name)
	assert.Equal(t, "day", cfg.Pipeline.TypeAudits[0].Grain)
	require.Len(t, cfg.Ingest.Salesforce, 1)
	assert.Equal(t, "Opportunity", cfg.Ingest.Salesforce[0].Object)
	assert.Equal(t, []string{"Id", "Amount"}, cfg.Ingest.Salesforce[0].Fields)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 300, cfg.Lock.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("METRICS_STORE_DRIVER", "none")
	t.Setenv("METRICS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("METRICS_SERVER_PORT", "3000")
	t.Setenv("METRICS_LOCK_TIMEOUT_SECS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Lock.TimeoutSecs)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unterminated"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workbook:\n  path: /data/nightly.xlsx\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/nightly.xlsx", cfg.Workbook.Path)
	assert.Equal(t, "local", cfg.Lock.Driver, "defaults still apply")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "metrics.db"
	cfg.Workbook.Path = "metrics.xlsx"
	cfg.Lock.Driver = "local"
	cfg.Lock.TimeoutSecs = 300
	cfg.Pipeline.ConversionWindowDays = 30
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Workbook.Path = ""
	cfg.Lock.Driver = "redis"
	cfg.Lock.TimeoutSecs = 0
	cfg.Ingest.Salesforce = []SalesforceObject{{Object: "Account", Table: "crm_accounts"}}
	cfg.Notion.RunLogDB = "db-id"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workbook.path is required")
	assert.Contains(t, err.Error(), "lock.redis_url is required")
	assert.Contains(t, err.Error(), "lock.timeout_secs must be > 0")
	assert.Contains(t, err.Error(), "salesforce.client_id is required")
	assert.Contains(t, err.Error(), "notion.token is required")
}

func TestValidatePostgresLockNeedsDB(t *testing.T) {
	cfg := validDefaults()
	cfg.Lock.Driver = "postgres"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.driver postgres requires store.database_url")

	cfg.Store.DatabaseURL = "postgres://localhost/metrics"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")

	cfg.Store.Driver = "none"
	cfg.Store.Mirror = true
	err = cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.mirror requires store.database_url")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateMigrate(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/metrics"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
