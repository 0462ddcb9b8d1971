package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/db"
	"github.com/sells-group/metrics-cli/internal/lock"
	"github.com/sells-group/metrics-cli/internal/resilience"
	"github.com/sells-group/metrics-cli/pkg/notion"
	sfpkg "github.com/sells-group/metrics-cli/pkg/salesforce"
)

// auditStore is a durable audit trail that can also be listed.
type auditStore interface {
	audit.Sink
	audit.Reader
}

// storePoolConns bounds the shared Postgres pool used by the audit log and report mirror.
const storePoolConns = 4

// initPool connects to store.database_url and applies pending migrations.
func initPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, storePoolConns)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return pool, nil
}

// initStore opens the configured audit store. The returned closer is never nil.
func initStore(ctx context.Context, pool *pgxpool.Pool) (auditStore, func(), error) {
	switch cfg.Store.Driver {
	case "none":
		return nil, func() {}, nil
	case "sqlite":
		st, err := audit.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, eris.Wrap(err, "migrate store")
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		if pool == nil {
			return nil, nil, eris.New("postgres store requires store.database_url")
		}
		return audit.NewPostgresLog(pool), func() {}, nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLock builds the configured run lock. Advisory locks are session scoped, so the
// postgres driver gets its own single-connection pool.
func initLock(ctx context.Context) (lock.Lock, func(), error) {
	poll := time.Duration(cfg.Lock.PollMillis) * time.Millisecond
	switch cfg.Lock.Driver {
	case "local":
		return lock.NewLocal(cfg.Lock.Name), func() {}, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, 1)
		if err != nil {
			return nil, nil, eris.Wrap(err, "lock pool")
		}
		return lock.NewAdvisory(pool, cfg.Lock.Name, poll), pool.Close, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "parse lock.redis_url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrap(err, "ping redis")
		}
		ttl := time.Duration(cfg.Lock.TTLSecs) * time.Second
		return lock.NewRedis(client, cfg.Lock.Name, ttl, poll), func() { _ = client.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}

// initSalesforce authenticates the CRM client. It returns nil when no Salesforce
// imports are configured.
func initSalesforce() (sfpkg.Client, error) {
	if len(cfg.Ingest.Salesforce) == 0 {
		return nil, nil
	}
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (METRICS_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	return sfpkg.Dial(sfpkg.Creds{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPEM:   string(pemData),
	}, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit))
}

// initAuditSink fans entries out to the process log, the durable store and, when
// configured, the Notion run log.
func initAuditSink(st auditStore) audit.Sink {
	sinks := audit.Multi{audit.LogSink{}}
	if st != nil {
		sinks = append(sinks, st)
	}
	if cfg.Notion.RunLogDB != "" {
		client := notion.NewClient(cfg.Notion.Token)
		ns := audit.NewNotionSink(client, cfg.Notion.RunLogDB, cfg.Notion.Steps...).
			WithRetry(resilience.NewPolicy(cfg.Retry.Attempts, cfg.Retry.BackoffMillis))
		sinks = append(sinks, ns)
	}
	return sinks
}
