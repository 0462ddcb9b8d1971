package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/config"
	"github.com/sells-group/metrics-cli/internal/ingest"
	"github.com/sells-group/metrics-cli/internal/lock"
	"github.com/sells-group/metrics-cli/internal/metrics"
	"github.com/sells-group/metrics-cli/internal/pipeline"
	"github.com/sells-group/metrics-cli/internal/report"
	"github.com/sells-group/metrics-cli/internal/resilience"
	"github.com/sells-group/metrics-cli/internal/sheet"
	"github.com/sells-group/metrics-cli/internal/table"
	sfpkg "github.com/sells-group/metrics-cli/pkg/salesforce"
)

// metricsEnv holds the long-lived dependencies shared by the run, report and serve
// commands. Workbooks are opened per run so every run sees the current files.
type metricsEnv struct {
	Pool       *pgxpool.Pool // nil unless store.database_url is set
	Store      auditStore    // nil when store.driver is none
	Sink       audit.Sink
	Lock       lock.Lock
	Salesforce sfpkg.Client // nil unless Salesforce imports are configured
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *metricsEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initEnv validates the config for mode and connects every configured backend. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*metricsEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &metricsEnv{}
	fail := func(err error) (*metricsEnv, error) {
		env.Close()
		return nil, err
	}

	if cfg.Store.DatabaseURL != "" {
		pool, err := initPool(ctx)
		if err != nil {
			return fail(err)
		}
		env.Pool = pool
		env.closers = append(env.closers, pool.Close)
	}

	st, closeStore, err := initStore(ctx, env.Pool)
	if err != nil {
		return fail(err)
	}
	env.Store = st
	env.closers = append(env.closers, closeStore)
	env.Sink = initAuditSink(st)

	l, closeLock, err := initLock(ctx)
	if err != nil {
		return fail(err)
	}
	env.Lock = l
	env.closers = append(env.closers, closeLock)

	sf, err := initSalesforce()
	if err != nil {
		return fail(err)
	}
	env.Salesforce = sf

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = metrics.New(reg)
	env.Gatherer = reg

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Bool("mirror", cfg.Store.Mirror),
	)
	return env, nil
}

// registry opens the workbooks and builds every step. The workbooks are read on first
// access, which happens inside the locked run.
func (e *metricsEnv) registry() (*pipeline.Registry, error) {
	in, err := sheet.OpenWorkbook(cfg.Workbook.Path)
	if err != nil {
		return nil, err
	}
	var out table.Sink = in
	if cfg.Workbook.Output != "" && cfg.Workbook.Output != cfg.Workbook.Path {
		if out, err = sheet.OpenWorkbook(cfg.Workbook.Output); err != nil {
			return nil, err
		}
	}

	deps := stepDeps{Input: in, Output: out, Salesforce: e.Salesforce}
	if cfg.Store.Mirror && e.Pool != nil {
		deps.Mirror = report.PGMirror{Pool: e.Pool}
	}
	return buildRegistry(cfg, deps)
}

// runner builds a Runner over the named steps (all steps when names is empty).
func (e *metricsEnv) runner(names []string) (*pipeline.Runner, error) {
	reg, err := e.registry()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = cfg.Pipeline.Steps
	}
	steps, err := reg.Select(names)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(steps,
		pipeline.WithLock(e.Lock),
		pipeline.WithTimeout(lockTimeout()),
		pipeline.WithAudit(e.Sink),
		pipeline.WithSelfLogging(cfg.Pipeline.SelfLogging...),
		pipeline.WithRecorder(e.Metrics),
	), nil
}

// standalone wraps single-step invocations with the run lock.
func (e *metricsEnv) standalone() pipeline.Standalone {
	return pipeline.Standalone{
		Lock:     e.Lock,
		Timeout:  lockTimeout(),
		Sink:     e.Sink,
		Recorder: e.Metrics,
	}
}

func lockTimeout() time.Duration {
	return time.Duration(cfg.Lock.TimeoutSecs) * time.Second
}

// book is a workbook that raw tables are read from and imported into.
type book interface {
	table.Source
	table.Sink
}

// stepDeps are the collaborators the steps are built over.
type stepDeps struct {
	Input      book
	Output     table.Sink
	Mirror     report.Mirror // optional
	Salesforce sfpkg.Client  // required when Salesforce imports are configured
}

// buildRegistry registers ingest steps first, then the reports, so an unfiltered run
// imports before it aggregates.
func buildRegistry(c *config.Config, d stepDeps) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()

	if c.Ingest.CSVDir != "" {
		opts := ingest.CSVOptions{TrimSpace: true}
		if r := []rune(c.Ingest.CSVDelimiter); len(r) > 0 {
			opts.Delimiter = r[0]
		}
		for _, t := range c.Ingest.CSVTables {
			reg.Register(ingest.CSVImport{Dir: c.Ingest.CSVDir, Table: t, Options: opts, Sink: d.Input}.Step())
		}
	}

	if len(c.Ingest.Salesforce) > 0 && d.Salesforce == nil {
		return nil, eris.New("salesforce imports configured without a salesforce client")
	}
	retry := resilience.NewPolicy(c.Retry.Attempts, c.Retry.BackoffMillis)
	for _, o := range c.Ingest.Salesforce {
		reg.Register(ingest.SalesforceImport{
			Client: d.Salesforce,
			Object: o.Object,
			Table:  o.Table,
			Fields: o.Fields,
			Where:  o.Where,
			Sink:   d.Input,
			Retry:  retry,
		}.Step())
	}

	pub := report.Publisher{Renderer: report.SheetRenderer{Sink: d.Output}, Mirror: d.Mirror}
	jobs := []report.Job{
		&report.Conversion{
			Sources:      c.Pipeline.Sources,
			WindowDays:   c.Pipeline.ConversionWindowDays,
			PaidStatuses: c.Pipeline.PaidStatuses,
		},
		&report.MultiSubscription{Sources: c.Pipeline.Sources},
	}
	for _, spec := range c.Pipeline.TypeAudits {
		ta, err := report.NewTypeAudit(spec)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, ta)
	}
	for _, j := range jobs {
		reg.Register(report.Step(j, d.Input, pub))
	}

	return reg, nil
}
