// Secnews reads security news feeds, judges each new entry against the
// triage criteria with an LLM, and dispatches the interesting ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/secnews/internal/bootstrap"
	sc "github.com/linnemanlabs/secnews/internal/cfg"
	"github.com/linnemanlabs/secnews/internal/feed"
	"github.com/linnemanlabs/secnews/internal/postgres"
	"github.com/linnemanlabs/secnews/internal/triage"
)

const appName = "secnews"
const component = "pipeline"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap.SetIdentity(appName, component)

	var (
		appCfg sc.Config
		bf     bootstrap.Flags
	)
	appCfg.RegisterFlags(flag.CommandLine)
	bf.Register(flag.CommandLine)

	flag.Parse()
	if bf.ShowVersion {
		fmt.Println(bootstrap.VersionLine())
		return nil
	}

	// env vars with prefix SECNEWS_ fill anything not set on the cmdline
	cfg.FillFromEnv(flag.CommandLine, "SECNEWS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(appCfg.Validate(), bf.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, rt, err := bootstrap.Start(ctx, &bf,
		"provider", appCfg.Provider,
		"store", appCfg.Store,
		"workers", appCfg.Workers,
		"max_entries", appCfg.MaxEntries,
		"dry_run", appCfg.DryRun,
	)
	if err != nil {
		return err
	}
	defer rt.Close()
	L := rt.Logger

	feeds, err := loadFeeds(&appCfg)
	if err != nil {
		return err
	}
	criteria, err := triage.LoadCriteria(appCfg.CriteriaFile)
	if err != nil {
		return err
	}
	L.Info(ctx, "configuration loaded", "feeds", len(feeds), "criteria_hash", criteria.ShortHash())

	reg := prometheus.NewRegistry()
	tm := triage.NewMetrics(reg)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secnews_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	reg.MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, route, outcome).Observe(dur.Seconds())
		},
	))
	defer postgres.SetQueryObserver(nil)

	store, closeStore, err := buildStore(ctx, appCfg.Store, appCfg.StatePath, appCfg.DatabaseURL, L)
	if err != nil {
		return err
	}
	defer closeStore()
	L.Info(ctx, "using store", "kind", appCfg.Store)

	provider, model, err := buildProvider(&appCfg)
	if err != nil {
		return err
	}
	L.Info(ctx, "initialized LLM provider", "provider", appCfg.Provider, "model", model)

	dispatcher, targets, err := buildDispatcher(&appCfg, L)
	if err != nil {
		return err
	}
	L.Info(ctx, "dispatch targets", "targets", targets)

	engine := triage.NewEngine(provider, L, tm.EngineHooks())
	source := feed.NewRSSSource(feeds, appCfg.MaxEntries, L)
	svc := triage.NewService(source, engine, store, dispatcher, L, serviceOptions(&appCfg, tm.ServiceHooks()))

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(appCfg.RunTimeoutSeconds)*time.Second)
	defer cancel()
	runCtx, dbStats := postgres.WithQueryStats(runCtx)

	_, runErr := svc.Run(runCtx, criteria)

	if n, total, failed := dbStats.Snapshot(); n > 0 {
		L.Info(ctx, "db usage", "queries", n, "query_seconds", total.Seconds(), "query_errors", failed)
	}

	if appCfg.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(appCfg.MetricsTextfile, reg); err != nil {
			L.Error(ctx, err, "metrics textfile write failed", "path", appCfg.MetricsTextfile)
		}
	}

	return runErr
}
