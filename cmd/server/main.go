// Server exposes the persisted secnews triage state over a read-only HTTP
// API for manual watchlist review.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/metrics"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/secnews/internal/bootstrap"
	sc "github.com/linnemanlabs/secnews/internal/cfg"
	"github.com/linnemanlabs/secnews/internal/postgres"
	"github.com/linnemanlabs/secnews/internal/reviewapi"
	"github.com/linnemanlabs/secnews/internal/triage/filestore"
	"github.com/linnemanlabs/secnews/internal/triage/pgstore"
)

const appName = "secnews"
const component = "server"

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
		appCfg    sc.ServerConfig
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		opsCfg    opshttp.Config
		bf        bootstrap.Flags
	)
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	bf.Register(flag.CommandLine)

	// cmdline flags win over env vars
	flag.Parse()
	if bf.ShowVersion {
		fmt.Println(bootstrap.VersionLine())
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "SECNEWS_SERVER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		opsCfg.Validate(),
		bf.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	ctx, rt, err := bootstrap.Start(ctx, &bf,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"store", appCfg.Store,
		"enable_pprof", opsCfg.EnablePprof,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)
	if err != nil {
		return err
	}
	defer rt.Close()
	L := rt.Logger
	vi := v.Get()

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(rt.ProfilingActive)

	// Per-query DB duration histogram, labelled by the chi route that issued it.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secnews_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, route, outcome).Observe(dur.Seconds())
		},
	))

	var store reviewapi.StateLoader
	switch appCfg.Store {
	case sc.StorePostgres:
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{SlowQuery: 100 * time.Millisecond})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool, L)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	default:
		fs, err := filestore.NewReadOnly(appCfg.StatePath, L)
		if err != nil {
			return fmt.Errorf("filestore init: %w", err)
		}
		store = fs
		L.Info(ctx, "using file store", "path", fs.Path())
	}

	// fail readiness during shutdown so the load balancer drains us first
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	// read-only API, no request bodies expected
	r.Use(httpmw.MaxBody(1024 * 16))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	mountReviewAPI(r, L, store, appCfg.APIToken)

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start review api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop review api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	stopComponents(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []shutdownStep{
		{"review api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", rt.ShutdownTracing},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
