package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration) {
	f(ctx, operation, route, outcome, dur)
}

// SetQueryObserver sets the process wide query observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// QueryStats accumulates query counts for one unit of work (a pipeline run
// or an HTTP request).
type QueryStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// Add records a single query execution.
func (s *QueryStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns count, total duration and errors under the lock.
func (s *QueryStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

type statsKey struct{}

// WithQueryStats returns ctx carrying a fresh QueryStats.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// QueryStatsFromContext returns the QueryStats attached to ctx, if any.
func QueryStatsFromContext(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*QueryStats)
	return s, ok
}

type queryKey struct{}

// queryInfo is stashed between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line, stats and an observer callback per query.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

// newQueryTracer wraps inner. Successful queries faster than slow are not
// logged; slow == 0 logs every query.
func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{
		sql:    data.SQL,
		nargs:  len(data.Args),
		start:  time.Now(),
		caller: findDBCaller(),
	}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if info.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", info.caller))
		}
	}

	return context.WithValue(ctx, queryKey{}, info)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(queryKey{}).(*queryInfo)
	if info == nil {
		return
	}
	dur := time.Since(info.start)

	if s, ok := QueryStatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	op := operationName(data.CommandTag.String(), info.sql)

	if obs := getQueryObserver(); obs != nil {
		route := routePattern(ctx)
		if route == "" {
			route = "pipeline"
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, op, route, outcome, dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", info.sql,
		"db.args", info.nargs,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if rows := data.CommandTag.RowsAffected(); data.Err == nil && rows >= 0 {
		fields = append(fields, "db.rows", rows)
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationName prefers the command tag ("INSERT 0 3") and falls back to the
// first SQL keyword.
func operationName(tag, sql string) string {
	if parts := strings.Fields(tag); len(parts) > 0 {
		return strings.ToUpper(parts[0])
	}
	if parts := strings.Fields(sql); len(parts) > 0 {
		return strings.ToUpper(parts[0])
	}
	return "UNKNOWN"
}

func routePattern(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// findDBCaller walks the stack to the first application frame that issued
// the query.
func findDBCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" &&
			!strings.HasPrefix(fn, "runtime.") &&
			!strings.Contains(fn, "github.com/jackc/pgx/v5") &&
			!strings.Contains(fn, "github.com/exaring/otelpgx") &&
			!strings.Contains(fn, "internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
