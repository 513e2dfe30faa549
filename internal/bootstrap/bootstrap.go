// Package bootstrap holds the process setup shared by the secnews binaries:
// go-core logging, pyroscope profiling and OpenTelemetry tracing.
package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/otel"
)

// Flags groups the go-core option structs every binary registers.
type Flags struct {
	Log         log.Config
	Prof        prof.Config
	Trace       otelx.Config
	ShowVersion bool
}

// Register binds all option structs plus -V to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	f.Log.RegisterFlags(fs)
	f.Prof.RegisterFlags(fs)
	f.Trace.RegisterFlags(fs)
	fs.BoolVar(&f.ShowVersion, "V", false, "Print version+build information and exit")
}

// Validate joins the validation errors of every option struct.
func (f *Flags) Validate() error {
	return errors.Join(
		f.Log.Validate(),
		f.Prof.Validate(),
		f.Trace.Validate(),
	)
}

// SetIdentity records the app and component names used by version info,
// logs, profiles and spans.
func SetIdentity(appName, component string) {
	v.AppName = appName
	v.Component = component
}

// VersionLine renders the build information printed by -V.
func VersionLine() string {
	vi := v.Get()
	return fmt.Sprintf(
		"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)",
		vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
		vi.VCSDirty != nil && *vi.VCSDirty,
	)
}

// Runtime owns the started observability components.
type Runtime struct {
	Logger          log.Logger
	ProfilingActive bool

	sync          func() error
	stopProf      func()
	shutdownTrace func(context.Context) error
}

// Start builds the logger, starts profiling and tracing, and returns ctx
// carrying the component logger. Profiling and tracing failures are logged
// and do not fail startup.
func Start(ctx context.Context, f *Flags, kv ...any) (context.Context, *Runtime, error) {
	vi := v.Get()

	lg, err := log.New(f.Log.ToOptions(v.AppName))
	if err != nil {
		return ctx, nil, fmt.Errorf("logger init: %w", err)
	}
	rt := &Runtime{sync: lg.Sync}
	rt.Logger = lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, rt.Logger)

	fields := append([]any{
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"enable_pyroscope", f.Prof.EnablePyroscope,
		"enable_tracing", f.Trace.EnableTracing,
		"trace_sample", f.Trace.TraceSample,
		"otlp_endpoint", f.Trace.OTLPEndpoint,
	}, kv...)
	rt.Logger.Info(ctx, "initializing application", fields...)

	// profiling first so the whole process lifetime is covered
	profOpts := f.Prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		rt.Logger.Error(ctx, profErr, "pyroscope start failed", "pyro_server", f.Prof.PyroServer)
	}
	rt.stopProf = stopProf
	rt.ProfilingActive = profErr == nil && f.Prof.EnablePyroscope

	traceOpts := f.Trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownTrace, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		rt.Logger.Error(ctx, err, "otel init failed")
	}
	rt.shutdownTrace = shutdownTrace

	// span ids on profiles, so a slow llm.call links to its flame graph
	if rt.ProfilingActive {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	return ctx, rt, nil
}

// ShutdownTracing flushes and stops the tracer provider.
func (rt *Runtime) ShutdownTracing(ctx context.Context) error {
	if rt.shutdownTrace == nil {
		return nil
	}
	fn := rt.shutdownTrace
	rt.shutdownTrace = nil
	return fn(ctx)
}

// Close stops tracing if still running, then profiling, then flushes the
// logger.
func (rt *Runtime) Close() {
	_ = rt.ShutdownTracing(context.Background())
	if rt.stopProf != nil {
		rt.stopProf()
		rt.stopProf = nil
	}
	if rt.sync != nil {
		_ = rt.sync()
	}
}
