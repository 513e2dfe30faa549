package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp prometheus.Gauge
	LastSaveSuccess  prometheus.Gauge
	EntriesTotal     *prometheus.CounterVec
	JudgmentsTotal   *prometheus.CounterVec
	LLMCallsTotal    *prometheus.CounterVec
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	StateRecords     prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secnews_runs_total",
			Help: "Pipeline runs by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "secnews_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secnews_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		LastSaveSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secnews_last_run_saved",
			Help: "1 if the last run persisted state, 0 otherwise.",
		}),
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secnews_entries_total",
			Help: "Entries by pipeline outcome.",
		}, []string{"outcome"}),
		JudgmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secnews_judgments_total",
			Help: "Judgment calls by status.",
		}, []string{"status"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secnews_llm_calls_total",
			Help: "Successful LLM provider calls by model.",
		}, []string{"model"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secnews_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secnews_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "secnews_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secnews_dispatch_total",
			Help: "Dispatch attempts by status.",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "secnews_dispatch_duration_seconds",
			Help:    "Duration of dispatch calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		StateRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secnews_state_records",
			Help: "Records retained in the processed state after the last run.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.LastRunTimestamp,
		m.LastSaveSuccess,
		m.EntriesTotal,
		m.JudgmentsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.DispatchTotal,
		m.DispatchDuration,
		m.StateRecords,
	)

	return m
}

// EngineHooks returns hooks that record judgment metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(model string, inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.WithLabelValues(model).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnJudgment: func(status string) {
			m.JudgmentsTotal.WithLabelValues(status).Inc()
		},
	}
}

// ServiceHooks returns hooks that record pipeline metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnEntry: func(outcome string) {
			m.EntriesTotal.WithLabelValues(outcome).Inc()
		},
		OnDispatch: func(duration float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.DispatchTotal.WithLabelValues(status).Inc()
			m.DispatchDuration.Observe(duration)
		},
		OnRun: func(sum *RunSummary) {
			result := "success"
			switch {
			case sum.SaveError != "":
				result = "save_failed"
			case sum.LoadError != "" || sum.FeedError != "" || len(sum.Skips) > 0:
				result = "degraded"
			}
			m.RunsTotal.WithLabelValues(result).Inc()
			m.RunDuration.Observe(sum.Duration.Seconds())
			m.LastRunTimestamp.SetToCurrentTime()
			m.StateRecords.Set(float64(sum.StateSize))
			if sum.Saved {
				m.LastSaveSuccess.Set(1)
			} else {
				m.LastSaveSuccess.Set(0)
			}
		},
	}
}
