package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
	"github.com/nexus-trading/tokenpilot/internal/risk"
)

const namespace = "tokenpilot"

// -----------------------------------------------------------------------
// Metrics
// One registry per instance so tests and multiple engines never collide on
// the global default registry. A nil *Metrics is a valid no-op sink.
// -----------------------------------------------------------------------

// Metrics holds every Prometheus collector of the engine.
type Metrics struct {
	reg *prometheus.Registry

	// monitor
	chainState       *prometheus.GaugeVec
	eventsEmitted    *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	endpointFailures *prometheus.CounterVec

	// risk
	riskScore   *prometheus.HistogramVec
	dataQuality *prometheus.CounterVec

	// fees
	feeQuotes *prometheus.CounterVec

	// strategy
	optimizerRuns     *prometheus.CounterVec
	optimizerDuration prometheus.Histogram
	bestFitness       prometheus.Gauge

	// admission
	admissions *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		chainState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "chain_state",
			Help:      "1 for the current subscription state of each chain, 0 otherwise",
		}, []string{"chain", "state"}),
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "events_emitted_total",
			Help:      "Normalized chain events accepted into the subscription buffer",
		}, []string{"chain"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "events_dropped_total",
			Help:      "Chain events dropped, by reason (malformed, buffer_full)",
		}, []string{"chain", "reason"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a stream ended or every endpoint failed",
		}, []string{"chain"}),
		endpointFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "endpoint_failures_total",
			Help:      "Failed dial or subscribe attempts per endpoint",
		}, []string{"chain", "endpoint"}),

		riskScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "score",
			Help:      "Risk scores of evaluated tokens",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"chain"}),
		dataQuality: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "data_quality_issues_total",
			Help:      "Missing or invalid metric fields scored as worst case",
		}, []string{"factor"}),

		feeQuotes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "quotes_total",
			Help:      "Fee quotes produced, by whether the USD fee was known",
		}, []string{"chain", "tier", "priced"}),

		optimizerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "optimizer_runs_total",
			Help:      "Optimizer runs by result",
		}, []string{"result"}),
		optimizerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "optimizer_duration_seconds",
			Help:      "Wall time of an optimizer run",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		bestFitness: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "best_fitness",
			Help:      "Fitness of the last successful optimizer run",
		}),

		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and first reason code",
		}, []string{"chain", "decision", "reason"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// -----------------------------------------------------------------------
// monitor.Metrics
// -----------------------------------------------------------------------

var _ monitor.Metrics = (*Metrics)(nil)

// SetChainState marks state as the current one for c.
func (m *Metrics) SetChainState(c, state string) {
	if m == nil {
		return
	}
	for s := monitor.Disconnected; s <= monitor.Cancelled; s++ {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.chainState.WithLabelValues(c, s.String()).Set(v)
	}
}

func (m *Metrics) IncEventsEmitted(c string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(c).Inc()
}

func (m *Metrics) IncEventsDropped(c, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(c, reason).Inc()
}

func (m *Metrics) IncReconnects(c string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(c).Inc()
}

func (m *Metrics) IncEndpointFailures(c, endpoint string) {
	if m == nil {
		return
	}
	m.endpointFailures.WithLabelValues(c, endpoint).Inc()
}

// -----------------------------------------------------------------------
// risk, fees, strategy, admission
// -----------------------------------------------------------------------

var _ risk.Observer = (*Metrics)(nil)

// ObserveDataQuality counts a scorer data quality issue by factor.
func (m *Metrics) ObserveDataQuality(issue risk.DataQualityIssue) {
	if m == nil {
		return
	}
	m.dataQuality.WithLabelValues(issue.Factor.String()).Inc()
}

// ObserveRiskScore records one risk score.
func (m *Metrics) ObserveRiskScore(c chain.Chain, score float64) {
	if m == nil {
		return
	}
	m.riskScore.WithLabelValues(string(c)).Observe(score)
}

// ObserveFeeQuote counts one fee quote.
func (m *Metrics) ObserveFeeQuote(c chain.Chain, tier string, priced bool) {
	if m == nil {
		return
	}
	p := "false"
	if priced {
		p = "true"
	}
	m.feeQuotes.WithLabelValues(string(c), tier, p).Inc()
}

// ObserveOptimizerRun records an optimizer run. Best fitness is only updated
// on success.
func (m *Metrics) ObserveOptimizerRun(bestFitness float64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.optimizerDuration.Observe(d.Seconds())
	if err != nil {
		m.optimizerRuns.WithLabelValues("error").Inc()
		return
	}
	m.optimizerRuns.WithLabelValues("ok").Inc()
	m.bestFitness.Set(bestFitness)
}

// ObserveAdmission counts a decision. Denials are labelled with the code of
// their first reason to keep cardinality bounded.
func (m *Metrics) ObserveAdmission(c chain.Chain, allowed bool, reasons []string) {
	if m == nil {
		return
	}
	decision, reason := "allow", ""
	if !allowed {
		decision = "deny"
		if len(reasons) > 0 {
			reason, _, _ = strings.Cut(reasons[0], ":")
		}
	}
	m.admissions.WithLabelValues(string(c), decision, reason).Inc()
}
