// Package metrics exposes application-level prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	providerEvents  *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	usageChecks     *prometheus.CounterVec
	limitExceeded   prometheus.Counter
	trialsBlocked   prometheus.Counter
	resolverWrites  prometheus.Counter
	conflictRetries prometheus.Counter
}

// New registers the engine instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plangate_provider_events_total",
			Help: "Provider events ingested, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plangate_sync_runs_total",
			Help: "Manual reconciliation passes, by outcome.",
		}, []string{"outcome"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plangate_sweep_runs_total",
			Help: "Scheduler sweep runs, by job and outcome.",
		}, []string{"job", "outcome"}),
		usageChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plangate_usage_checks_total",
			Help: "Entitlement checks, by result.",
		}, []string{"result"}),
		limitExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plangate_usage_limit_exceeded_total",
			Help: "Usage recordings rejected over quota.",
		}),
		trialsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plangate_trials_blocked_total",
			Help: "Trials blocked by the duplicate-card guard.",
		}),
		resolverWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plangate_entitlement_writes_total",
			Help: "Entitlement rows written by the resolver.",
		}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plangate_conflict_retries_total",
			Help: "Optimistic-concurrency retries on subscription rows.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.providerEvents,
			m.syncRuns,
			m.sweepRuns,
			m.usageChecks,
			m.limitExceeded,
			m.trialsBlocked,
			m.resolverWrites,
			m.conflictRetries,
		)
	}
	return m
}

func (m *Metrics) RecordProviderEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.providerEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordSyncRun(outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSweepRun(job, outcome string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) RecordUsageCheck(result string) {
	if m == nil {
		return
	}
	m.usageChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLimitExceeded() {
	if m == nil {
		return
	}
	m.limitExceeded.Inc()
}

func (m *Metrics) RecordTrialBlocked() {
	if m == nil {
		return
	}
	m.trialsBlocked.Inc()
}

func (m *Metrics) RecordResolverWrites(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resolverWrites.Add(float64(n))
}

func (m *Metrics) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}
