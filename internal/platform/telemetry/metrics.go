package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keyforge"

const (
	OutcomeSecured  = "secured"
	OutcomeConsumed = "consumed"
	OutcomeExpired  = "expired_unsecured"
	OutcomeTeardown = "teardown"
	OutcomeCleared  = "cleared"
	OutcomeFailed   = "signing_failed"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	lifecycleEnded *prometheus.CounterVec
	expiryDeferred prometheus.Counter
	guardRepairs   *prometheus.CounterVec
	signatures     *prometheus.CounterVec
	challenges     *prometheus.CounterVec
	wipeFailures   prometheus.Counter
	activeFlows    prometheus.Gauge

	transportPeers prometheus.Gauge
	transportState *prometheus.CounterVec
	transportDials *prometheus.CounterVec
	storeQueries   *prometheus.CounterVec
	published      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lifecycleEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_lifecycle_ended_total",
			Help:      "Ephemeral secret lifecycles by how they ended.",
		}, []string{"outcome"}),
		expiryDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_expiry_deferred_total",
			Help:      "Expiry fires deferred because a submission was in flight.",
		}),
		guardRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_repairs_total",
			Help:      "Contradictory display/timer states repaired by the consistency guard.",
		}, []string{"repair"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_operations_total",
			Help:      "Signing operations by method, operation and result.",
		}, []string{"method", "operation", "result"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_challenges_total",
			Help:      "Ownership challenge events by outcome.",
		}, []string{"outcome"}),
		wipeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_wipe_failures_total",
			Help:      "Best-effort wipes that could not use locked memory.",
		}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_forge_flows",
			Help:      "Forge flows currently holding lifecycle state.",
		}),
		transportPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "peers",
			Help:      "Peers currently connected to the messaging node.",
		}),
		transportState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state_transitions_total",
			Help:      "Messaging node state transitions by target state.",
		}, []string{"state"}),
		transportDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dials_total",
			Help:      "Bootstrap peer dials by result.",
		}, []string{"result"}),
		storeQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "store_queries_total",
			Help:      "History store queries by result.",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "published_total",
			Help:      "Messages published by content topic and result.",
		}, []string{"topic", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.lifecycleEnded,
			m.expiryDeferred,
			m.guardRepairs,
			m.signatures,
			m.challenges,
			m.wipeFailures,
			m.activeFlows,
			m.transportPeers,
			m.transportState,
			m.transportDials,
			m.storeQueries,
			m.published,
		)
	}
	return m
}

func (m *Metrics) LifecycleEnded(outcome string) {
	if m == nil {
		return
	}
	m.lifecycleEnded.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ExpiryDeferred() {
	if m == nil {
		return
	}
	m.expiryDeferred.Inc()
}

func (m *Metrics) GuardRepair(repair string) {
	if m == nil {
		return
	}
	m.guardRepairs.WithLabelValues(repair).Inc()
}

func (m *Metrics) Signature(method, operation string, err error) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(method, operation, resultLabel(err)).Inc()
}

func (m *Metrics) Challenge(outcome string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WipeFailure() {
	if m == nil {
		return
	}
	m.wipeFailures.Inc()
}

func (m *Metrics) FlowStarted() {
	if m == nil {
		return
	}
	m.activeFlows.Inc()
}

func (m *Metrics) FlowEnded() {
	if m == nil {
		return
	}
	m.activeFlows.Dec()
}

func (m *Metrics) TransportState(state string, peers int) {
	if m == nil {
		return
	}
	m.transportState.WithLabelValues(state).Inc()
	m.transportPeers.Set(float64(peers))
}

func (m *Metrics) TransportPeers(peers int) {
	if m == nil {
		return
	}
	m.transportPeers.Set(float64(peers))
}

func (m *Metrics) TransportDial(err error) {
	if m == nil {
		return
	}
	m.transportDials.WithLabelValues(resultLabel(err)).Inc()
}

// StoreQuery records a history query; result is "ok", "failover" or "error".
func (m *Metrics) StoreQuery(result string) {
	if m == nil {
		return
	}
	m.storeQueries.WithLabelValues(result).Inc()
}

func (m *Metrics) Published(topic string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
