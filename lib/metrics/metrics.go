// Package metrics instruments the client device auth service with
// Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil *Metrics is a valid no-op
// receiver so components can run uninstrumented.
type Metrics struct {
	sessionsCreated    prometheus.Counter
	sessionsRejected   prometheus.Counter
	sessionsEvicted    prometheus.Counter
	authPermits        prometheus.Counter
	authDenies         prometheus.Counter
	certificatesIssued prometheus.Counter
	caRotations        prometheus.Counter
	reconcilerRuns     prometheus.Counter
	reconcilerFailures prometheus.Counter
	cloudErrors        prometheus.Counter
}

// New registers the service counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "sessions_created_total",
			Help: "Client device sessions successfully created.",
		}),
		sessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "sessions_rejected_total",
			Help: "Client device authentication failures.",
		}),
		sessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "sessions_evicted_total",
			Help: "Sessions evicted from the session table.",
		}),
		authPermits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "authorization_permits_total",
			Help: "Authorization requests answered Permit.",
		}),
		authDenies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "authorization_denies_total",
			Help: "Authorization requests answered Deny.",
		}),
		certificatesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "certificates_issued_total",
			Help: "Leaf certificates issued by the certificate manager.",
		}),
		caRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "ca_rotations_total",
			Help: "Certificate authority rotations.",
		}),
		reconcilerRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "reconciler_runs_total",
			Help: "Completed background reconciliation runs.",
		}),
		reconcilerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "reconciler_failures_total",
			Help: "Background reconciliation runs aborted on cloud failure.",
		}),
		cloudErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cda", Name: "cloud_errors_total",
			Help: "Cloud control-plane call failures.",
		}),
	}
}

// SessionCreated counts a successful authentication.
func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

// SessionRejected counts a failed authentication.
func (m *Metrics) SessionRejected() {
	if m != nil {
		m.sessionsRejected.Inc()
	}
}

// SessionEvicted counts an LRU eviction.
func (m *Metrics) SessionEvicted() {
	if m != nil {
		m.sessionsEvicted.Inc()
	}
}

// AuthPermit counts a Permit decision.
func (m *Metrics) AuthPermit() {
	if m != nil {
		m.authPermits.Inc()
	}
}

// AuthDeny counts a Deny decision.
func (m *Metrics) AuthDeny() {
	if m != nil {
		m.authDenies.Inc()
	}
}

// CertificateIssued counts one issued leaf certificate.
func (m *Metrics) CertificateIssued() {
	if m != nil {
		m.certificatesIssued.Inc()
	}
}

// CARotated counts one CA rotation.
func (m *Metrics) CARotated() {
	if m != nil {
		m.caRotations.Inc()
	}
}

// ReconcilerRan counts one completed reconciliation.
func (m *Metrics) ReconcilerRan() {
	if m != nil {
		m.reconcilerRuns.Inc()
	}
}

// ReconcilerFailed counts one aborted reconciliation.
func (m *Metrics) ReconcilerFailed() {
	if m != nil {
		m.reconcilerFailures.Inc()
	}
}

// CloudError counts one cloud call failure.
func (m *Metrics) CloudError() {
	if m != nil {
		m.cloudErrors.Inc()
	}
}
