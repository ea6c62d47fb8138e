// Package metrics exposes Prometheus counters for issuance, renewal and
// deployment. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockadesystems/certpilot/internal/model"
)

const namespace = "certpilot"

// Operation labels.
const (
	OpCreate = "create"
	OpRenew  = "renew"
)

var allStatuses = []model.CertificateStatus{
	model.StatusPending, model.StatusActive, model.StatusRenewing,
	model.StatusExpiringSoon, model.StatusExpired, model.StatusFailed,
}

type Collector struct {
	issuances     *prometheus.CounterVec
	issueDuration *prometheus.HistogramVec
	deployments   *prometheus.CounterVec
	certificates  *prometheus.GaugeVec
	schedulerRuns prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		issuances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuances_total",
			Help:      "Certificate issuances by operation and result.",
		}, []string{"operation", "result"}),
		issueDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuance_duration_seconds",
			Help:      "Time spent obtaining a certificate from the CA.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		deployments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Certificate deployments by result.",
		}, []string{"result"}),
		certificates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificates",
			Help:      "Managed certificates by status.",
		}, []string{"status"}),
		schedulerRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Completed renewal sweeps.",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (c *Collector) ObserveIssuance(operation string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.issuances.WithLabelValues(operation, result(err)).Inc()
	c.issueDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (c *Collector) ObserveDeployment(err error) {
	if c == nil {
		return
	}
	c.deployments.WithLabelValues(result(err)).Inc()
}

// SetCertificateCounts replaces the per-status gauge; missing statuses are zeroed.
func (c *Collector) SetCertificateCounts(counts map[model.CertificateStatus]int) {
	if c == nil {
		return
	}
	for _, s := range allStatuses {
		c.certificates.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) SchedulerRun() {
	if c == nil {
		return
	}
	c.schedulerRuns.Inc()
}
