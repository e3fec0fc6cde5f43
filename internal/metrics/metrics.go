package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsSubmitted *prometheus.CounterVec
	ApprovalActions   *prometheus.CounterVec
	SLABreaches       prometheus.Counter
	RequestsExpired   prometheus.Counter
	GrantsChanged     *prometheus.CounterVec
	ScanDuration      prometheus.Histogram
	HTTPRequests      *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RequestsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "elam_requests_submitted_total",
			Help: "Access requests submitted by risk level",
		}, []string{"risk_level"}),
		ApprovalActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "elam_approval_actions_total",
			Help: "Approval chain actions by action",
		}, []string{"action"}),
		SLABreaches: f.NewCounter(prometheus.CounterOpts{
			Name: "elam_sla_breaches_total",
			Help: "Requests flagged as SLA breached",
		}),
		RequestsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "elam_requests_expired_total",
			Help: "Open requests expired by the SLA scan",
		}),
		GrantsChanged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "elam_grants_total",
			Help: "Access grant lifecycle transitions by status",
		}, []string{"status"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "elam_sla_scan_duration_seconds",
			Help:    "Duration of SLA scans",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "elam_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "elam_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncSubmitted(riskLevel string) {
	if m != nil {
		m.RequestsSubmitted.WithLabelValues(riskLevel).Inc()
	}
}

func (m *Metrics) IncApprovalAction(action string) {
	if m != nil {
		m.ApprovalActions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncSLABreach() {
	if m != nil {
		m.SLABreaches.Inc()
	}
}

func (m *Metrics) IncExpired() {
	if m != nil {
		m.RequestsExpired.Inc()
	}
}

func (m *Metrics) IncGrant(status string) {
	if m != nil {
		m.GrantsChanged.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveScan(d time.Duration) {
	if m != nil {
		m.ScanDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncHTTP(method, code string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, code).Inc()
	}
}

func (m *Metrics) IncWebhook(result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}
