package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector with client_golang metrics.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	pulls         *prometheus.CounterVec
	pullDuration  *prometheus.HistogramVec
	delivered     *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	closed        *prometheus.CounterVec
	commits       *prometheus.CounterVec
	draining      prometheus.Gauge
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector registering on reg
// (prometheus.DefaultRegisterer if nil) under namespace ("pullgate" if empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "pullgate"
	}
	p := &Prometheus{reg: reg, namespace: namespace}
	p.ensureRegistered()
	return p
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.pulls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "pulls_total",
			Help:      "Completed pull requests by API and HTTP status.",
		}, []string{"api", "status"})
		p.pullDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      "pull_duration_seconds",
			Help:      "Wall-clock duration of pull requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"api"})
		p.delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages returned to clients.",
		}, []string{"api"})
		p.subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      "subscriptions_active",
			Help:      "Live broker subscriptions.",
		}, []string{"api"})
		p.closed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "subscriptions_closed_total",
			Help:      "Subscriptions torn down by reason.",
		}, []string{"api", "reason"})
		p.commits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "commits_total",
			Help:      "Broker commits by result.",
		}, []string{"api", "result"})
		p.draining = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      "drain_requested",
			Help:      "1 once a connection drain was requested.",
		})
		p.reg.MustRegister(p.pulls, p.pullDuration, p.delivered, p.subscriptions, p.closed, p.commits, p.draining)
	})
}

func (p *Prometheus) PullCompleted(apiID string, status int, delivered int, dur time.Duration) {
	p.pulls.WithLabelValues(apiID, strconv.Itoa(status)).Inc()
	p.pullDuration.WithLabelValues(apiID).Observe(dur.Seconds())
	if delivered > 0 {
		p.delivered.WithLabelValues(apiID).Add(float64(delivered))
	}
}

func (p *Prometheus) SubscriptionOpened(apiID string) {
	p.subscriptions.WithLabelValues(apiID).Inc()
}

func (p *Prometheus) SubscriptionClosed(apiID string, reason string) {
	p.subscriptions.WithLabelValues(apiID).Dec()
	p.closed.WithLabelValues(apiID, reason).Inc()
}

func (p *Prometheus) CommitResult(apiID string, result string) {
	p.commits.WithLabelValues(apiID, result).Inc()
}

func (p *Prometheus) DrainRequested() { p.draining.Set(1) }
