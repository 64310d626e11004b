package qr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	issued      prometheus.Counter
	issueErrors prometheus.Counter
	redemptions *prometheus.CounterVec
	redeemTime  prometheus.Histogram
	expired     prometheus.Counter
	revoked     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "issued_total",
			Help:      "QR issues created.",
		}),
		issueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "issue_errors_total",
			Help:      "QR issuance attempts that failed on storage.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		redeemTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "redeem_duration_seconds",
			Help:      "Latency of redemption attempts, including classification.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "expired_total",
			Help:      "Issued rows moved to expired by the sweeper.",
		}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karma",
			Subsystem: "qr",
			Name:      "revoked_total",
			Help:      "Issued rows revoked administratively.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.issued, m.issueErrors, m.redemptions, m.redeemTime, m.expired, m.revoked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeIssue(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.issueErrors.Inc()
		return
	}
	m.issued.Inc()
}

func (m *Metrics) observeRedeem(o Outcome, started time.Time) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(string(o)).Inc()
	m.redeemTime.Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeRedeemError(started time.Time) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues("error").Inc()
	m.redeemTime.Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) observeRevoked() {
	if m == nil {
		return
	}
	m.revoked.Inc()
}
