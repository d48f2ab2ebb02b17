package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// NotificationTotal counts gateway notification reconciliation outcomes.
	NotificationTotal *prometheus.CounterVec
	// RecurringChargeTotal counts recurring charge attempts by result.
	RecurringChargeTotal *prometheus.CounterVec
	// GatewayCallLatency records GoPay API round trip latency in milliseconds.
	GatewayCallLatency *prometheus.HistogramVec
	// CardExpiryScanTotal counts tokens examined by the card expiry scan.
	CardExpiryScanTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gopay_notification_total",
			Help:      "Count of processed gateway notifications by outcome.",
		}, []string{"kind", "result"})
		RecurringChargeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gopay_recurring_charge_total",
			Help:      "Count of recurring charge attempts by result.",
		}, []string{"result"})
		GatewayCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gopay_call_duration_ms",
			Help:      "Latency of GoPay API calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation", "result"})
		CardExpiryScanTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gopay_card_expiry_scan_total",
			Help:      "Number of recurring tokens examined for card expiration.",
		})

		mustRegisterCollector(reg, NotificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotificationTotal = v
			}
		})
		mustRegisterCollector(reg, RecurringChargeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RecurringChargeTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayCallLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				GatewayCallLatency = v
			}
		})
		mustRegisterCollector(reg, CardExpiryScanTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				CardExpiryScanTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
