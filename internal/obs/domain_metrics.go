package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// AdyenRequestsTotal counts outbound Checkout calls by intent and result.
	AdyenRequestsTotal *prometheus.CounterVec
	// AdyenRequestDuration records Checkout call latency in milliseconds.
	AdyenRequestDuration *prometheus.HistogramVec
	// AdyenNotificationsTotal counts processed notification items.
	AdyenNotificationsTotal *prometheus.CounterVec
	// PaymentTransitionsTotal counts transitioner outcomes.
	PaymentTransitionsTotal *prometheus.CounterVec
	// WebhookReceivedTotal counts notification batches by intake result.
	WebhookReceivedTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers the payment collectors.
// Extra collectors (queue, breaker) are registered alongside.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer, extra ...prometheus.Collector) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		AdyenRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adyen_requests_total",
			Help:      "Outbound Adyen Checkout requests by intent and result.",
		}, []string{"intent", "result"})
		AdyenRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adyen_request_duration_ms",
			Help:      "Latency of Adyen Checkout requests in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"intent"})
		AdyenNotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adyen_notifications_total",
			Help:      "Processed Adyen notification items by event code and resolved action.",
		}, []string{"event_code", "action"})
		PaymentTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Payment state transitions by action and result.",
		}, []string{"action", "result"})
		WebhookReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adyen_webhook_received_total",
			Help:      "Notification batches received by intake result.",
		}, []string{"result"})

		mustRegisterCollector(reg, AdyenRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				AdyenRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, AdyenRequestDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				AdyenRequestDuration = v
			}
		})
		mustRegisterCollector(reg, AdyenNotificationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				AdyenNotificationsTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentTransitionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentTransitionsTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookReceivedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookReceivedTotal = v
			}
		})
		for _, c := range extra {
			mustRegisterCollector(reg, c, nil)
		}
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
