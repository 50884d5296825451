// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionDuration tracks SOAP action latency per service and action.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dctd_upnp_action_duration_seconds",
		Help:    "Latency of UPnP actions by service, action and result",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "action", "result"})

	// ActionFailures counts failed actions by failure class.
	ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_upnp_action_failures_total",
		Help: "Failed UPnP actions by service, action and class",
	}, []string{"service", "action", "class"})

	// EventsReceived counts accepted NOTIFY deliveries.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_gena_events_total",
		Help: "GENA NOTIFY deliveries by service and result",
	}, []string{"service", "result"})

	// SubscriptionOps counts subscribe, renew and unsubscribe attempts.
	SubscriptionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_gena_subscription_ops_total",
		Help: "GENA subscription operations by service, op and result",
	}, []string{"service", "op", "result"})

	// ActiveSubscriptions is the number of live subscriptions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dctd_gena_active_subscriptions",
		Help: "Number of live GENA subscriptions",
	})

	// VariableWaits tracks waits on evented state variables.
	VariableWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dctd_gena_wait_duration_seconds",
		Help:    "Time spent waiting for evented state variables by variable and result",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
	}, []string{"variable", "result"})
)

// ObserveAction records one action attempt.
func ObserveAction(service, action string, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ActionDuration.WithLabelValues(service, action, result).Observe(d.Seconds())
}

// IncActionFailure records a failed action.
func IncActionFailure(service, action, class string) {
	ActionFailures.WithLabelValues(service, action, class).Inc()
}

// IncEvent records a NOTIFY delivery.
func IncEvent(service, result string) {
	EventsReceived.WithLabelValues(service, result).Inc()
}

// IncSubscriptionOp records a subscription operation.
func IncSubscriptionOp(service, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	SubscriptionOps.WithLabelValues(service, op, result).Inc()
}

// ObserveWait records a variable wait and whether its condition was met.
func ObserveWait(variable string, met bool, d time.Duration) {
	result := "met"
	if !met {
		result = "timeout"
	}
	VariableWaits.WithLabelValues(variable, result).Observe(d.Seconds())
}
