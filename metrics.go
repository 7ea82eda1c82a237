// metrics.go: Prometheus instrumentation for the synchronization engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"github.com/agilira/go-errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec // by kind: list, read, write, persist
	retries        *prometheus.CounterVec // by kind: list, read, write
	failures       *prometheus.CounterVec // by kind: list, read, write, transport
	protocolErrors prometheus.Counter
	cacheLookups   *prometheus.CounterVec // by result: hit, miss, corrupt, timeout
	progress       prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil registerer returns unregistered collectors, useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "requests_total",
			Help:      "Requests sent to remote components",
		}, []string{"kind"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "retries_total",
			Help:      "Requests re-issued after a timeout",
		}, []string{"kind"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "failures_total",
			Help:      "Requests abandoned after the retry ceiling or rejected by the transport",
		}, []string{"kind"}),

		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "protocol_errors_total",
			Help:      "Inbound value reports dropped as malformed",
		}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),

		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hermes",
			Name:      "sync_progress",
			Help:      "Progress of the current synchronization cycle (0 to 1)",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to register hermes metrics")
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.retries,
		m.failures,
		m.protocolErrors,
		m.cacheLookups,
		m.progress,
	}
}

func (m *Metrics) request(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) retry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) setProgress(fraction float64) {
	if m == nil {
		return
	}
	m.progress.Set(clamp01(fraction))
}
