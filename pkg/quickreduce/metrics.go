// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "quickreduce"

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "allreduce_calls_total",
		Help:      "Number of completed AllReduce calls.",
	}, []string{"profile", "algorithm"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "allreduce_duration_seconds",
		Help:      "Latency of AllReduce calls, including the wait for peers.",
		Buckets:   prometheus.ExponentialBuckets(10e-6, 2, 18),
	}, []string{"profile", "algorithm"})

	stagedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "staged_bytes_total",
		Help:      "Encoded bytes written to the staging memory, read by peers.",
	}, []string{"profile"})
)

// RegisterMetrics registers the package metrics with reg, e.g. prometheus.DefaultRegisterer.
// Registering more than once with the same registerer is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	var result *multierror.Error
	for _, c := range []prometheus.Collector{callsTotal, callDuration, stagedBytesTotal} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
