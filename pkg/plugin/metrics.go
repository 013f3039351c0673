// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for lifecycle metrics.
const (
	OpLoad           = "load"
	OpBegin          = "begin"
	OpTerminate      = "terminate"
	OpForceTerminate = "force_terminate"
	OpResolve        = "resolve"
)

// Status labels for lifecycle metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PluginOperations counts lifecycle operations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plughost_plugin_operations_total",
		Help: "Total number of plugin lifecycle operations",
	},
	[]string{"operation", "status"},
)

// PluginOperationDuration observes how long lifecycle operations take,
// including time spent inside plugin code.
var PluginOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "plughost_plugin_operation_duration_seconds",
		Help:    "Plugin lifecycle operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// ArchiveEntriesSkipped counts archive entries refused during extraction.
var ArchiveEntriesSkipped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "plughost_archive_entries_skipped_total",
		Help: "Total number of archive entries skipped because they would escape the working directory",
	},
)

// RegisterMetrics registers plugin metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PluginOperations)
	reg.MustRegister(PluginOperationDuration)
	reg.MustRegister(ArchiveEntriesSkipped)
}

func recordOperation(operation string, start time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	PluginOperations.WithLabelValues(operation, status).Inc()
	PluginOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func recordSkippedEntry() {
	ArchiveEntriesSkipped.Inc()
}
