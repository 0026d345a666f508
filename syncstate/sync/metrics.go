// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "activesync",
			Subsystem: "syncstate",
			Name:      "state_loads_total",
			Help:      "Total state loads, partitioned by result (ok, gone).",
		},
		[]string{"result"},
	)
	stateSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "activesync",
			Subsystem: "syncstate",
			Name:      "state_saves_total",
			Help:      "Total state saves.",
		},
	)
	gcDeletedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "activesync",
			Subsystem: "syncstate",
			Name:      "gc_deleted_rows_total",
			Help:      "State and change-map rows dropped by garbage collection.",
		},
	)
)

var registerMetricsOnce sync.Once

// EnableMetrics registers the sync-state metrics with the default
// prometheus registry. Incrementing unregistered collectors is harmless,
// so callers that do not scrape can simply never call this.
func EnableMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(stateLoads, stateSaves, gcDeletedRows)
	})
}
