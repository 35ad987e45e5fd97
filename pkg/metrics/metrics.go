/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is exposed by the admin API endpoint.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// RequestsTotal counts client requests by kind and outcome.
	RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "phobos_lrs_requests_total",
		Help: "Client requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	// RequestDuration observes latency from reception to response.
	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phobos_lrs_request_duration_seconds",
		Help:    "Request latency from reception to response.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	// DeviceState tracks each managed device's operational state.
	DeviceState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phobos_lrs_device_state",
		Help: "Device operational state (1 for the active state).",
	}, []string{"device", "state"})

	// SyncQueueEntries gauges pending sync entries per device.
	SyncQueueEntries = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phobos_lrs_sync_queue_entries",
		Help: "Release entries waiting for a sync.",
	}, []string{"device"})

	// SyncQueueBytes gauges pending bytes per device.
	SyncQueueBytes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phobos_lrs_sync_queue_bytes",
		Help: "Written bytes waiting for a sync.",
	}, []string{"device"})

	// SyncsTotal counts executed filesystem flushes.
	SyncsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "phobos_lrs_syncs_total",
		Help: "Filesystem flushes by outcome.",
	}, []string{"outcome"})
)

// ObserveDeviceState flips the per-state gauge family of a device.
func ObserveDeviceState(device string, state string) {
	for _, st := range []string{"empty", "loaded", "mounted", "failed"} {
		v := 0.0
		if st == state {
			v = 1.0
		}
		DeviceState.WithLabelValues(device, st).Set(v)
	}
}
