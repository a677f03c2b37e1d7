// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts admin activity. A nil *Metrics records nothing.
type Metrics struct {
	challengesIssued prometheus.Counter
	keysDeleted      *prometheus.CounterVec
	deleteErrors     *prometheus.CounterVec
}

// NewMetrics creates the admin counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authworker_admin_challenges_issued_total",
			Help: "Total number of admin challenges issued",
		}),
		keysDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authworker_admin_keys_deleted_total",
				Help: "Total number of keys deleted by admin actions",
			},
			[]string{"family"},
		),
		deleteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authworker_admin_delete_errors_total",
				Help: "Total number of failed key deletions during admin actions",
			},
			[]string{"family"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.challengesIssued, m.keysDeleted, m.deleteErrors)
	}
	return m
}

func (m *Metrics) challengeIssued() {
	if m == nil {
		return
	}
	m.challengesIssued.Inc()
}

func (m *Metrics) deleted(family string) {
	if m == nil {
		return
	}
	m.keysDeleted.WithLabelValues(family).Inc()
}

func (m *Metrics) deleteFailed(family string) {
	if m == nil {
		return
	}
	m.deleteErrors.WithLabelValues(family).Inc()
}
