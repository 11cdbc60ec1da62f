// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics declares the Prometheus collectors this binary exposes on
// /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the control loops update.
type Metrics struct {
	PassDuration       *prometheus.HistogramVec
	NamespacesObserved *prometheus.GaugeVec
	TransitionsTotal   *prometheus.CounterVec
	DeletesTotal       *prometheus.CounterVec
	DeleteStuckTotal   prometheus.Counter
	LeaderOwned        *prometheus.GaugeVec
	NotificationsTotal *prometheus.CounterVec
}

// New constructs and registers the collectors against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "namespace_manager",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"controller"}),
		NamespacesObserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "namespace_manager",
			Name:      "namespaces_observed",
			Help:      "Number of matched namespaces observed in the last pass, by status.",
		}, []string{"status"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namespace_manager",
			Name:      "transitions_total",
			Help:      "Count of status transitions, by old and new status.",
		}, []string{"old", "new"}),
		DeletesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namespace_manager",
			Name:      "deletes_total",
			Help:      "Count of namespace deletions issued, by reason.",
		}, []string{"reason"}),
		DeleteStuckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "namespace_manager",
			Name:      "delete_stuck_total",
			Help:      "Count of namespace deletions that did not confirm within delete_timeout after one re-issued delete.",
		}),
		LeaderOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "namespace_manager",
			Name:      "leader_owned",
			Help:      "1 if this replica currently holds the named controller's lease.",
		}, []string{"controller"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "namespace_manager",
			Name:      "notifications_total",
			Help:      "Count of notifications sent, by new status.",
		}, []string{"new_status"}),
	}
	reg.MustRegister(
		m.PassDuration,
		m.NamespacesObserved,
		m.TransitionsTotal,
		m.DeletesTotal,
		m.DeleteStuckTotal,
		m.LeaderOwned,
		m.NotificationsTotal,
	)
	return m
}
