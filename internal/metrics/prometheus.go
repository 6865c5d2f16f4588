// SPDX-License-Identifier: AGPL-3.0-or-later
// signalbroker - coordination core for a distributed browser synthesizer
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge/histogram this instance exposes on
// /metrics. All fields are safe for concurrent use, since prometheus
// collectors are.
type Metrics struct {
	ClientsConnectedTotal    *prometheus.CounterVec
	ClientsReconnectedTotal  prometheus.Counter
	ClientsActive            prometheus.Gauge
	ControllerTransitions    prometheus.Counter
	NotificationsDedupedTotal prometheus.Counter
	QueueDepth               prometheus.Gauge
	QueuedMessagesTotal      prometheus.Counter
	ReaperSweepsTotal        prometheus.Counter
	ReaperEvictionsTotal     prometheus.Counter
	ReaperSweepDuration      prometheus.Histogram
	SignalingMessagesTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		ClientsConnectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_clients_connected_total",
			Help: "Total client connections accepted, labeled by role (controller/synth).",
		}, []string{"role"}),
		ClientsReconnectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_clients_reconnected_total",
			Help: "Total reconnections where a prior client record was inherited.",
		}),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalmesh_clients_active",
			Help: "Sockets currently held open by this instance.",
		}),
		ControllerTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_controller_transitions_total",
			Help: "Total times the active controller changed.",
		}),
		NotificationsDedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_notifications_deduped_total",
			Help: "Change notifications seen again by notification id and skipped.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalmesh_queue_depth",
			Help: "Queue depth observed for the most recently pushed recipient. Not labeled per-recipient to avoid unbounded cardinality on client ids.",
		}),
		QueuedMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_queued_messages_total",
			Help: "Total signaling messages queued because the recipient was not local.",
		}),
		ReaperSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_reaper_sweeps_total",
			Help: "Total reaper sweep passes run.",
		}),
		ReaperEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_reaper_evictions_total",
			Help: "Total synth client records evicted by the reaper.",
		}),
		ReaperSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalmesh_reaper_sweep_duration_seconds",
			Help:    "Duration of a single reaper sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		SignalingMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_signaling_messages_total",
			Help: "Signaling verbs handled, labeled by verb and delivery path (local/queued).",
		}, []string{"verb", "path"}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.ClientsConnectedTotal,
		m.ClientsReconnectedTotal,
		m.ClientsActive,
		m.ControllerTransitions,
		m.NotificationsDedupedTotal,
		m.QueueDepth,
		m.QueuedMessagesTotal,
		m.ReaperSweepsTotal,
		m.ReaperEvictionsTotal,
		m.ReaperSweepDuration,
		m.SignalingMessagesTotal,
	)
}

func (m *Metrics) RecordClientConnected(role string) {
	m.ClientsConnectedTotal.WithLabelValues(role).Inc()
	m.ClientsActive.Inc()
}

func (m *Metrics) RecordClientReconnected() {
	m.ClientsReconnectedTotal.Inc()
}

func (m *Metrics) RecordClientDisconnected() {
	m.ClientsActive.Dec()
}

func (m *Metrics) RecordControllerTransition() {
	m.ControllerTransitions.Inc()
}

func (m *Metrics) RecordNotificationDeduped() {
	m.NotificationsDedupedTotal.Inc()
}

func (m *Metrics) SetQueueDepth(depth float64) {
	m.QueueDepth.Set(depth)
}

func (m *Metrics) RecordMessageQueued() {
	m.QueuedMessagesTotal.Inc()
}

func (m *Metrics) RecordReaperSweep(duration float64, evicted int) {
	m.ReaperSweepsTotal.Inc()
	m.ReaperSweepDuration.Observe(duration)
	if evicted > 0 {
		m.ReaperEvictionsTotal.Add(float64(evicted))
	}
}

func (m *Metrics) RecordSignalingMessage(verb, path string) {
	m.SignalingMessagesTotal.WithLabelValues(verb, path).Inc()
}
