// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sws

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	rounds           prometheus.Counter
	forcedRounds     prometheus.Counter
	promotions       prometheus.Counter
	evictions        prometheus.Counter
	hardwareFailures prometheus.Counter
	recoveries       prometheus.Counter
	entries          *prometheus.GaugeVec
	brokenQueues     prometheus.Gauge
}

// NewMetrics creates the scheduler collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "rounds_total",
			Help:      "Scheduling passes run.",
		}),
		forcedRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "forced_evictions_total",
			Help:      "Passes whose eviction was forced by ordinary work or a VMID conflict.",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "promotions_total",
			Help:      "Queues mapped for waiting entries.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "evictions_total",
			Help:      "Queues gracefully unmapped.",
		}),
		hardwareFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "hardware_failures_total",
			Help:      "Entries quarantined after a failed queue operation.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "recovered_entries_total",
			Help:      "Broken entries returned to the idle list by recovery.",
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "entries",
			Help:      "Entries per scheduler list.",
		}, []string{"list"}),
		brokenQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "sws",
			Name:      "broken_queues",
			Help:      "Queue slots excluded from allocation.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.rounds,
		m.forcedRounds,
		m.promotions,
		m.evictions,
		m.hardwareFailures,
		m.recoveries,
		m.entries,
		m.brokenQueues,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) pass(st PassStats) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	if st.Forced {
		m.forcedRounds.Inc()
	}
}

func (m *Metrics) promoted() {
	if m != nil {
		m.promotions.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) hardwareFailure() {
	if m != nil {
		m.hardwareFailures.Inc()
	}
}

func (m *Metrics) recovered(n int) {
	if m != nil {
		m.recoveries.Add(float64(n))
	}
}

// updateGaugesLocked refreshes the list and broken queue gauges.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) updateGaugesLocked() {
	m := s.metrics
	if m == nil {
		return
	}
	m.entries.WithLabelValues(ListIdle.String()).Set(float64(s.idle.Len()))
	m.entries.WithLabelValues(ListRunning.String()).Set(float64(s.running.Len()))
	m.entries.WithLabelValues(ListBroken.String()).Set(float64(s.broken.Len()))
	_, _, broken := s.queues.counts()
	m.brokenQueues.Set(float64(broken))
}
