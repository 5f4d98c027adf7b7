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
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusReport(t *testing.T) {
	h := newHarness(t, withTrustedQueue)
	for i := uint32(1); i <= 5; i++ {
		h.busy("ring", i, i, PriorityNormal)
	}
	h.schedule()
	st := h.s.Status()
	if st.Contexts != 5 || len(st.Running) != 4 || len(st.Idle) != 1 {
		t.Errorf("contexts %d running %d idle %d", st.Contexts, len(st.Running), len(st.Idle))
	}
	if st.QueueCapacity != 4 || st.VMIDCapacity != 8 || st.VMIDsInUse != 4 {
		t.Errorf("capacity: %+v", st)
	}
	if st.QueueAvailable {
		t.Errorf("queue reported available with the pool exhausted")
	}

	var b bytes.Buffer
	if _, err := st.WriteTo(&b); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	for _, want := range []string{"round:            1", "running (4):", "idle (1):", "queue=mec0.pipe0.q0", "tmz mec0.pipe3.q7"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("report missing %q:\n%s", want, b.String())
		}
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	running := m["running"].([]any)
	if prio := running[0].(map[string]any)["priority"]; prio != "normal" {
		t.Errorf("priority encoded as %v", prio)
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return math.NaN()
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return math.NaN()
	}
	return m.GetGauge().GetValue()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Errorf("registering twice succeeded")
	}
	h := newHarness(t, func(o *Options) { o.Metrics = m })
	for i := uint32(1); i <= 6; i++ {
		h.busy("ring", i, i, PriorityLow)
	}
	h.schedule()
	h.schedule()
	h.s.Quarantine(0)

	if got := readCounter(m.rounds); got != 2 {
		t.Errorf("rounds = %v, want 2", got)
	}
	// Four promotions in the first round, four evictions and four
	// promotions in the second.
	if got := readCounter(m.promotions); got != 8 {
		t.Errorf("promotions = %v, want 8", got)
	}
	if got := readCounter(m.evictions); got != 4 {
		t.Errorf("evictions = %v, want 4", got)
	}
	if got := readCounter(m.hardwareFailures); got != 1 {
		t.Errorf("hardware failures = %v, want 1", got)
	}
	if got := readGauge(m.brokenQueues); got != 1 {
		t.Errorf("broken queues = %v, want 1", got)
	}
	if got := readGauge(m.entries.WithLabelValues("running")); got != 3 {
		t.Errorf("running gauge = %v, want 3", got)
	}
	h.s.Recover()
	if got := readCounter(m.recoveries); got != 1 {
		t.Errorf("recoveries = %v, want 1", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Errorf("no metric families gathered")
	}
}
