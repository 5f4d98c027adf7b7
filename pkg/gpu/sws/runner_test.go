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
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
)

func startRunner(t *testing.T, h *harness, hangTimeout time.Duration) (*Runner, func()) {
	t.Helper()
	det := NewDetector(h.dev, h.s.WatchedRings, hangTimeout)
	h.dev.SetInterruptHandler(func(engine, pipe int) { det.Kick() })
	r := NewRunner(h.s, det)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return r, func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunnerSchedules(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, func(o *Options) { o.Quantum = time.Millisecond })
	e, r := h.busy("e", 1, 1, PriorityNormal)
	runner, stop := startRunner(t, h, 0)
	defer stop()

	waitFor(t, "promotion", func() bool { return len(runner.Status().Running) == 1 })
	if got := e.List(); got != ListRunning {
		t.Errorf("entry on %v", got)
	}
	// Completion raises an end-of-pipe interrupt that kicks the detector.
	r.CompleteAll()
	waitFor(t, "rounds", func() bool { return runner.Status().Round > 3 })
}

func TestRunnerCommands(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, func(o *Options) { o.Quantum = time.Millisecond })
	for i := uint32(1); i <= 5; i++ {
		h.busy("e", i, i, PriorityHigh)
	}
	runner, stop := startRunner(t, h, 0)
	defer stop()
	ctx := context.Background()

	if err := runner.Command(ctx, OpPause, 0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st := runner.Status()
	if !st.Paused {
		t.Errorf("status not paused")
	}
	round := st.Round
	time.Sleep(10 * time.Millisecond)
	if got := h.s.Round(); got != round {
		t.Errorf("round advanced from %d to %d while paused", round, got)
	}

	if err := runner.Command(ctx, OpForceRoundOldest, 0); err != nil {
		t.Fatalf("force round: %v", err)
	}
	if got := runner.Status().Round; got != round+1 {
		t.Errorf("round %d after forced round, want %d", got, round+1)
	}
	if err := runner.Command(ctx, OpForceRoundNewest, 0); err != nil {
		t.Fatalf("force round: %v", err)
	}
	if err := runner.Command(ctx, OpQuarantine, 0); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if got := len(runner.Status().Broken); got != 1 {
		t.Errorf("%d broken entries after quarantine, want 1", got)
	}
	if err := runner.Command(ctx, OpQuarantine, 999); !errors.Is(err, gpuerr.InvalidState) {
		t.Errorf("quarantine of unknown entry: %v", err)
	}
	if err := runner.Command(ctx, Opcode(17), 0); !errors.Is(err, gpuerr.InvalidState) {
		t.Errorf("unknown opcode: %v", err)
	}
	if err := runner.Command(ctx, OpResume, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "rounds after resume", func() bool { return h.s.Round() > round+5 })
}

func TestRunnerStatusIsCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.busy("e", 1, 1, PriorityNormal)
	runner := NewRunner(h.s, NewDetector(h.dev, h.s.WatchedRings, 0))
	st := runner.Status()
	st.Idle[0].Ring = "changed"
	if got := runner.Status().Idle[0].Ring; got != "e" {
		t.Errorf("published status modified through a copy: %q", got)
	}
}

func TestRunnerQuarantinesHungRing(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, func(o *Options) { o.Quantum = time.Millisecond })
	e, _ := h.busy("stuck", 1, 1, PriorityNormal)
	_, stop := startRunner(t, h, 20*time.Millisecond)
	defer stop()
	waitFor(t, "quarantine", e.Broken)
}

func TestCommandCancelled(t *testing.T) {
	h := newHarness(t, nil)
	runner := NewRunner(h.s, NewDetector(h.dev, h.s.WatchedRings, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Command(ctx, OpPause, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Command on stopped runner: %v", err)
	}
}

func TestParseOpcode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Opcode
		ok   bool
	}{
		{"pause", OpPause, true},
		{"1", OpResume, true},
		{"force-round-newest", OpForceRoundNewest, true},
		{"4", OpQuarantine, true},
		{"5", 0, false},
		{"bogus", 0, false},
	} {
		got, err := ParseOpcode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseOpcode(%q) = %v, %v", tc.in, got, err)
		}
	}
}
