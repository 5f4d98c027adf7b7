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
	"testing"
	"time"

	"go.uber.org/goleak"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/hw/simgpu"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestDetector(t *testing.T, timeout time.Duration) (*Detector, *simgpu.Device, *simgpu.Ring, *fakeClock) {
	t.Helper()
	dev, err := simgpu.New(hw.GFX11)
	if err != nil {
		t.Fatalf("simgpu.New: %v", err)
	}
	r := dev.NewRing("watched")
	d := NewDetector(dev, func() []hw.Ring { return []hw.Ring{r} }, timeout)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d.now = clock.Now
	return d, dev, r, clock
}

func TestDetectorDrains(t *testing.T) {
	d, _, r, _ := newTestDetector(t, 0)
	if d.sweep() {
		t.Errorf("sweep of an idle ring found events")
	}
	r.Submit()
	r.Submit()
	r.Complete(1)
	if !d.sweep() {
		t.Errorf("sweep missed a completion")
	}
	if d.sweep() {
		t.Errorf("completion drained twice")
	}
	if got := d.Sweeps(); got != 1 {
		t.Errorf("Sweeps = %d, want 1", got)
	}
}

func TestDetectorReportsHang(t *testing.T) {
	d, _, r, clock := newTestDetector(t, time.Second)
	r.Submit()
	d.sweep()
	clock.now = clock.now.Add(500 * time.Millisecond)
	d.sweep()
	select {
	case id := <-d.Hung():
		t.Fatalf("ring %d reported before the timeout", id)
	default:
	}

	clock.now = clock.now.Add(time.Second)
	d.sweep()
	select {
	case id := <-d.Hung():
		if id != r.ID() {
			t.Errorf("hung ring %d, want %d", id, r.ID())
		}
	default:
		t.Fatalf("hang not reported")
	}

	// A hang is reported once.
	clock.now = clock.now.Add(time.Second)
	d.sweep()
	select {
	case id := <-d.Hung():
		t.Errorf("ring %d reported twice", id)
	default:
	}

	// Progress rearms the report.
	r.Submit()
	r.Complete(1)
	d.sweep()
	clock.now = clock.now.Add(2 * time.Second)
	d.sweep()
	select {
	case <-d.Hung():
	default:
		t.Errorf("second hang not reported")
	}
}

func TestDetectorRunKicked(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, _, r, _ := newTestDetector(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	r.Submit()
	r.Complete(1)
	d.Kick()
	deadline := time.Now().Add(5 * time.Second)
	for d.Sweeps() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("completion never drained")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
