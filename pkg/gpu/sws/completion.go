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
	"sync"
	"time"

	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// hangWarnings limits hang reports that cannot be delivered.
var hangWarnings = log.BasicRateLimitedLogger(time.Second)

// Detector drains completion events of the rings under scheduler control and
// reports rings that stop making progress.
//
// A sweep runs whenever Kick is called, typically from the end-of-pipe
// interrupt handler, and every HangTimeout/2. While a sweep finds events the
// detector kicks itself again, so events are drained until none remain.
type Detector struct {
	backend     hw.RingBackend
	rings       func() []hw.Ring
	hangTimeout time.Duration
	now         func() time.Time

	kick chan struct{}
	hung chan uint32

	mu sync.Mutex

	// progress is the last time each ring made progress or was idle.
	//
	// +checklocks:mu
	progress map[uint32]time.Time
	// reported holds hung rings already reported.
	//
	// +checklocks:mu
	reported map[uint32]bool
	// sweeps counts sweeps that found events.
	//
	// +checklocks:mu
	sweeps uint64
}

// NewDetector returns a detector for the rings returned by rings, typically
// Scheduler.WatchedRings. A zero hangTimeout disables hang detection.
func NewDetector(backend hw.RingBackend, rings func() []hw.Ring, hangTimeout time.Duration) *Detector {
	return &Detector{
		backend:     backend,
		rings:       rings,
		hangTimeout: hangTimeout,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
		hung:        make(chan uint32, 16),
		progress:    make(map[uint32]time.Time),
		reported:    make(map[uint32]bool),
	}
}

// Kick requests a sweep. It never blocks.
func (d *Detector) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Hung returns the channel on which the ids of hung rings are delivered.
func (d *Detector) Hung() <-chan uint32 {
	return d.hung
}

// Run sweeps until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if d.hangTimeout > 0 {
		t := time.NewTicker(d.hangTimeout / 2)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
		case <-tick:
		}
		if d.sweep() {
			d.Kick()
		}
	}
}

// sweep drains every watched ring once. It returns true if any ring had
// events.
func (d *Detector) sweep() bool {
	now := d.now()
	rings := d.rings()
	fired := false
	var hung []uint32

	d.mu.Lock()
	live := make(map[uint32]bool, len(rings))
	for _, r := range rings {
		id := r.ID()
		live[id] = true
		switch {
		case d.backend.ProcessFenceEvents(r):
			fired = true
			d.progress[id] = now
			delete(d.reported, id)
		case d.backend.IsRingIdle(r):
			d.progress[id] = now
			delete(d.reported, id)
		default:
			last, ok := d.progress[id]
			if !ok {
				d.progress[id] = now
				continue
			}
			if d.hangTimeout > 0 && now.Sub(last) >= d.hangTimeout && !d.reported[id] {
				d.reported[id] = true
				hung = append(hung, id)
			}
		}
	}
	for id := range d.progress {
		if !live[id] {
			delete(d.progress, id)
			delete(d.reported, id)
		}
	}
	if fired {
		d.sweeps++
	}
	d.mu.Unlock()

	for _, id := range hung {
		select {
		case d.hung <- id:
			log.Warningf("sws: ring %d made no progress for %v", id, d.hangTimeout)
		default:
			hangWarnings.Warningf("sws: dropping hang report for ring %d", id)
		}
	}
	return fired
}

// Sweeps returns the number of sweeps that found completion events.
func (d *Detector) Sweeps() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweeps
}
