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
	"fmt"

	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// errForcedQuarantine is recorded on entries quarantined on request.
var errForcedQuarantine = fmt.Errorf("forced quarantine: %w", gpuerr.HardwareOperationFailed)

// Recover clears every broken queue slot, including the trusted one, and
// moves every broken entry back to the idle list with its queue disabled. It
// is called after a device reset. It returns the number of entries moved; a
// second call with no failures in between returns 0.
func (s *Scheduler) Recover() int {
	s.mu.Lock()
	cleared := s.queues.clearAllBroken()
	n := 0
	for e := s.broken.Front(); e != nil; e = s.broken.Front() {
		e.queueState = Disabled
		s.moveLocked(e, ListIdle)
		n++
	}
	if cleared > 0 || n > 0 {
		s.vmidAvail = true
		s.queueAvail = true
		log.Infof("sws: recovered %d broken queues and %d entries", cleared, n)
	}
	s.metrics.recovered(n)
	s.updateGaugesLocked()
	s.mu.Unlock()

	return n + s.recoverTrusted()
}

// Quarantine forces the entry with the given id onto the broken list. If id
// is 0, the oldest running entry is chosen, or the oldest idle one if none is
// running. A mapped queue is reset and its slot marked broken.
func (s *Scheduler) Quarantine(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findLocked(id)
	if e == nil {
		return fmt.Errorf("no entry %d to quarantine: %w", id, gpuerr.InvalidState)
	}
	s.forceQuarantineLocked(e, errForcedQuarantine)
	s.updateGaugesLocked()
	return nil
}

// QuarantineRing quarantines the entry whose ring has the given id, if it is
// running. It is used when the ring is found hung.
func (s *Scheduler) QuarantineRing(ringID uint32) error {
	s.mu.Lock()
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.ring.ID() == ringID {
			s.forceQuarantineLocked(e, fmt.Errorf("ring %s hung: %w", e.ring.Name(), gpuerr.HardwareOperationFailed))
			s.updateGaugesLocked()
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()
	return s.quarantineTrustedRing(ringID)
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) findLocked(id uint64) *Entry {
	for _, l := range []*entryList{&s.running, &s.idle} {
		for e := l.Front(); e != nil; e = e.Next() {
			if id == 0 || e.id == id {
				return e
			}
		}
	}
	return nil
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) forceQuarantineLocked(e *Entry, cause error) {
	if e.queueState == Enabled {
		if err := s.backend.UnmapQueue(e.ring, hw.UnmapReset); err != nil {
			log.Warningf("sws: resetting %v: %v", e, err)
		}
	}
	s.quarantineLocked(e, cause)
}
