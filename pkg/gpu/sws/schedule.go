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
	"errors"
	"fmt"

	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/log"
)

// PassStats summarizes one scheduling pass.
type PassStats struct {
	// Round is the round the pass ran in.
	Round uint64

	// Forced is set if eviction was forced by busy ordinary rings or a
	// VMID conflict.
	Forced bool

	// Pending is the number of idle entries with unfinished work.
	Pending int

	Evicted  int
	Promoted int
	Failed   int
}

// Schedule runs one decision pass.
func (s *Scheduler) Schedule() PassStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.scheduleLocked()
	s.metrics.pass(st)
	s.updateGaugesLocked()
	return st
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) scheduleLocked() PassStats {
	s.round++
	st := PassStats{Round: s.round}

	// Ordinary submissions take precedence: evict unconditionally.
	forced := s.ordinaryBusyLocked()
	if !forced && s.idle.Empty() {
		s.ageLocked()
		return st
	}

	conflict := false
	for e := s.idle.Front(); e != nil; e = e.Next() {
		if s.pendingLocked(e) {
			st.Pending++
		}
		if !conflict && s.vmids.conflicts(e.owner) {
			conflict = true
		}
	}
	st.Forced = forced || conflict

	if st.Forced || !s.fitsLocked(st.Pending) {
		st.Evicted = s.evictLocked()
		if !s.vmidAvail || !s.queueAvail {
			if log.IsLogging(log.Debug) {
				log.Debugf("sws: round %d: promotion deferred (vmid available %t, queue available %t)", s.round, s.vmidAvail, s.queueAvail)
			}
			return st
		}
	}
	st.Promoted, st.Failed = s.promoteLocked(false)
	return st
}

// fitsLocked returns true if pending more entries fit in the usable queues and
// the VMIDs, and neither pool was last seen exhausted.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) fitsLocked(pending int) bool {
	_, reserved, _ := s.queues.counts()
	return pending+reserved <= s.queues.usable() &&
		pending+s.vmids.inUse() <= s.vmids.capacity() &&
		s.vmidAvail && s.queueAvail
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) ordinaryBusyLocked() bool {
	for _, r := range s.ordinary {
		if !s.backend.IsRingIdle(r) {
			return true
		}
	}
	return false
}

// ageLocked counts one more pass survived by every running entry.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) ageLocked() {
	for e := s.running.Front(); e != nil; e = e.Next() {
		e.schedCount++
	}
}

// expiredLocked returns true if e has held its queue for its tier's expiry.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) expiredLocked(e *Entry) bool {
	return s.round-e.roundStart >= s.expiry[e.priority]
}

// evictLocked ages every running entry and dequeues those that expired or
// have no work left. Dequeued entries move to the back of the idle list.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) evictLocked() int {
	n := 0
	for e := s.running.Front(); e != nil; {
		next := e.Next()
		e.schedCount++
		if s.expiredLocked(e) || !s.pendingLocked(e) {
			if s.dequeueLocked(e) == nil {
				s.moveLocked(e, ListIdle)
				n++
			}
		}
		e = next
	}
	return n
}

// promoteLocked walks the idle list, oldest first unless newestFirst is set,
// and enables every entry with pending work whose VMID is not held by
// another context, until the queue pool is exhausted.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) promoteLocked(newestFirst bool) (promoted, failed int) {
	e := s.idle.Front()
	if newestFirst {
		e = s.idle.Back()
	}
	for e != nil {
		next := e.Next()
		if newestFirst {
			next = e.Prev()
		}
		if !s.pendingLocked(e) || s.vmids.conflicts(e.owner) {
			e = next
			continue
		}
		// Only an entry that could run marks the queue pool as short.
		if !s.queues.hasFree() {
			s.queueAvail = false
			break
		}
		err := s.enableLocked(e)
		switch {
		case err == nil:
			s.moveLocked(e, ListRunning)
			promoted++
		case errors.Is(err, gpuerr.HardwareOperationFailed):
			failed++
		case errors.Is(err, errVMIDConflict):
		default:
			// The pools are exhausted; retry next quantum.
			return promoted, failed
		}
		e = next
	}
	return promoted, failed
}

// ForceRound runs one round that dequeues every running entry regardless of
// expiry, then promotes idle entries in list order, oldest first or newest
// first.
func (s *Scheduler) ForceRound(newestFirst bool) PassStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round++
	st := PassStats{Round: s.round, Forced: true}
	for e := s.running.Front(); e != nil; {
		next := e.Next()
		e.schedCount++
		if s.dequeueLocked(e) == nil {
			s.moveLocked(e, ListIdle)
			st.Evicted++
		}
		e = next
	}
	for e := s.idle.Front(); e != nil; e = e.Next() {
		if s.pendingLocked(e) {
			st.Pending++
		}
	}
	st.Promoted, st.Failed = s.promoteLocked(newestFirst)
	s.metrics.pass(st)
	s.updateGaugesLocked()
	log.Infof("sws: forced round %d (newest first %t): %d evicted, %d promoted", s.round, newestFirst, st.Evicted, st.Promoted)
	return st
}

func (st PassStats) String() string {
	return fmt.Sprintf("round %d: pending %d, evicted %d, promoted %d, failed %d, forced %t", st.Round, st.Pending, st.Evicted, st.Promoted, st.Failed, st.Forced)
}
