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

	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// trustedQueue is the single queue reserved for trusted execution. It is
// never time-shared: its entry keeps the queue until it unregisters.
type trustedQueue struct {
	slot  queueSlot
	entry *Entry
}

func newTrustedQueue(g Geometry, id int) *trustedQueue {
	return &trustedQueue{
		slot: queueSlot{
			id:    id,
			coord: g.Coord(id),
			state: slotFree{},
		},
	}
}

// RegisterTrusted maps ring on the trusted queue for owner. The returned
// entry holds the queue until it is unregistered.
//
// RegisterTrusted returns an error wrapping ResourceBusy if the trusted queue
// or the VMIDs are in use, and HardwareOperationFailed if the trusted queue
// is broken or cannot be mapped.
func (s *Scheduler) RegisterTrusted(owner Owner, ring hw.Ring, prio Priority) (*Entry, error) {
	if prio < 0 || prio >= NumPriorities {
		return nil, fmt.Errorf("priority %d: %w", prio, gpuerr.InvalidState)
	}
	s.trustedMu.Lock()
	defer s.trustedMu.Unlock()
	tq := s.trusted
	if tq == nil {
		return nil, fmt.Errorf("no trusted queue configured: %w", gpuerr.InvalidState)
	}
	if tq.entry != nil {
		return nil, fmt.Errorf("trusted queue held by %v: %w", tq.entry, gpuerr.ResourceBusy)
	}
	if _, ok := tq.slot.state.(slotBroken); ok {
		return nil, fmt.Errorf("trusted queue %v is broken: %w", tq.slot.coord, gpuerr.HardwareOperationFailed)
	}
	e := s.newEntry(owner, ring, prio, true)
	if err := s.enableTrustedLocked(tq, e); err != nil {
		return nil, err
	}
	tq.entry = e
	return e, nil
}

// enableTrustedLocked maps e on the trusted queue. On failure the queue is
// marked broken, unless the failure was VMID exhaustion.
//
// Preconditions: s.trustedMu must be locked. tq.slot must be free.
func (s *Scheduler) enableTrustedLocked(tq *trustedQueue, e *Entry) error {
	vmid, err := s.vmids.acquire(e.owner, s.hub)
	if err != nil {
		return fmt.Errorf("trusted %v: %w", e, err)
	}
	e.vmid = vmid
	e.hasVMID = true
	cu := cleanup.Make(func() { s.releaseTrustedVMIDLocked(e) })
	defer cu.Clean()

	if err := s.irq.get(tq.slot.coord); err != nil {
		tq.slot.state = slotBroken{}
		return fmt.Errorf("enabling interrupts for trusted queue %v: %v: %w", tq.slot.coord, err, gpuerr.HardwareOperationFailed)
	}
	tq.slot.state = slotReserved{owner: e}
	e.slot = &tq.slot
	a := e.assignmentLocked()
	err = s.backend.InitMQD(e.ring, a)
	if err == nil {
		err = s.backend.MapQueue(e.ring, a)
	}
	if err != nil {
		s.irq.put(tq.slot.coord)
		tq.slot.state = slotBroken{}
		e.slot = nil
		err = fmt.Errorf("mapping trusted %v on %v: %v: %w", e, a.Queue, err, gpuerr.HardwareOperationFailed)
		log.Warningf("sws: %v", err)
		return err
	}
	cu.Release()
	e.queueState = Enabled
	e.list = ListTrusted
	e.launches++
	e.lastErr = nil
	return nil
}

// Preconditions: s.trustedMu must be locked.
func (s *Scheduler) releaseTrustedVMIDLocked(e *Entry) {
	if !e.hasVMID {
		return
	}
	if _, err := s.vmids.release(e.owner, s.hub); err != nil {
		log.Warningf("sws: trusted %v: %v", e, err)
	}
	e.hasVMID = false
	e.vmid = 0
}

func (s *Scheduler) unregisterTrusted(e *Entry) error {
	s.trustedMu.Lock()
	defer s.trustedMu.Unlock()
	if s.trusted == nil || s.trusted.entry != e {
		return fmt.Errorf("trusted %v not registered: %w", e, gpuerr.InvalidState)
	}
	s.teardownTrustedLocked(e)
	return nil
}

// teardownTrustedLocked unmaps e from the trusted queue and releases it.
//
// Preconditions: s.trustedMu must be locked. e is the trusted entry.
func (s *Scheduler) teardownTrustedLocked(e *Entry) {
	tq := s.trusted
	if e.queueState == Enabled {
		if err := s.backend.UnmapQueue(e.ring, hw.UnmapReset); err != nil {
			log.Warningf("sws: resetting trusted %v: %v", e, err)
			tq.slot.state = slotBroken{}
		} else {
			s.backend.ProcessFenceEvents(e.ring)
			tq.slot.state = slotFree{}
		}
		s.irq.put(tq.slot.coord)
		e.slot = nil
	}
	s.releaseTrustedVMIDLocked(e)
	e.queueState = Disabled
	e.list = ListNone
	tq.entry = nil
}

// quarantineTrustedRing quarantines the trusted entry if its ring has the
// given id.
func (s *Scheduler) quarantineTrustedRing(ringID uint32) error {
	s.trustedMu.Lock()
	defer s.trustedMu.Unlock()
	tq := s.trusted
	if tq == nil || tq.entry == nil || tq.entry.ring.ID() != ringID || tq.entry.queueState != Enabled {
		return fmt.Errorf("no running entry on ring %d: %w", ringID, gpuerr.InvalidState)
	}
	e := tq.entry
	cause := fmt.Errorf("trusted ring %s hung: %w", e.ring.Name(), gpuerr.HardwareOperationFailed)
	log.Warningf("sws: quarantining trusted %v: %v", e, cause)
	if err := s.backend.UnmapQueue(e.ring, hw.UnmapReset); err != nil {
		log.Warningf("sws: resetting trusted %v: %v", e, err)
	}
	s.irq.put(tq.slot.coord)
	tq.slot.state = slotBroken{}
	e.slot = nil
	s.releaseTrustedVMIDLocked(e)
	e.queueState = Disabled
	e.list = ListBroken
	e.lastErr = cause
	s.metrics.hardwareFailure()
	return nil
}

// recoverTrusted clears a broken trusted queue and remaps a quarantined
// trusted entry. It returns 1 if an entry left the broken state.
func (s *Scheduler) recoverTrusted() int {
	s.trustedMu.Lock()
	defer s.trustedMu.Unlock()
	tq := s.trusted
	if tq == nil {
		return 0
	}
	if _, ok := tq.slot.state.(slotBroken); ok {
		tq.slot.state = slotFree{}
	}
	e := tq.entry
	if e == nil || e.list != ListBroken {
		return 0
	}
	if err := s.enableTrustedLocked(tq, e); err != nil {
		log.Warningf("sws: trusted %v not recovered: %v", e, err)
		e.lastErr = err
		return 0
	}
	return 1
}

// trustedStatus returns the trusted entry and queue, if configured.
func (s *Scheduler) trustedStatus() ([]EntryStatus, *QueueStatus) {
	s.trustedMu.Lock()
	defer s.trustedMu.Unlock()
	tq := s.trusted
	if tq == nil {
		return nil, nil
	}
	qs := tq.slot.status()
	if tq.entry == nil {
		return nil, &qs
	}
	return []EntryStatus{tq.entry.statusLocked()}, &qs
}
