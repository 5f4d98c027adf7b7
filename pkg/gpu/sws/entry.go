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
	"sync"

	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// ListID names the scheduler list an entry is on.
type ListID int

// Scheduler lists.
const (
	ListNone ListID = iota
	ListIdle
	ListRunning
	ListBroken
	ListTrusted
)

func (l ListID) String() string {
	switch l {
	case ListNone:
		return "none"
	case ListIdle:
		return "idle"
	case ListRunning:
		return "running"
	case ListBroken:
		return "broken"
	case ListTrusted:
		return "trusted"
	default:
		return fmt.Sprintf("ListID(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l ListID) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ListID) UnmarshalText(b []byte) error {
	for id := ListNone; id <= ListTrusted; id++ {
		if id.String() == string(b) {
			*l = id
			return nil
		}
	}
	return fmt.Errorf("unknown list %q", b)
}

// QueueState is the hardware state of an entry's queue.
type QueueState int

// Queue states.
const (
	// Disabled entries have no queue mapped and no queue descriptor.
	Disabled QueueState = iota

	// Enabled entries have a queue mapped and hold a queue and VMID.
	Enabled

	// Dequeued entries were unmapped gracefully. Their queue descriptor and
	// saved wave state survive, so they are relaunched rather than
	// reinitialized.
	Dequeued
)

func (q QueueState) String() string {
	switch q {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Dequeued:
		return "dequeued"
	default:
		return fmt.Sprintf("QueueState(%d)", int(q))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q QueueState) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *QueueState) UnmarshalText(b []byte) error {
	for st := Disabled; st <= Dequeued; st++ {
		if st.String() == string(b) {
			*q = st
			return nil
		}
	}
	return fmt.Errorf("unknown queue state %q", b)
}

// Entry is one context's participation in scheduling.
type Entry struct {
	entryEntry

	sched   *Scheduler
	id      uint64
	owner   Owner
	ring    hw.Ring
	trusted bool

	// The following fields are protected by sched.mu, or by
	// sched.trustedMu if trusted is set.
	list       ListID
	priority   Priority
	roundStart uint64
	schedCount uint64
	queueState QueueState
	slot       *queueSlot
	vmid       hw.VMID
	hasVMID    bool
	launches   uint64
	lastErr    error
}

func (e *Entry) String() string {
	return fmt.Sprintf("entry %d (%v, ring %s)", e.id, e.owner, e.ring.Name())
}

// ID returns the entry's identifier.
func (e *Entry) ID() uint64 {
	return e.id
}

// Owner returns the address space and context the entry belongs to.
func (e *Entry) Owner() Owner {
	return e.owner
}

// Ring returns the entry's ring.
func (e *Entry) Ring() hw.Ring {
	return e.ring
}

// Trusted returns true for entries of the trusted queue.
func (e *Entry) Trusted() bool {
	return e.trusted
}

func (e *Entry) lock() *sync.Mutex {
	if e.trusted {
		return &e.sched.trustedMu
	}
	return &e.sched.mu
}

// List returns the list e is on.
func (e *Entry) List() ListID {
	mu := e.lock()
	mu.Lock()
	defer mu.Unlock()
	return e.list
}

// Broken returns true if e was quarantined after a hardware failure. Work of
// a broken entry must use the ordinary submission path.
func (e *Entry) Broken() bool {
	return e.List() == ListBroken
}

// Assignment returns the queue and VMID e is mapped with, if any.
func (e *Entry) Assignment() (hw.Assignment, bool) {
	mu := e.lock()
	mu.Lock()
	defer mu.Unlock()
	if e.queueState != Enabled {
		return hw.Assignment{}, false
	}
	return e.assignmentLocked(), true
}

// Preconditions: e's lock must be held and e must hold a queue and VMID.
func (e *Entry) assignmentLocked() hw.Assignment {
	return hw.Assignment{
		Queue:    e.slot.coord,
		VMID:     e.vmid,
		Priority: e.priority.hw(),
		Trusted:  e.trusted,
	}
}

// EntryStatus describes one entry.
type EntryStatus struct {
	ID         uint64     `json:"id"`
	Ring       string     `json:"ring"`
	VM         uint32     `json:"pasid"`
	Context    uint32     `json:"context"`
	List       ListID     `json:"list"`
	Priority   Priority   `json:"priority"`
	State      QueueState `json:"state"`
	Queue      string     `json:"queue,omitempty"`
	VMID       hw.VMID    `json:"vmid,omitempty"`
	RoundStart uint64     `json:"round_start"`
	SchedCount uint64     `json:"sched_count"`
	Launches   uint64     `json:"launches"`
	LastError  string     `json:"last_error,omitempty"`
}

// Status returns a description of e.
func (e *Entry) Status() EntryStatus {
	mu := e.lock()
	mu.Lock()
	defer mu.Unlock()
	return e.statusLocked()
}

// Preconditions: e's lock must be held.
func (e *Entry) statusLocked() EntryStatus {
	es := EntryStatus{
		ID:         e.id,
		Ring:       e.ring.Name(),
		VM:         e.owner.VM,
		Context:    e.owner.Context,
		List:       e.list,
		Priority:   e.priority,
		State:      e.queueState,
		RoundStart: e.roundStart,
		SchedCount: e.schedCount,
		Launches:   e.launches,
	}
	if e.slot != nil {
		es.Queue = e.slot.coord.String()
	}
	if e.hasVMID {
		es.VMID = e.vmid
	}
	if e.lastErr != nil {
		es.LastError = e.lastErr.Error()
	}
	return es
}

// pendingLocked returns true if e's ring has unfinished work.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) pendingLocked(e *Entry) bool {
	return !s.backend.IsRingIdle(e.ring)
}

// releaseVMIDLocked drops e's VMID reservation.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) releaseVMIDLocked(e *Entry) {
	if !e.hasVMID {
		return
	}
	freed, err := s.vmids.release(e.owner, s.hub)
	if err != nil {
		log.Warningf("sws: %v: %v", e, err)
	}
	e.hasVMID = false
	e.vmid = 0
	if freed {
		s.vmidAvail = true
	}
}

// enableLocked acquires a VMID and a queue for e and maps e's queue. A
// Disabled entry has its queue descriptor initialized; a Dequeued entry is
// relaunched from its existing descriptor.
//
// Resource exhaustion returns an error wrapping ResourceBusy and leaves e
// unchanged. A hardware failure quarantines e and returns an error wrapping
// HardwareOperationFailed.
//
// Preconditions: s.mu must be locked. e must not be Enabled.
func (s *Scheduler) enableLocked(e *Entry) error {
	if e.queueState == Enabled {
		err := fmt.Errorf("enabling %v in state %v: %w", e, e.queueState, gpuerr.InvalidState)
		log.Warningf("sws: %v", err)
		return err
	}
	vmid, err := s.vmids.acquire(e.owner, s.hub)
	if err != nil {
		if !errors.Is(err, errVMIDConflict) {
			s.vmidAvail = false
		}
		return fmt.Errorf("%v: %w", e, err)
	}
	e.vmid = vmid
	e.hasVMID = true
	cu := cleanup.Make(func() { s.releaseVMIDLocked(e) })
	defer cu.Clean()

	slot, err := s.queues.acquire(e)
	if err != nil {
		if errors.Is(err, gpuerr.HardwareOperationFailed) {
			cu.Release()
			s.quarantineLocked(e, err)
			return err
		}
		s.queueAvail = false
		return fmt.Errorf("%v: %w", e, err)
	}
	e.slot = slot
	cu.Release()

	a := e.assignmentLocked()
	relaunch := e.queueState == Dequeued
	if relaunch {
		err = s.backend.UpdateMQD(e.ring, a)
	} else {
		err = s.backend.InitMQD(e.ring, a)
	}
	if err == nil {
		err = s.backend.MapQueue(e.ring, a)
	}
	if err != nil {
		err = fmt.Errorf("mapping %v on %v (relaunch %t): %v: %w", e, slot.coord, relaunch, err, gpuerr.HardwareOperationFailed)
		s.quarantineLocked(e, err)
		return err
	}
	e.queueState = Enabled
	e.roundStart = s.round
	e.launches++
	s.metrics.promoted()
	if log.IsLogging(log.Debug) {
		log.Debugf("sws: round %d: %v mapped on %v vmid %d", s.round, e, slot.coord, vmid)
	}
	return nil
}

// dequeueLocked gracefully unmaps e's queue and releases its queue and VMID.
// e becomes Dequeued. A hardware failure quarantines e.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) dequeueLocked(e *Entry) error {
	if e.queueState != Enabled {
		err := fmt.Errorf("dequeueing %v in state %v: %w", e, e.queueState, gpuerr.InvalidState)
		log.Warningf("sws: %v", err)
		return err
	}
	if err := s.backend.UnmapQueue(e.ring, hw.UnmapPreempt); err != nil {
		err = fmt.Errorf("unmapping %v: %v: %w", e, err, gpuerr.HardwareOperationFailed)
		s.quarantineLocked(e, err)
		return err
	}
	s.releaseSlotsLocked(e)
	e.queueState = Dequeued
	s.metrics.evicted()
	if log.IsLogging(log.Debug) {
		log.Debugf("sws: round %d: %v dequeued after %d rounds", s.round, e, s.round-e.roundStart)
	}
	return nil
}

// disableLocked tears e's queue down completely. Failures are logged; the
// queue slot is then marked broken since its state is unknown.
//
// Preconditions: s.mu must be locked. e must be Enabled.
func (s *Scheduler) disableLocked(e *Entry) {
	if err := s.backend.UnmapQueue(e.ring, hw.UnmapReset); err != nil {
		log.Warningf("sws: resetting %v: %v", e, err)
		s.queues.markBroken(e.slot)
		e.slot = nil
		s.releaseVMIDLocked(e)
	} else {
		s.releaseSlotsLocked(e)
	}
	e.queueState = Disabled
}

// releaseSlotsLocked drains e's ring and returns its queue and VMID to the
// pools.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) releaseSlotsLocked(e *Entry) {
	s.backend.ProcessFenceEvents(e.ring)
	s.queues.release(e.slot)
	e.slot = nil
	s.queueAvail = true
	s.releaseVMIDLocked(e)
}

// quarantineLocked moves e to the broken list after a hardware failure. The
// queue slot e held, if any, is marked broken.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) quarantineLocked(e *Entry, cause error) {
	log.Warningf("sws: quarantining %v: %v", e, cause)
	if e.slot != nil {
		s.queues.markBroken(e.slot)
		e.slot = nil
	}
	s.releaseVMIDLocked(e)
	e.queueState = Disabled
	e.lastErr = cause
	s.moveLocked(e, ListBroken)
	s.metrics.hardwareFailure()
}
