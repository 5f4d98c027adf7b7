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
	"sync"

	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// slotState is the tagged status of a queue slot. It is one of slotFree,
// slotReserved or slotBroken.
type slotState interface {
	isSlotState()
}

type slotFree struct{}

// slotReserved is a slot held by owner. A reserved slot without an owner
// cannot be represented.
type slotReserved struct {
	owner *Entry
}

type slotBroken struct{}

func (slotFree) isSlotState()     {}
func (slotReserved) isSlotState() {}
func (slotBroken) isSlotState()   {}

// SlotStatus names the status of a queue slot.
type SlotStatus string

// Queue slot statuses.
const (
	SlotFree     SlotStatus = "free"
	SlotReserved SlotStatus = "reserved"
	SlotBroken   SlotStatus = "broken"
)

func statusOf(st slotState) SlotStatus {
	switch st.(type) {
	case slotFree:
		return SlotFree
	case slotReserved:
		return SlotReserved
	case slotBroken:
		return SlotBroken
	default:
		panic(fmt.Sprintf("unknown slot state %T", st))
	}
}

type queueSlot struct {
	id    int
	coord hw.QueueID
	state slotState
}

func (s *queueSlot) String() string {
	return fmt.Sprintf("slot %d (%v)", s.id, s.coord)
}

// Geometry is the shape of the compute queue space.
type Geometry struct {
	Engines        int
	PipesPerEngine int
	QueuesPerPipe  int
}

// NumQueues returns the total number of queues.
func (g Geometry) NumQueues() int {
	return g.Engines * g.PipesPerEngine * g.QueuesPerPipe
}

// Coord returns the engine, pipe and queue index of queue id.
func (g Geometry) Coord(id int) hw.QueueID {
	return hw.QueueID{
		Engine: id / (g.QueuesPerPipe * g.PipesPerEngine),
		Pipe:   (id / g.QueuesPerPipe) % g.PipesPerEngine,
		Queue:  id % g.QueuesPerPipe,
	}
}

type pipeKey struct {
	engine int
	pipe   int
}

// pipeIRQ reference counts end-of-pipe interrupt registrations. Interrupts
// for a pipe are enabled while any queue on it is reserved.
//
// pipeIRQ.mu is a leaf lock shared by the scheduler and the trusted queue.
type pipeIRQ struct {
	irq hw.IRQController

	mu sync.Mutex

	// +checklocks:mu
	refs map[pipeKey]int
}

func newPipeIRQ(irq hw.IRQController) *pipeIRQ {
	return &pipeIRQ{
		irq:  irq,
		refs: make(map[pipeKey]int),
	}
}

func (pi *pipeIRQ) get(q hw.QueueID) error {
	k := pipeKey{q.Engine, q.Pipe}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.refs[k] == 0 {
		if err := pi.irq.EnableIRQ(k.engine, k.pipe); err != nil {
			return err
		}
	}
	pi.refs[k]++
	return nil
}

func (pi *pipeIRQ) put(q hw.QueueID) {
	k := pipeKey{q.Engine, q.Pipe}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.refs[k]--
	if pi.refs[k] == 0 {
		delete(pi.refs, k)
		pi.irq.DisableIRQ(k.engine, k.pipe)
	}
}

// queuePool tracks the hardware compute queues available to the scheduler.
//
// queuePool is protected by Scheduler.mu.
type queuePool struct {
	irq   *pipeIRQ
	slots []queueSlot
}

func newQueuePool(g Geometry, n int, irq *pipeIRQ) *queuePool {
	p := &queuePool{
		irq:   irq,
		slots: make([]queueSlot, n),
	}
	for i := range p.slots {
		p.slots[i] = queueSlot{
			id:    i,
			coord: g.Coord(i),
			state: slotFree{},
		}
	}
	return p
}

// hasFree returns true if a slot is neither reserved nor broken.
func (p *queuePool) hasFree() bool {
	for i := range p.slots {
		if _, ok := p.slots[i].state.(slotFree); ok {
			return true
		}
	}
	return false
}

// acquire reserves the first free slot for owner and enables interrupts on
// its pipe.
//
// If enabling interrupts fails the slot is marked broken and an error
// wrapping HardwareOperationFailed is returned.
func (p *queuePool) acquire(owner *Entry) (*queueSlot, error) {
	for i := range p.slots {
		s := &p.slots[i]
		if _, ok := s.state.(slotFree); !ok {
			continue
		}
		if err := p.irq.get(s.coord); err != nil {
			s.state = slotBroken{}
			return nil, fmt.Errorf("enabling interrupts for %v: %v: %w", s, err, gpuerr.HardwareOperationFailed)
		}
		s.state = slotReserved{owner: owner}
		return s, nil
	}
	return nil, fmt.Errorf("all %d queues reserved or broken: %w", len(p.slots), gpuerr.ResourceBusy)
}

// release returns a reserved slot to the pool. The caller must have drained
// the fence events of the ring that was mapped on it.
func (p *queuePool) release(s *queueSlot) {
	if _, ok := s.state.(slotReserved); !ok {
		panic(fmt.Sprintf("releasing %v in state %v", s, statusOf(s.state)))
	}
	p.irq.put(s.coord)
	s.state = slotFree{}
}

// markBroken excludes s from allocation until clearAllBroken.
func (p *queuePool) markBroken(s *queueSlot) {
	switch s.state.(type) {
	case slotReserved:
		p.irq.put(s.coord)
	case slotBroken:
		return
	}
	log.Warningf("sws: %v marked broken", s)
	s.state = slotBroken{}
}

// clearAllBroken returns every broken slot to the pool and returns how many
// there were.
func (p *queuePool) clearAllBroken() int {
	n := 0
	for i := range p.slots {
		if _, ok := p.slots[i].state.(slotBroken); ok {
			p.slots[i].state = slotFree{}
			n++
		}
	}
	return n
}

// counts returns the number of slots in each status.
func (p *queuePool) counts() (free, reserved, broken int) {
	for i := range p.slots {
		switch p.slots[i].state.(type) {
		case slotFree:
			free++
		case slotReserved:
			reserved++
		case slotBroken:
			broken++
		}
	}
	return
}

// usable returns the number of slots that are not broken.
func (p *queuePool) usable() int {
	_, _, broken := p.counts()
	return len(p.slots) - broken
}

// QueueStatus describes one queue slot.
type QueueStatus struct {
	ID     int        `json:"id"`
	Queue  string     `json:"queue"`
	Status SlotStatus `json:"status"`
	Owner  uint64     `json:"owner,omitempty"`
}

func (s *queueSlot) status() QueueStatus {
	qs := QueueStatus{
		ID:     s.id,
		Queue:  s.coord.String(),
		Status: statusOf(s.state),
	}
	if r, ok := s.state.(slotReserved); ok {
		qs.Owner = r.owner.id
	}
	return qs
}
