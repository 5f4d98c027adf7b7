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
)

// Owner identifies the holder of a VMID reservation: an address space and the
// context using it.
type Owner struct {
	// VM is the PASID of the owning address space.
	VM uint32

	// Context is the owning context's handle.
	Context uint32
}

func (o Owner) String() string {
	return fmt.Sprintf("pasid %d ctx %d", o.VM, o.Context)
}

// errVMIDConflict is returned when a VM's VMID is held by another context.
var errVMIDConflict = fmt.Errorf("vmid held by another context: %w", gpuerr.ResourceBusy)

type vmidSlot struct {
	id    hw.VMID
	owner Owner
	hub   hw.Hub
	refs  int
	usage uint64
}

// vmidPool tracks the reservable VMIDs.
//
// vmidPool.mu is a leaf lock. It may be taken with Scheduler.mu or
// Scheduler.trustedMu held.
type vmidPool struct {
	tlb hw.TLBFlusher

	mu sync.Mutex

	// +checklocks:mu
	slots []vmidSlot
	// +checklocks:mu
	clock uint64
}

func newVMIDPool(first hw.VMID, n int, tlb hw.TLBFlusher) *vmidPool {
	p := &vmidPool{
		tlb:   tlb,
		slots: make([]vmidSlot, n),
	}
	for i := range p.slots {
		p.slots[i].id = first + hw.VMID(i)
	}
	return p
}

// Preconditions: p.mu must be locked.
func (p *vmidPool) heldLocked(vm uint32) *vmidSlot {
	for i := range p.slots {
		s := &p.slots[i]
		if s.refs > 0 && s.owner.VM == vm {
			return s
		}
	}
	return nil
}

// acquire reserves a VMID for owner.
//
// If owner's context already holds the VMID of owner's VM on hub, the
// reservation is reused and the VMID's TLB is flushed. Otherwise the least
// recently used free VMID is taken. acquire never blocks; it returns an error
// wrapping ResourceBusy if the VM's VMID is held by a different context
// (errVMIDConflict) or no VMID is free.
func (p *vmidPool) acquire(owner Owner, hub hw.Hub) (hw.VMID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock++
	if s := p.heldLocked(owner.VM); s != nil {
		if s.owner.Context != owner.Context || s.hub != hub {
			return 0, errVMIDConflict
		}
		s.refs++
		s.usage = p.clock
		p.tlb.FlushTLB(s.id, hub)
		return s.id, nil
	}
	var best *vmidSlot
	for i := range p.slots {
		s := &p.slots[i]
		if s.refs != 0 {
			continue
		}
		if best == nil || s.usage < best.usage {
			best = s
		}
	}
	if best == nil {
		return 0, fmt.Errorf("no free vmid among %d: %w", len(p.slots), gpuerr.ResourceBusy)
	}
	best.owner = owner
	best.hub = hub
	best.refs = 1
	best.usage = p.clock
	return best.id, nil
}

// release drops one reference of owner's reservation. The VMID is freed, and
// its TLB flushed, when the last reference is dropped. Releasing a
// reservation that owner does not hold returns InvalidState and leaves the
// pool untouched.
func (p *vmidPool) release(owner Owner, hub hw.Hub) (freed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.heldLocked(owner.VM)
	if s == nil || s.owner.Context != owner.Context || s.hub != hub {
		return false, fmt.Errorf("release of unreserved vmid by %v: %w", owner, gpuerr.InvalidState)
	}
	s.refs--
	if s.refs > 0 {
		return false, nil
	}
	s.owner = Owner{}
	p.tlb.FlushTLB(s.id, hub)
	return true, nil
}

// conflicts returns true if the VMID of owner's VM is held by a different
// context.
func (p *vmidPool) conflicts(owner Owner) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.heldLocked(owner.VM)
	return s != nil && s.owner.Context != owner.Context
}

// capacity returns the number of VMIDs in the pool.
func (p *vmidPool) capacity() int {
	return len(p.slots)
}

// inUse returns the number of reserved VMIDs.
func (p *vmidPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].refs > 0 {
			n++
		}
	}
	return n
}

// VMIDStatus describes one VMID slot.
type VMIDStatus struct {
	VMID    hw.VMID `json:"vmid"`
	Owner   *Owner  `json:"owner,omitempty"`
	Refs    int     `json:"refs"`
	LastUse uint64  `json:"last_use"`
}

func (p *vmidPool) status() []VMIDStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]VMIDStatus, 0, len(p.slots))
	for i := range p.slots {
		s := &p.slots[i]
		vs := VMIDStatus{VMID: s.id, Refs: s.refs, LastUse: s.usage}
		if s.refs > 0 {
			o := s.owner
			vs.Owner = &o
		}
		out = append(out, vs)
	}
	return out
}
