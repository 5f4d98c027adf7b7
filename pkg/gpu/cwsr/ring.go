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

package cwsr

import (
	"context"
	"fmt"

	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// RingResources are the buffers of one ring. They are owned by a single
// context.
type RingResources struct {
	proc    *ProcessResources
	slot    int
	trusted bool

	ring buffer
	mqd  buffer
	save buffer

	// teardown is nil once the resources are freed. It is protected by
	// Allocator.mu, or Allocator.trustedMu for trusted rings.
	teardown func()
}

// Process returns the per-process resources the ring references.
func (r *RingResources) Process() *ProcessResources {
	return r.proc
}

// Slot returns the ring's slot index.
func (r *RingResources) Slot() int {
	return r.slot
}

// Trusted returns true for the trusted ring.
func (r *RingResources) Trusted() bool {
	return r.trusted
}

// Spec returns the ring's memory layout for creating the hardware ring.
func (r *RingResources) Spec(name string, contextID uint32) hw.RingSpec {
	return hw.RingSpec{
		Name:       name,
		PASID:      r.proc.vm.PASID(),
		RingVA:     r.ring.va,
		RingSize:   r.ring.bo.Size(),
		MQDVA:      r.mqd.va,
		SaveAreaVA: r.save.va,
		SaveSize:   r.save.bo.Size(),
		Trusted:    r.trusted,
		ContextID:  contextID,
	}
}

// AllocRing allocates a ring slot and its buffers in vm, acquiring vm's
// per-process resources. It returns an error wrapping ResourceBusy if every
// slot is in use and AllocationFailed if memory cannot be allocated or
// mapped. Partial allocations are unwound in reverse order.
func (a *Allocator) AllocRing(ctx context.Context, vm hw.VM) (*RingResources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.slots.NextClear(0)
	if !ok || int(slot) >= a.maxSlots {
		return nil, fmt.Errorf("all %d ring slots in use: %w", a.maxSlots, gpuerr.ResourceBusy)
	}
	a.slots.Set(slot)
	cu := cleanup.Make(func() { a.slots.Clear(slot) })
	defer cu.Clean()

	p, err := a.acquireProcessLocked(ctx, vm)
	if err != nil {
		return nil, err
	}
	cu.Add(func() {
		if err := a.releaseProcessLocked(p); err != nil {
			log.Warningf("cwsr: %v", err)
		}
	})
	r, err := a.allocRingBuffers(ctx, &cu, p, int(slot), hw.DomainGTT)
	if err != nil {
		return nil, err
	}
	r.teardown = cu.Release()
	log.Infof("cwsr: pasid %d: ring slot %d at %v", vm.PASID(), slot, r.ring.va)
	return r, nil
}

// AllocTrustedRing allocates the trusted ring of vm in encrypted memory. Only
// one trusted ring may exist at a time.
func (a *Allocator) AllocTrustedRing(ctx context.Context, vm hw.VM) (*RingResources, error) {
	a.trustedMu.Lock()
	defer a.trustedMu.Unlock()
	if a.trustedInUse {
		return nil, fmt.Errorf("trusted ring slot in use: %w", gpuerr.ResourceBusy)
	}
	p, err := a.AcquireProcess(ctx, vm)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := a.ReleaseProcess(p); err != nil {
			log.Warningf("cwsr: %v", err)
		}
	})
	defer cu.Clean()
	r, err := a.allocRingBuffers(ctx, &cu, p, a.maxSlots, hw.DomainEncrypted)
	if err != nil {
		return nil, err
	}
	r.trusted = true
	r.teardown = cu.Release()
	a.trustedInUse = true
	log.Infof("cwsr: pasid %d: trusted ring at %v", vm.PASID(), r.ring.va)
	return r, nil
}

// allocRingBuffers allocates the ring buffer, queue descriptor and save area
// of slot, registering their release with cu.
func (a *Allocator) allocRingBuffers(ctx context.Context, cu *cleanup.Cleanup, p *ProcessResources, slot int, domain hw.Domain) (*RingResources, error) {
	l := a.layout
	vm := p.vm
	r := &RingResources{proc: p, slot: slot}
	var err error
	if r.ring, err = a.allocBuffer(ctx, cu, vm, "ring", l.RingSize, domain, l.RingVA(slot), hw.MapReadable|hw.MapWritable); err != nil {
		return nil, err
	}
	if r.mqd, err = a.allocBuffer(ctx, cu, vm, "queue descriptor", l.MQDSize, domain, l.MQDVA(slot), hw.MapReadable|hw.MapWritable|hw.MapUncached); err != nil {
		return nil, err
	}
	if r.save, err = a.allocBuffer(ctx, cu, vm, "save area", l.SaveSize, domain, l.SaveAreaVA(slot), hw.MapReadable|hw.MapWritable); err != nil {
		return nil, err
	}
	return r, nil
}

// FreeRing frees r's buffers and slot and drops its reference on the
// per-process resources. Freeing a ring twice is a no-op.
func (a *Allocator) FreeRing(r *RingResources) {
	if r.trusted {
		a.trustedMu.Lock()
		defer a.trustedMu.Unlock()
		if r.teardown == nil {
			return
		}
		teardown := r.teardown
		r.teardown = nil
		a.trustedInUse = false
		teardown()
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.teardown == nil {
		return
	}
	teardown := r.teardown
	r.teardown = nil
	teardown()
}
