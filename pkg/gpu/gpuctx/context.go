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

package gpuctx

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/cwsr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// Path is the way a context's compute work reaches the hardware.
type Path int

const (
	// PathOrdinary submits through the shared kernel rings.
	PathOrdinary Path = iota

	// PathPreemptible submits on the context's scheduled ring.
	PathPreemptible

	// PathTrusted submits on the trusted queue.
	PathTrusted
)

func (p Path) String() string {
	switch p {
	case PathOrdinary:
		return "ordinary"
	case PathPreemptible:
		return "preemptible"
	case PathTrusted:
		return "trusted"
	default:
		return fmt.Sprintf("Path(%d)", int(p))
	}
}

// ResetStatus is the result of Context.QueryState.
type ResetStatus int

const (
	// ResetNone means no reset happened since the last query.
	ResetNone ResetStatus = iota

	// ResetUnknown means a reset happened since the last query and the
	// context was not found to be its cause.
	ResetUnknown

	// ResetGuilty means the context caused a reset.
	ResetGuilty
)

func (r ResetStatus) String() string {
	switch r {
	case ResetNone:
		return "none"
	case ResetUnknown:
		return "unknown"
	case ResetGuilty:
		return "guilty"
	default:
		return fmt.Sprintf("ResetStatus(%d)", int(r))
	}
}

// Context is a client GPU context.
type Context struct {
	m        *Manager
	handle   uint32
	vm       hw.VM
	priority ClientPriority

	// resetsAtCreate is the device reset count when the context was
	// created.
	resetsAtCreate uint64

	mu sync.Mutex

	// +checklocks:mu
	override ClientPriority
	// +checklocks:mu
	guilty bool
	// +checklocks:mu
	resetsQueried uint64
	// +checklocks:mu
	destroyed bool
	// +checklocks:mu
	entities [hw.NumIPs][]*Entity

	// Preemptible compute. entry is nil if the context has none.
	//
	// +checklocks:mu
	res *cwsr.RingResources
	// +checklocks:mu
	ring hw.Ring
	// +checklocks:mu
	entry *sws.Entry
	// +checklocks:mu
	preemptErr error
}

func (c *Context) String() string {
	return fmt.Sprintf("context %d", c.handle)
}

// Handle returns the context's handle.
func (c *Context) Handle() uint32 {
	return c.handle
}

// VM returns the context's address space.
func (c *Context) VM() hw.VM {
	return c.vm
}

// Priority returns the effective priority.
func (c *Context) Priority() ClientPriority {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveLocked()
}

// Preconditions: c.mu must be locked.
func (c *Context) effectiveLocked() ClientPriority {
	if c.override != PriorityUnset {
		return c.override
	}
	return c.priority
}

// setupPreemptionLocked allocates save/restore memory, creates a ring on it
// and registers the ring with the scheduler. Everything is undone on failure.
//
// Preconditions: c.mu must be locked.
func (c *Context) setupPreemptionLocked(ctx context.Context, trusted bool) error {
	m := c.m
	var cu cleanup.Cleanup
	defer cu.Clean()

	alloc := m.alloc.AllocRing
	register := m.sched.Register
	name := fmt.Sprintf("ctx%d.compute", c.handle)
	if trusted {
		alloc = m.alloc.AllocTrustedRing
		register = m.sched.RegisterTrusted
		name = fmt.Sprintf("ctx%d.tmz", c.handle)
	}
	res, err := alloc(ctx, c.vm)
	if err != nil {
		return err
	}
	cu.Add(func() { m.alloc.FreeRing(res) })

	ring, err := m.rings.CreateRing(res.Spec(name, c.handle))
	if err != nil {
		return fmt.Errorf("creating ring %s: %v: %w", name, err, gpuerr.AllocationFailed)
	}
	cu.Add(func() { m.rings.DestroyRing(ring) })

	owner := sws.Owner{VM: c.vm.PASID(), Context: c.handle}
	e, err := register(owner, ring, c.effectiveLocked().Tier())
	if err != nil {
		return err
	}
	cu.Release()
	c.res, c.ring, c.entry = res, ring, e
	return nil
}

// Preconditions: c.mu must be locked.
func (c *Context) teardownPreemptionLocked() {
	if c.entry == nil {
		return
	}
	if err := c.m.sched.Unregister(c.entry); err != nil {
		log.Warningf("gpuctx: %v: %v", c, err)
	}
	c.m.rings.DestroyRing(c.ring)
	c.m.alloc.FreeRing(c.res)
	c.res, c.ring, c.entry = nil, nil, nil
}

func (c *Context) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.teardownPreemptionLocked()
	for ip := range c.entities {
		for _, e := range c.entities[ip] {
			if e != nil {
				c.m.releaseOrdinary(e.ring)
			}
		}
		c.entities[ip] = nil
	}
}

// PreemptionErr returns the error that prevented preemptible compute setup,
// or nil.
func (c *Context) PreemptionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preemptErr
}

// Entry returns the context's scheduling entry, or nil.
func (c *Context) Entry() *sws.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry
}

// Path returns where compute work of c should be submitted now. A context
// whose entry is quarantined falls back to the ordinary path until the
// entry is recovered.
func (c *Context) Path() Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathLocked()
}

// Preconditions: c.mu must be locked.
func (c *Context) pathLocked() Path {
	switch {
	case c.entry == nil || c.entry.Broken():
		return PathOrdinary
	case c.entry.Trusted():
		return PathTrusted
	default:
		return PathPreemptible
	}
}

// Assignment returns the hardware queue and VMID the context's ring is
// currently mapped with.
func (c *Context) Assignment() (hw.Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return hw.Assignment{}, false
	}
	return c.entry.Assignment()
}

// Entity returns the context's entity on the idx'th ordinary ring of ip,
// creating it on first use.
func (c *Context) Entity(ip hw.IP, idx int) (*Entity, error) {
	if ip < 0 || ip >= hw.NumIPs {
		return nil, fmt.Errorf("ip %d: %w", int(ip), gpuerr.InvalidState)
	}
	rings := c.m.ordinary[ip]
	if idx < 0 || idx >= len(rings) {
		return nil, fmt.Errorf("%v ring %d of %d: %w", ip, idx, len(rings), gpuerr.InvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, fmt.Errorf("%v destroyed: %w", c, gpuerr.InvalidState)
	}
	if c.entities[ip] == nil {
		c.entities[ip] = make([]*Entity, len(rings))
	}
	if e := c.entities[ip][idx]; e != nil {
		return e, nil
	}
	e := newEntity(c, ip, rings[idx], c.m.fenceSlots, c.effectiveLocked().Hardware())
	c.entities[ip][idx] = e
	c.m.retainOrdinary(e.ring)
	return e, nil
}

// SetPriorityOverride overrides the context's priority, re-tiering its
// scheduling entry and entities. PriorityUnset removes the override. The
// override is applied by privileged control paths and is not subject to the
// privilege check of Create.
func (c *Context) SetPriorityOverride(p ClientPriority) error {
	if p != PriorityUnset && !p.Valid() {
		return fmt.Errorf("priority %d: %w", int32(p), gpuerr.InvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("%v destroyed: %w", c, gpuerr.InvalidState)
	}
	c.override = p
	eff := c.effectiveLocked()
	if c.entry != nil {
		if err := c.m.sched.SetPriority(c.entry, eff.Tier()); err != nil {
			return err
		}
	}
	for ip := range c.entities {
		for _, e := range c.entities[ip] {
			if e != nil {
				e.setPriority(eff.Hardware())
			}
		}
	}
	log.Debugf("gpuctx: %v: priority %v", c, eff)
	return nil
}

// QueryState reports whether a device reset happened since the previous
// query, or since creation for the first query.
func (c *Context) QueryState() ResetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guilty {
		return ResetGuilty
	}
	now := c.m.resets.Load()
	if now == c.resetsQueried {
		return ResetNone
	}
	c.resetsQueried = now
	return ResetUnknown
}

// Guilty returns true if the context caused a device reset.
func (c *Context) Guilty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guilty
}

// ResetsSinceCreation returns the number of device resets the context has
// lived through.
func (c *Context) ResetsSinceCreation() uint64 {
	return c.m.resets.Load() - c.resetsAtCreate
}
