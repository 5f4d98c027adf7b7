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

// Package gpuctx implements client GPU contexts: handle allocation, priority
// mapping, preemptible compute setup and fence bookkeeping.
//
// A context that asks for preemptible compute gets a ring whose save/restore
// memory comes from the cwsr allocator and which is registered with the
// scheduler. If any step fails the context remains usable through the
// ordinary submission path and the failure is reported once, as an error
// wrapping ErrPreemptionUnavailable.
//
// Lock order:
//
//	Context.mu
//	  Manager.mu
//	  Entity.mu
package gpuctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/cwsr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// DefaultMaxContexts is the default number of context handles.
const DefaultMaxContexts = 1024

// ErrPreemptionUnavailable is wrapped by the error reported when a context
// cannot get preemptible compute. Such errors also wrap gpuerr.ResourceBusy
// and the underlying cause.
var ErrPreemptionUnavailable = errors.New("preemptible compute unavailable")

// Options configures a Manager.
type Options struct {
	// Scheduler schedules preemptible rings.
	Scheduler *sws.Scheduler

	// Allocator provides save/restore memory.
	Allocator *cwsr.Allocator

	// Rings creates preemptible rings.
	Rings hw.RingProvider

	// Ordinary lists the kernel rings each IP's entities submit on.
	Ordinary map[hw.IP][]hw.Ring

	// MaxContexts bounds the number of live contexts.
	MaxContexts int

	// FenceSlots is the number of fences each entity remembers.
	FenceSlots int
}

type handleItem struct {
	id  uint32
	ctx *Context
}

func handleLess(a, b handleItem) bool {
	return a.id < b.id
}

// Manager owns the contexts of one device.
type Manager struct {
	sched      *sws.Scheduler
	alloc      *cwsr.Allocator
	rings      hw.RingProvider
	ordinary   map[hw.IP][]hw.Ring
	max        int
	fenceSlots int

	// resets counts device resets.
	resets atomic.Uint64

	mu sync.Mutex

	// handles indexes live contexts by handle.
	//
	// +checklocks:mu
	handles *btree.BTreeG[handleItem]

	// ordinaryRefs counts the entities using each ordinary ring, by ring
	// ID.
	//
	// +checklocks:mu
	ordinaryRefs map[uint32]int
}

// NewManager returns a Manager for the given scheduler and allocator.
func NewManager(opts Options) (*Manager, error) {
	if opts.Scheduler == nil || opts.Allocator == nil || opts.Rings == nil {
		return nil, fmt.Errorf("gpuctx: scheduler, allocator and ring provider are required")
	}
	if opts.MaxContexts == 0 {
		opts.MaxContexts = DefaultMaxContexts
	}
	if opts.FenceSlots == 0 {
		opts.FenceSlots = DefaultFenceSlots
	}
	if opts.MaxContexts < 0 || opts.FenceSlots < 0 {
		return nil, fmt.Errorf("gpuctx: invalid limits %d contexts, %d fence slots", opts.MaxContexts, opts.FenceSlots)
	}
	return &Manager{
		sched:        opts.Scheduler,
		alloc:        opts.Allocator,
		rings:        opts.Rings,
		ordinary:     opts.Ordinary,
		max:          opts.MaxContexts,
		fenceSlots:   opts.FenceSlots,
		handles:      btree.NewG(8, handleLess),
		ordinaryRefs: make(map[uint32]int),
	}, nil
}

// CreateOptions describes a new context.
type CreateOptions struct {
	// VM is the address space of the creating process.
	VM hw.VM

	// Priority is the requested priority.
	Priority ClientPriority

	// Privileged is set if the caller may raise priority above normal.
	Privileged bool

	// Preemptible requests a scheduled compute ring.
	Preemptible bool

	// Trusted requests the trusted compute queue. It implies Preemptible.
	Trusted bool
}

// Create creates a context. Failing to set up preemptible compute does not
// fail Create; see Context.PreemptionErr.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Context, error) {
	if !opts.Priority.Valid() {
		return nil, fmt.Errorf("priority %d: %w", int32(opts.Priority), gpuerr.InvalidState)
	}
	if opts.Priority.Privileged() && !opts.Privileged {
		return nil, fmt.Errorf("priority %v: %w", opts.Priority, gpuerr.PermissionDenied)
	}
	if opts.VM == nil {
		return nil, fmt.Errorf("no address space: %w", gpuerr.InvalidState)
	}
	c := &Context{
		m:        m,
		vm:       opts.VM,
		priority: opts.Priority,
		override: PriorityUnset,
	}
	c.resetsAtCreate = m.resets.Load()
	c.resetsQueried = c.resetsAtCreate

	// Setup runs with c.mu held so the context is never observed half
	// built.
	c.mu.Lock()
	defer c.mu.Unlock()
	m.mu.Lock()
	id, err := m.allocHandleLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	c.handle = id
	m.handles.ReplaceOrInsert(handleItem{id: id, ctx: c})
	m.mu.Unlock()

	if opts.Preemptible || opts.Trusted {
		if err := c.setupPreemptionLocked(ctx, opts.Trusted); err != nil {
			c.preemptErr = fmt.Errorf("context %d: %w: %w: %w", id, ErrPreemptionUnavailable, gpuerr.ResourceBusy, err)
			log.Warningf("gpuctx: %v", c.preemptErr)
		}
	}
	log.Infof("gpuctx: created context %d (pasid %d, priority %v, path %v)", id, opts.VM.PASID(), opts.Priority, c.pathLocked())
	return c, nil
}

// allocHandleLocked returns the lowest free handle.
//
// Preconditions: m.mu must be locked.
func (m *Manager) allocHandleLocked() (uint32, error) {
	next := uint32(1)
	m.handles.Ascend(func(it handleItem) bool {
		if it.id != next {
			return false
		}
		next++
		return true
	})
	if int(next) > m.max {
		return 0, fmt.Errorf("all %d context handles in use: %w", m.max, gpuerr.ResourceBusy)
	}
	return next, nil
}

// Get returns the context with the given handle.
func (m *Manager) Get(handle uint32) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.handles.Get(handleItem{id: handle})
	if !ok {
		return nil, fmt.Errorf("context %d: %w", handle, gpuerr.InvalidState)
	}
	return it.ctx, nil
}

// Contexts returns the live contexts in handle order.
func (m *Manager) Contexts() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Context, 0, m.handles.Len())
	m.handles.Ascend(func(it handleItem) bool {
		all = append(all, it.ctx)
		return true
	})
	return all
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles.Len()
}

// Destroy destroys the context with the given handle, releasing its
// scheduling entry, its ring and its save/restore memory.
func (m *Manager) Destroy(handle uint32) error {
	m.mu.Lock()
	it, ok := m.handles.Delete(handleItem{id: handle})
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("context %d: %w", handle, gpuerr.InvalidState)
	}
	it.ctx.destroy()
	log.Infof("gpuctx: destroyed context %d", handle)
	return nil
}

// Close destroys every context.
func (m *Manager) Close() {
	all := m.Contexts()
	m.mu.Lock()
	m.handles.Clear(false)
	m.mu.Unlock()
	for _, c := range all {
		c.destroy()
	}
}

// NotifyReset records a device reset. The contexts named by guilty caused
// it. Quarantined scheduling entries are recovered; the number recovered is
// returned.
func (m *Manager) NotifyReset(guilty ...uint32) int {
	gen := m.resets.Add(1)
	for _, h := range guilty {
		c, err := m.Get(h)
		if err != nil {
			log.Warningf("gpuctx: reset %d: guilty %v", gen, err)
			continue
		}
		c.mu.Lock()
		c.guilty = true
		c.mu.Unlock()
	}
	n := m.sched.Recover()
	log.Infof("gpuctx: reset %d: %d guilty contexts, %d entries recovered", gen, len(guilty), n)
	return n
}

// Resets returns the number of device resets so far.
func (m *Manager) Resets() uint64 {
	return m.resets.Load()
}

func (m *Manager) retainOrdinary(r hw.Ring) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordinaryRefs[r.ID()]++
	if m.ordinaryRefs[r.ID()] == 1 {
		m.sched.AddOrdinaryRing(r)
	}
}

func (m *Manager) releaseOrdinary(r hw.Ring) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordinaryRefs[r.ID()]--
	if m.ordinaryRefs[r.ID()] <= 0 {
		delete(m.ordinaryRefs, r.ID())
		m.sched.RemoveOrdinaryRing(r)
	}
}
