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

// Package cwsr allocates the memory a queue needs before it can be scheduled
// with compute wave save/restore: per-process write-back, end-of-pipe and
// trap handler buffers shared by every ring of an address space, and per-ring
// ring buffer, queue descriptor and wave save area.
//
// All buffers of an address space live in one reserved window at fixed
// offsets, so a buffer's address is a pure function of the ring's slot index.
// Slots come from a bounded free-slot allocator. One extra slot, past the
// last ordinary one, is reserved for the trusted queue.
//
// Lock ordering:
//
//	Allocator.trustedMu
//	  Allocator.mu
package cwsr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cenkalti/backoff"
	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// DefaultBase is the default start of the reserved window.
const DefaultBase hw.Addr = 0x7f00_0000_0000

// DefaultMaxSlots is the default number of ordinary ring slots.
const DefaultMaxSlots = 64

// DefaultMapTimeout bounds the wait for a page table update.
const DefaultMapTimeout = time.Second

// Options configures an Allocator.
type Options struct {
	// Traits sizes the buffers.
	Traits hw.Traits

	// Base is the start of the reserved window in every address space.
	Base hw.Addr

	// MaxSlots is the number of ordinary ring slots.
	MaxSlots int

	// MapTimeout bounds the wait for each page table update.
	MapTimeout time.Duration
}

// Allocator allocates queue memory. It is safe for concurrent use.
type Allocator struct {
	layout     Layout
	maxSlots   int
	mapTimeout time.Duration

	// trustedMu serializes trusted ring allocation. It is taken before mu.
	trustedMu sync.Mutex

	// +checklocks:trustedMu
	trustedInUse bool

	mu sync.Mutex

	// slots tracks allocated ordinary ring slots.
	//
	// +checklocks:mu
	slots *bitset.BitSet
	// +checklocks:mu
	procs map[uint32]*ProcessResources
}

// NewAllocator returns an allocator for opts.
func NewAllocator(opts Options) (*Allocator, error) {
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if opts.MaxSlots == 0 {
		opts.MaxSlots = DefaultMaxSlots
	}
	if opts.MapTimeout == 0 {
		opts.MapTimeout = DefaultMapTimeout
	}
	if opts.MaxSlots < 0 {
		return nil, fmt.Errorf("cwsr: invalid slot count %d", opts.MaxSlots)
	}
	l, err := NewLayout(opts.Base, opts.Traits)
	if err != nil {
		return nil, fmt.Errorf("cwsr: %w", err)
	}
	// The trusted slot follows the ordinary ones.
	if _, ok := l.End(opts.MaxSlots + 1); !ok {
		return nil, fmt.Errorf("cwsr: window of %d slots at %v overflows", opts.MaxSlots+1, opts.Base)
	}
	return &Allocator{
		layout:     l,
		maxSlots:   opts.MaxSlots,
		mapTimeout: opts.MapTimeout,
		slots:      bitset.New(uint(opts.MaxSlots)),
		procs:      make(map[uint32]*ProcessResources),
	}, nil
}

// Layout returns the window layout.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// SlotsInUse returns the number of allocated ordinary ring slots.
func (a *Allocator) SlotsInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.slots.Count())
}

// buffer is one mapped buffer object.
type buffer struct {
	bo hw.BufferObject
	va hw.Addr
}

// allocBuffer creates a buffer of size bytes in domain and maps it at va,
// waiting for the page table update. On success a function that unmaps and
// frees the buffer is added to cu.
func (a *Allocator) allocBuffer(ctx context.Context, cu *cleanup.Cleanup, vm hw.VM, what string, size uint64, domain hw.Domain, va hw.Addr, flags hw.MapFlags) (buffer, error) {
	bo, err := vm.CreateBuffer(size, domain)
	if err != nil {
		return buffer{}, fmt.Errorf("creating %s buffer: %v: %w", what, err, gpuerr.AllocationFailed)
	}
	f, err := vm.MapAt(bo, va, flags)
	if err != nil {
		vm.FreeBuffer(bo)
		return buffer{}, fmt.Errorf("mapping %s buffer at %v: %v: %w", what, va, err, gpuerr.AllocationFailed)
	}
	b := buffer{bo: bo, va: va}
	cu.Add(func() { a.freeBuffer(vm, what, b) })
	if err := a.waitMapped(ctx, f); err != nil {
		return buffer{}, fmt.Errorf("mapping %s buffer at %v: %w", what, va, err)
	}
	return b, nil
}

// freeBuffer unmaps and frees b.
func (a *Allocator) freeBuffer(vm hw.VM, what string, b buffer) {
	if err := vm.Unmap(b.bo, b.va); err != nil {
		log.Warningf("cwsr: unmapping %s buffer at %v: %v", what, b.va, err)
	}
	vm.FreeBuffer(b.bo)
}

// waitMapped polls f until it signals, ctx is done or the map timeout
// expires.
func (a *Allocator) waitMapped(ctx context.Context, f hw.Fence) error {
	if f.Signaled() {
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Microsecond
	eb.MaxInterval = 10 * time.Millisecond
	eb.MaxElapsedTime = a.mapTimeout
	// The ticker closes C once the map timeout has elapsed.
	t := backoff.NewTicker(eb)
	defer t.Stop()
	for {
		select {
		case _, ok := <-t.C:
			if f.Signaled() {
				return nil
			}
			if !ok {
				return fmt.Errorf("waiting %v for page table update: %w", a.mapTimeout, gpuerr.AllocationFailed)
			}
		case <-ctx.Done():
			if f.Signaled() {
				return nil
			}
			return ctx.Err()
		}
	}
}

// ProcessResources are the buffers shared by every ring of one address
// space.
type ProcessResources struct {
	vm hw.VM

	// refs is protected by Allocator.mu.
	refs int

	writeBack buffer
	eop       buffer
	trap      buffer
	teardown  func()
}

// VM returns the address space.
func (p *ProcessResources) VM() hw.VM {
	return p.vm
}

// WriteBackVA returns the address of the write-back buffer.
func (p *ProcessResources) WriteBackVA() hw.Addr {
	return p.writeBack.va
}

// EOPVA returns the address of the end-of-pipe buffer.
func (p *ProcessResources) EOPVA() hw.Addr {
	return p.eop.va
}

// TrapVA returns the address of the trap handler buffer.
func (p *ProcessResources) TrapVA() hw.Addr {
	return p.trap.va
}

// AcquireProcess returns vm's per-process resources, creating them for the
// first caller. Every successful call must be paired with ReleaseProcess.
func (a *Allocator) AcquireProcess(ctx context.Context, vm hw.VM) (*ProcessResources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquireProcessLocked(ctx, vm)
}

// Preconditions: a.mu must be locked.
func (a *Allocator) acquireProcessLocked(ctx context.Context, vm hw.VM) (*ProcessResources, error) {
	if p, ok := a.procs[vm.PASID()]; ok {
		p.refs++
		return p, nil
	}
	l := a.layout
	var cu cleanup.Cleanup
	defer cu.Clean()
	p := &ProcessResources{vm: vm, refs: 1}
	var err error
	if p.writeBack, err = a.allocBuffer(ctx, &cu, vm, "write-back", l.WriteBackSize, hw.DomainGTT, l.WriteBackVA(), hw.MapReadable|hw.MapWritable|hw.MapUncached); err != nil {
		return nil, err
	}
	if p.eop, err = a.allocBuffer(ctx, &cu, vm, "end-of-pipe", l.EOPSize, hw.DomainGTT, l.EOPVA(), hw.MapReadable|hw.MapWritable); err != nil {
		return nil, err
	}
	if p.trap, err = a.allocBuffer(ctx, &cu, vm, "trap handler", l.TrapSize, hw.DomainVRAM, l.TrapVA(), hw.MapReadable|hw.MapExecutable); err != nil {
		return nil, err
	}
	p.teardown = cu.Release()
	a.procs[vm.PASID()] = p
	log.Infof("cwsr: pasid %d: process buffers at %v", vm.PASID(), l.Base)
	return p, nil
}

// ReleaseProcess drops a reference to p. The buffers are freed with the last
// reference.
func (a *Allocator) ReleaseProcess(p *ProcessResources) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseProcessLocked(p)
}

// Preconditions: a.mu must be locked.
func (a *Allocator) releaseProcessLocked(p *ProcessResources) error {
	if p.refs <= 0 {
		return fmt.Errorf("pasid %d: process resources already released: %w", p.vm.PASID(), gpuerr.InvalidState)
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	delete(a.procs, p.vm.PASID())
	p.teardown()
	log.Infof("cwsr: pasid %d: process buffers freed", p.vm.PASID())
	return nil
}

// ProcessRefs returns the reference count of pasid's per-process resources,
// or 0 if there are none.
func (a *Allocator) ProcessRefs(pasid uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.procs[pasid]; ok {
		return p.refs
	}
	return 0
}
