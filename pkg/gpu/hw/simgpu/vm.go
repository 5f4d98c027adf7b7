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

package simgpu

import (
	"fmt"
	"sync"

	"gvisor.dev/gpusched/pkg/gpu/hw"
)

// VM is a simulated per-process GPU address space. It implements hw.VM.
type VM struct {
	dev   *Device
	pasid uint32

	mu sync.Mutex

	// +checklocks:mu
	mappings map[hw.Addr]*BufferObject
	// +checklocks:mu
	live int
	// +checklocks:mu
	failCreate int
	// +checklocks:mu
	failMap int
	// +checklocks:mu
	failMapIn int
	// +checklocks:mu
	mapLatency int
}

var _ hw.VM = (*VM)(nil)

// NewVM creates an address space with a fresh PASID.
func (d *Device) NewVM() *VM {
	return &VM{
		dev:      d,
		pasid:    d.NewPASID(),
		mappings: make(map[hw.Addr]*BufferObject),
	}
}

// BufferObject is a simulated buffer object.
type BufferObject struct {
	size   uint64
	domain hw.Domain
	freed  bool
}

// Size implements hw.BufferObject.Size.
func (bo *BufferObject) Size() uint64 {
	return bo.size
}

// Domain returns the placement the buffer was created with.
func (bo *BufferObject) Domain() hw.Domain {
	return bo.domain
}

// PASID implements hw.VM.PASID.
func (vm *VM) PASID() uint32 {
	return vm.pasid
}

// FailCreate makes the next n buffer creations fail.
func (vm *VM) FailCreate(n int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.failCreate += n
}

// FailMap makes the next n mappings fail.
func (vm *VM) FailMap(n int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.failMap += n
}

// FailMapAfter makes the mapping after the next skip successful ones fail.
func (vm *VM) FailMapAfter(skip int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.failMapIn = skip + 1
}

// SetMapLatency sets how many times a mapping fence must be polled before it
// signals.
func (vm *VM) SetMapLatency(polls int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.mapLatency = polls
}

// CreateBuffer implements hw.VM.CreateBuffer.
func (vm *VM) CreateBuffer(size uint64, domain hw.Domain) (hw.BufferObject, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.failCreate > 0 {
		vm.failCreate--
		return nil, fmt.Errorf("simgpu: out of %v memory creating %d bytes", domain, size)
	}
	vm.live++
	return &BufferObject{size: size, domain: domain}, nil
}

// MapAt implements hw.VM.MapAt.
func (vm *VM) MapAt(hbo hw.BufferObject, va hw.Addr, flags hw.MapFlags) (hw.Fence, error) {
	bo := hbo.(*BufferObject)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.failMapIn > 0 {
		vm.failMapIn--
		if vm.failMapIn == 0 {
			return nil, fmt.Errorf("simgpu: page table update at %v failed", va)
		}
	}
	if vm.failMap > 0 {
		vm.failMap--
		return nil, fmt.Errorf("simgpu: page table update at %v failed", va)
	}
	if bo.freed {
		return nil, fmt.Errorf("simgpu: mapping freed buffer at %v", va)
	}
	end, ok := va.AddLength(bo.size)
	if !ok {
		return nil, fmt.Errorf("simgpu: mapping at %v overflows", va)
	}
	for start, other := range vm.mappings {
		otherEnd, _ := start.AddLength(other.size)
		if start < end && va < otherEnd {
			return nil, fmt.Errorf("simgpu: mapping [%v, %v) overlaps [%v, %v)", va, end, start, otherEnd)
		}
	}
	vm.mappings[va] = bo
	return &mapFence{remaining: vm.mapLatency, vm: vm}, nil
}

// Unmap implements hw.VM.Unmap.
func (vm *VM) Unmap(hbo hw.BufferObject, va hw.Addr) error {
	bo := hbo.(*BufferObject)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.mappings[va] != bo {
		return fmt.Errorf("simgpu: buffer is not mapped at %v", va)
	}
	delete(vm.mappings, va)
	return nil
}

// FreeBuffer implements hw.VM.FreeBuffer.
func (vm *VM) FreeBuffer(hbo hw.BufferObject) {
	bo := hbo.(*BufferObject)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if bo.freed {
		panic("simgpu: double free of buffer object")
	}
	bo.freed = true
	vm.live--
}

// Mappings returns the number of live mappings.
func (vm *VM) Mappings() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.mappings)
}

// MappedAt returns the buffer mapped at va, if any.
func (vm *VM) MappedAt(va hw.Addr) (*BufferObject, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	bo, ok := vm.mappings[va]
	return bo, ok
}

// LiveBuffers returns the number of buffers created and not yet freed.
func (vm *VM) LiveBuffers() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.live
}

// mapFence signals after it has been polled a fixed number of times.
type mapFence struct {
	vm        *VM
	remaining int
}

// Signaled implements hw.Fence.Signaled.
func (f *mapFence) Signaled() bool {
	f.vm.mu.Lock()
	defer f.vm.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return false
	}
	return true
}
