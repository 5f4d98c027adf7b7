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

package hw

import (
	"fmt"
)

// Addr represents a GPU virtual address.
type Addr uint64

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of two. ok is true iff rounding up did not wrap
// around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = (v + Addr(align-1)) &^ Addr(align-1)
	ok = addr >= v
	return
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

func (v Addr) String() string {
	return fmt.Sprintf("%#016x", uint64(v))
}

// RoundUpSize rounds size up to a multiple of align, which must be a power of
// two.
func RoundUpSize(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// Domain selects where a buffer object is placed.
type Domain uint32

// Placement domains and flags.
const (
	DomainGTT Domain = 1 << iota
	DomainVRAM

	// DomainEncrypted places the buffer in trusted memory.
	DomainEncrypted
)

// MapFlags are GPU page-table flags.
type MapFlags uint32

// Mapping flags.
const (
	MapReadable MapFlags = 1 << iota
	MapWritable
	MapExecutable
	MapUncached
)

// BufferObject is a kernel buffer object.
type BufferObject interface {
	Size() uint64
}

// VM is one process's GPU virtual address space.
type VM interface {
	// PASID identifies the address space.
	PASID() uint32

	// CreateBuffer allocates a buffer object.
	CreateBuffer(size uint64, domain Domain) (BufferObject, error)

	// MapAt maps bo at the fixed address va. The returned fence signals
	// when the page-table update is visible to the GPU.
	MapAt(bo BufferObject, va Addr, flags MapFlags) (Fence, error)

	// Unmap removes the mapping of bo at va.
	Unmap(bo BufferObject, va Addr) error

	// FreeBuffer releases bo.
	FreeBuffer(bo BufferObject)
}
