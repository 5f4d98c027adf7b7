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

// Package hw defines the hardware collaborators of the GPU compute-queue
// scheduler: the ring/submission layer, the fence and interrupt layer, and the
// per-process GPU virtual memory layer. The scheduler only ever talks to
// hardware through these interfaces; one RingBackend implementation exists per
// hardware generation.
package hw

import (
	"fmt"
)

// VMID selects the GPU virtual-address-space translation context a queue
// executes under.
type VMID uint32

// Hub identifies a GPU memory hub with its own TLB.
type Hub int

// Hubs.
const (
	HubGFX Hub = iota
	HubMM
)

func (h Hub) String() string {
	switch h {
	case HubGFX:
		return "gfxhub"
	case HubMM:
		return "mmhub"
	default:
		return fmt.Sprintf("hub%d", int(h))
	}
}

// QueueID is the engine/pipe/queue coordinate of a hardware compute queue.
type QueueID struct {
	Engine int
	Pipe   int
	Queue  int
}

func (q QueueID) String() string {
	return fmt.Sprintf("mec%d.pipe%d.q%d", q.Engine, q.Pipe, q.Queue)
}

// Priority is the hardware pipe/queue priority programmed into a queue
// descriptor.
type Priority int

// Hardware priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Assignment is what the scheduler hands to the submission layer when a ring
// is given a hardware queue. The submission layer must program both the queue
// coordinates and the VMID into its command stream.
type Assignment struct {
	Queue    QueueID
	VMID     VMID
	Priority Priority
	Trusted  bool
}

// UnmapMode selects how a mapped queue is removed from the hardware.
type UnmapMode int

const (
	// UnmapPreempt asks the hardware to save in-flight waves and stop the
	// queue gracefully. The queue descriptor remains valid for a relaunch.
	UnmapPreempt UnmapMode = iota

	// UnmapReset tears the queue down without preserving wave state.
	UnmapReset
)

func (m UnmapMode) String() string {
	if m == UnmapPreempt {
		return "preempt"
	}
	return "reset"
}

// IP is a hardware engine type that ordinary submission entities target.
type IP int

// Hardware IP blocks with ordinary submission rings.
const (
	IPGFX IP = iota
	IPCompute
	IPDMA
	NumIPs
)

func (ip IP) String() string {
	switch ip {
	case IPGFX:
		return "gfx"
	case IPCompute:
		return "compute"
	case IPDMA:
		return "dma"
	default:
		return fmt.Sprintf("IP(%d)", int(ip))
	}
}

// Ring is a submission ring owned by the ring/submission layer.
type Ring interface {
	// ID returns a device-unique ring identifier.
	ID() uint32

	// Name returns a human readable ring name.
	Name() string
}

// Fence is a completion fence for one submission.
type Fence interface {
	// Signaled returns true once the work covered by the fence is done.
	Signaled() bool
}

// RingBackend is the per-generation ring capability interface.
type RingBackend interface {
	// Generation returns the hardware generation served by the backend.
	Generation() Generation

	// IsRingIdle returns true if the last submitted sequence on r has
	// signaled.
	IsRingIdle(r Ring) bool

	// InitMQD initializes r's queue descriptor for a first mapping.
	InitMQD(r Ring, a Assignment) error

	// UpdateMQD rewrites the queue and VMID fields of an existing queue
	// descriptor so that r can be relaunched on a different hardware queue.
	UpdateMQD(r Ring, a Assignment) error

	// MapQueue maps r onto the hardware queue in a.
	MapQueue(r Ring, a Assignment) error

	// UnmapQueue removes r from its hardware queue.
	UnmapQueue(r Ring, mode UnmapMode) error

	// ProcessFenceEvents drains r's completion counter and returns whether
	// any event fired.
	ProcessFenceEvents(r Ring) bool
}

// IRQController enables end-of-pipe interrupts per (engine, pipe).
type IRQController interface {
	EnableIRQ(engine, pipe int) error
	DisableIRQ(engine, pipe int)
}

// TLBFlusher invalidates translation caches.
type TLBFlusher interface {
	FlushTLB(vmid VMID, hub Hub)
}

// RingSpec describes the memory backing a ring that the scheduler may map to
// a hardware queue.
type RingSpec struct {
	Name       string
	PASID      uint32
	RingVA     Addr
	RingSize   uint64
	MQDVA      Addr
	SaveAreaVA Addr
	SaveSize   uint64
	Trusted    bool
	ContextID  uint32
}

// RingProvider creates and destroys rings backed by caller-provided memory.
type RingProvider interface {
	CreateRing(spec RingSpec) (Ring, error)
	DestroyRing(r Ring)
}
