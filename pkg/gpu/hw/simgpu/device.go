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

// Package simgpu implements the hardware collaborators of package hw in
// software. It models rings, fences, queue mapping, end-of-pipe interrupts,
// TLB flushes and per-process address spaces, and supports fault injection so
// that the scheduler's failure paths can be exercised.
//
// Lock ordering:
//
//   - Device.mu
//   - VM.mu
package simgpu

import (
	"fmt"
	"sync"

	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// Op is a hardware operation that can be made to fail.
type Op int

// Injectable operations.
const (
	OpInitMQD Op = iota
	OpUpdateMQD
	OpMap
	OpUnmap
)

func (o Op) String() string {
	switch o {
	case OpInitMQD:
		return "init-mqd"
	case OpUpdateMQD:
		return "update-mqd"
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

type failure struct {
	op   Op
	ring uint32 // 0 matches any ring.
}

type pipeKey struct {
	engine int
	pipe   int
}

// Device is a simulated GPU. It implements hw.RingBackend, hw.IRQController,
// hw.TLBFlusher and hw.RingProvider.
type Device struct {
	gen    hw.Generation
	traits hw.Traits
	ops    generationOps

	mu sync.Mutex

	// +checklocks:mu
	nextRing uint32
	// +checklocks:mu
	nextPASID uint32
	// +checklocks:mu
	rings map[uint32]*Ring
	// +checklocks:mu
	queues map[hw.QueueID]*Ring
	// +checklocks:mu
	irqs map[pipeKey]bool
	// +checklocks:mu
	flushes map[hw.VMID]int
	// +checklocks:mu
	failures map[failure]int
	// +checklocks:mu
	handler func(engine, pipe int)
}

var (
	_ hw.RingBackend   = (*Device)(nil)
	_ hw.IRQController = (*Device)(nil)
	_ hw.TLBFlusher    = (*Device)(nil)
	_ hw.RingProvider  = (*Device)(nil)
)

// New returns a simulated device of generation gen.
func New(gen hw.Generation) (*Device, error) {
	t, ok := hw.TraitsFor(gen)
	if !ok {
		return nil, fmt.Errorf("unsupported generation %v", gen)
	}
	ops, ok := genOps[gen]
	if !ok {
		return nil, fmt.Errorf("no queue descriptor layout for %v", gen)
	}
	return &Device{
		gen:       gen,
		traits:    t,
		ops:       ops,
		nextRing:  1,
		nextPASID: 1,
		rings:     make(map[uint32]*Ring),
		queues:    make(map[hw.QueueID]*Ring),
		irqs:      make(map[pipeKey]bool),
		flushes:   make(map[hw.VMID]int),
		failures:  make(map[failure]int),
	}, nil
}

// Traits returns the device's generation traits.
func (d *Device) Traits() hw.Traits {
	return d.traits
}

// Generation implements hw.RingBackend.Generation.
func (d *Device) Generation() hw.Generation {
	return d.gen
}

// SetInterruptHandler installs f to be called for every end-of-pipe
// interrupt raised on an enabled (engine, pipe).
func (d *Device) SetInterruptHandler(f func(engine, pipe int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = f
}

// FailNext makes the next n invocations of op on the ring with the given id
// fail. A ring id of 0 matches any ring.
func (d *Device) FailNext(op Op, ring uint32, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[failure{op, ring}] += n
}

// Preconditions: d.mu must be locked.
func (d *Device) injectedLocked(op Op, r *Ring) error {
	for _, f := range []failure{{op, r.id}, {op, 0}} {
		if n := d.failures[f]; n > 0 {
			if n == 1 {
				delete(d.failures, f)
			} else {
				d.failures[f] = n - 1
			}
			return fmt.Errorf("simgpu: injected %v failure on ring %s", op, r.name)
		}
	}
	return nil
}

// NewRing creates an ordinary, kernel-owned submission ring.
func (d *Device) NewRing(name string) *Ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newRingLocked(name, hw.RingSpec{Name: name})
}

// Preconditions: d.mu must be locked.
func (d *Device) newRingLocked(name string, spec hw.RingSpec) *Ring {
	r := &Ring{
		dev:  d,
		id:   d.nextRing,
		name: name,
		spec: spec,
	}
	d.nextRing++
	d.rings[r.id] = r
	return r
}

// CreateRing implements hw.RingProvider.CreateRing.
func (d *Device) CreateRing(spec hw.RingSpec) (hw.Ring, error) {
	if spec.RingSize == 0 {
		return nil, fmt.Errorf("simgpu: ring %q has no backing memory", spec.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.newRingLocked(spec.Name, spec)
	r.mqd = make([]byte, d.traits.MQDSize)
	return r, nil
}

// DestroyRing implements hw.RingProvider.DestroyRing.
func (d *Device) DestroyRing(hr hw.Ring) {
	r := hr.(*Ring)
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.mapped {
		log.Warningf("simgpu: destroying ring %s while mapped on %v", r.name, r.assignment.Queue)
		delete(d.queues, r.assignment.Queue)
		r.mapped = false
	}
	delete(d.rings, r.id)
}

func (d *Device) ring(hr hw.Ring) *Ring {
	r, ok := hr.(*Ring)
	if !ok || r.dev != d {
		panic(fmt.Sprintf("simgpu: foreign ring %v", hr))
	}
	return r
}

// IsRingIdle implements hw.RingBackend.IsRingIdle.
func (d *Device) IsRingIdle(hr hw.Ring) bool {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.completed >= r.submitted
}

// InitMQD implements hw.RingBackend.InitMQD.
func (d *Device) InitMQD(hr hw.Ring, a hw.Assignment) error {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(OpInitMQD, r); err != nil {
		return err
	}
	if r.mqd == nil {
		return fmt.Errorf("simgpu: ring %s has no queue descriptor", r.name)
	}
	d.ops.initMQD(r.mqd, a, r.spec)
	return nil
}

// UpdateMQD implements hw.RingBackend.UpdateMQD.
func (d *Device) UpdateMQD(hr hw.Ring, a hw.Assignment) error {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(OpUpdateMQD, r); err != nil {
		return err
	}
	if r.mqd == nil || !d.ops.valid(r.mqd) {
		return fmt.Errorf("simgpu: ring %s queue descriptor not initialized", r.name)
	}
	d.ops.updateMQD(r.mqd, a)
	return nil
}

// MapQueue implements hw.RingBackend.MapQueue.
func (d *Device) MapQueue(hr hw.Ring, a hw.Assignment) error {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(OpMap, r); err != nil {
		return err
	}
	if r.mqd == nil || !d.ops.valid(r.mqd) {
		return fmt.Errorf("simgpu: ring %s queue descriptor not initialized", r.name)
	}
	if got := d.ops.decode(r.mqd); got.Queue != a.Queue || got.VMID != a.VMID || got.Priority != a.Priority {
		return fmt.Errorf("simgpu: ring %s descriptor %+v does not match assignment %+v", r.name, got, a)
	}
	if r.mapped {
		return fmt.Errorf("simgpu: ring %s already mapped on %v", r.name, r.assignment.Queue)
	}
	if other, ok := d.queues[a.Queue]; ok {
		return fmt.Errorf("simgpu: queue %v already holds ring %s", a.Queue, other.name)
	}
	for _, other := range d.queues {
		if other.assignment.VMID == a.VMID && other.spec.PASID != r.spec.PASID {
			return fmt.Errorf("simgpu: vmid %d already used by pasid %d", a.VMID, other.spec.PASID)
		}
	}
	r.mapped = true
	r.assignment = a
	r.maps++
	d.queues[a.Queue] = r
	return nil
}

// UnmapQueue implements hw.RingBackend.UnmapQueue.
func (d *Device) UnmapQueue(hr hw.Ring, mode hw.UnmapMode) error {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(OpUnmap, r); err != nil {
		return err
	}
	if !r.mapped {
		return fmt.Errorf("simgpu: ring %s is not mapped", r.name)
	}
	delete(d.queues, r.assignment.Queue)
	r.mapped = false
	if mode == hw.UnmapReset {
		clear(r.mqd)
	}
	return nil
}

// ProcessFenceEvents implements hw.RingBackend.ProcessFenceEvents.
func (d *Device) ProcessFenceEvents(hr hw.Ring) bool {
	r := d.ring(hr)
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.completed == r.processed {
		return false
	}
	r.processed = r.completed
	return true
}

// EnableIRQ implements hw.IRQController.EnableIRQ.
func (d *Device) EnableIRQ(engine, pipe int) error {
	if engine < 0 || engine >= d.traits.Engines || pipe < 0 || pipe >= d.traits.PipesPerEngine {
		return fmt.Errorf("simgpu: no pipe mec%d.pipe%d", engine, pipe)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqs[pipeKey{engine, pipe}] = true
	return nil
}

// DisableIRQ implements hw.IRQController.DisableIRQ.
func (d *Device) DisableIRQ(engine, pipe int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.irqs, pipeKey{engine, pipe})
}

// IRQEnabled returns whether end-of-pipe interrupts are enabled for the pipe.
func (d *Device) IRQEnabled(engine, pipe int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irqs[pipeKey{engine, pipe}]
}

// FlushTLB implements hw.TLBFlusher.FlushTLB.
func (d *Device) FlushTLB(vmid hw.VMID, hub hw.Hub) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes[vmid]++
}

// Flushes returns the number of TLB flushes issued for vmid.
func (d *Device) Flushes(vmid hw.VMID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes[vmid]
}

// MappedQueues returns the ring currently mapped on each hardware queue.
func (d *Device) MappedQueues() map[hw.QueueID]*Ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := make(map[hw.QueueID]*Ring, len(d.queues))
	for q, r := range d.queues {
		m[q] = r
	}
	return m
}

// NewPASID returns a fresh process address space identifier.
func (d *Device) NewPASID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.nextPASID
	d.nextPASID++
	return p
}
