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

	"gvisor.dev/gpusched/pkg/gpu/hw"
)

// Ring is a simulated submission ring.
type Ring struct {
	dev  *Device
	id   uint32
	name string
	spec hw.RingSpec

	// The following fields are protected by dev.mu.
	submitted  uint64
	completed  uint64
	processed  uint64
	mapped     bool
	maps       int
	assignment hw.Assignment
	mqd        []byte
}

var _ hw.Ring = (*Ring)(nil)

// ID implements hw.Ring.ID.
func (r *Ring) ID() uint32 {
	return r.id
}

// Name implements hw.Ring.Name.
func (r *Ring) Name() string {
	return r.name
}

func (r *Ring) String() string {
	return fmt.Sprintf("%s(%d)", r.name, r.id)
}

// Submit queues one unit of work and returns its fence.
func (r *Ring) Submit() *Fence {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	r.submitted++
	return &Fence{r: r, seq: r.submitted}
}

// Complete retires up to n submitted units of work, raising an end-of-pipe
// interrupt if the ring is mapped on a pipe with interrupts enabled.
func (r *Ring) Complete(n int) {
	d := r.dev
	d.mu.Lock()
	r.completed = min(r.completed+uint64(n), r.submitted)
	var handler func(engine, pipe int)
	q := r.assignment.Queue
	if r.mapped && d.irqs[pipeKey{q.Engine, q.Pipe}] {
		handler = d.handler
	}
	d.mu.Unlock()
	if handler != nil {
		handler(q.Engine, q.Pipe)
	}
}

// CompleteAll retires all submitted work.
func (r *Ring) CompleteAll() {
	r.Complete(int(r.Pending()))
}

// Pending returns the number of submitted but unretired units of work.
func (r *Ring) Pending() uint64 {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	return r.submitted - r.completed
}

// Assignment returns the hardware queue the ring is mapped on, if any.
func (r *Ring) Assignment() (hw.Assignment, bool) {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	return r.assignment, r.mapped
}

// Maps returns how many times the ring has been mapped.
func (r *Ring) Maps() int {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	return r.maps
}

// Spec returns the memory layout the ring was created with.
func (r *Ring) Spec() hw.RingSpec {
	return r.spec
}

// Fence is the completion fence of one submission.
type Fence struct {
	r   *Ring
	seq uint64
}

var _ hw.Fence = (*Fence)(nil)

// Signaled implements hw.Fence.Signaled.
func (f *Fence) Signaled() bool {
	f.r.dev.mu.Lock()
	defer f.r.dev.mu.Unlock()
	return f.r.completed >= f.seq
}

// Seq returns the ring sequence number the fence waits for.
func (f *Fence) Seq() uint64 {
	return f.seq
}
