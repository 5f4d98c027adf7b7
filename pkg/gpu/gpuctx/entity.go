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
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
)

// DefaultFenceSlots is the number of recent fences an entity remembers.
const DefaultFenceSlots = 32

// Entity is a context's ordinary submission stream on one kernel ring. It
// remembers the fences of its last submissions so they can be queried and
// waited on by sequence number.
type Entity struct {
	ctx  *Context
	ip   hw.IP
	ring hw.Ring

	mu sync.Mutex

	// +checklocks:mu
	priority hw.Priority

	// sequence is the number the next fence will get. Sequence numbers
	// start at 1.
	//
	// +checklocks:mu
	sequence uint64

	// fences[seq % len(fences)] is the fence of submission seq.
	//
	// +checklocks:mu
	fences []hw.Fence
}

func newEntity(c *Context, ip hw.IP, ring hw.Ring, slots int, prio hw.Priority) *Entity {
	return &Entity{
		ctx:      c,
		ip:       ip,
		ring:     ring,
		priority: prio,
		sequence: 1,
		fences:   make([]hw.Fence, slots),
	}
}

func (e *Entity) String() string {
	return fmt.Sprintf("ctx%d.%v.%s", e.ctx.handle, e.ip, e.ring.Name())
}

// IP returns the engine type e submits to.
func (e *Entity) IP() hw.IP {
	return e.ip
}

// Ring returns the kernel ring e submits to.
func (e *Entity) Ring() hw.Ring {
	return e.ring
}

// Priority returns the hardware priority of e's submissions.
func (e *Entity) Priority() hw.Priority {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.priority
}

func (e *Entity) setPriority(p hw.Priority) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priority = p
}

// Sequence returns the sequence number the next fence will get.
func (e *Entity) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// AddFence records f as the fence of the next submission and returns its
// sequence number. It fails with ResourceBusy if the slot f would take still
// holds an unsignaled fence; callers use WaitPrevFence first.
func (e *Entity) AddFence(f hw.Fence) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.sequence % uint64(len(e.fences))
	if old := e.fences[idx]; old != nil && !old.Signaled() {
		return 0, fmt.Errorf("%v: fence %d still pending: %w", e, e.sequence-uint64(len(e.fences)), gpuerr.ResourceBusy)
	}
	seq := e.sequence
	e.fences[idx] = f
	e.sequence++
	return seq, nil
}

// Fence returns the fence of submission seq. Fences too old to be remembered
// are reported as nil, which callers treat as signaled. A sequence number
// that has not been handed out yet is an error.
func (e *Entity) Fence(seq uint64) (hw.Fence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fenceLocked(seq)
}

// Preconditions: e.mu must be locked.
func (e *Entity) fenceLocked(seq uint64) (hw.Fence, error) {
	if seq >= e.sequence {
		return nil, fmt.Errorf("%v: fence %d not yet submitted (next %d): %w", e, seq, e.sequence, gpuerr.InvalidState)
	}
	n := uint64(len(e.fences))
	if seq == 0 || seq+n < e.sequence {
		return nil, nil
	}
	return e.fences[seq%n], nil
}

// Wait blocks until submission seq has completed or ctx is done.
func (e *Entity) Wait(ctx context.Context, seq uint64) error {
	f, err := e.Fence(seq)
	if err != nil {
		return err
	}
	return waitFence(ctx, f)
}

// WaitPrevFence blocks until the fence occupying the slot of the next
// submission has signaled, so that the following AddFence succeeds.
func (e *Entity) WaitPrevFence(ctx context.Context) error {
	e.mu.Lock()
	f := e.fences[e.sequence%uint64(len(e.fences))]
	e.mu.Unlock()
	return waitFence(ctx, f)
}

// waitFence polls f with exponential backoff until it signals or ctx is
// done.
func waitFence(ctx context.Context, f hw.Fence) error {
	if f == nil || f.Signaled() {
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Microsecond
	eb.MaxInterval = 5 * time.Millisecond
	eb.MaxElapsedTime = 0
	t := backoff.NewTicker(eb)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if f.Signaled() {
				return nil
			}
		case <-ctx.Done():
			if f.Signaled() {
				return nil
			}
			return ctx.Err()
		}
	}
}
