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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusched/pkg/gpu/hw"
)

func newDevice(t *testing.T, gen hw.Generation) *Device {
	t.Helper()
	d, err := New(gen)
	if err != nil {
		t.Fatalf("New(%v): %v", gen, err)
	}
	return d
}

func newMemoryRing(t *testing.T, d *Device, name string, pasid uint32) *Ring {
	t.Helper()
	r, err := d.CreateRing(hw.RingSpec{
		Name:       name,
		PASID:      pasid,
		RingVA:     0x100000,
		RingSize:   d.Traits().RingSize,
		SaveAreaVA: 0x200000,
	})
	if err != nil {
		t.Fatalf("CreateRing: %v", err)
	}
	return r.(*Ring)
}

func TestMQDRoundTrip(t *testing.T) {
	for _, gen := range hw.Generations() {
		t.Run(gen.String(), func(t *testing.T) {
			d := newDevice(t, gen)
			r := newMemoryRing(t, d, "q", 1)
			a := hw.Assignment{
				Queue:    hw.QueueID{Engine: 0, Pipe: 2, Queue: 5},
				VMID:     9,
				Priority: hw.PriorityHigh,
			}
			if err := d.InitMQD(r, a); err != nil {
				t.Fatalf("InitMQD: %v", err)
			}
			if err := d.MapQueue(r, a); err != nil {
				t.Fatalf("MapQueue: %v", err)
			}
			got, ok := r.Assignment()
			if !ok {
				t.Fatalf("ring not mapped")
			}
			if diff := cmp.Diff(a, got); diff != "" {
				t.Errorf("assignment mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(a, d.ops.decode(r.mqd)); diff != "" {
				t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGFX11TrustedBit(t *testing.T) {
	d := newDevice(t, hw.GFX11)
	r := newMemoryRing(t, d, "tmz", 1)
	a := hw.Assignment{Queue: hw.QueueID{Queue: 1}, VMID: 3, Trusted: true}
	if err := d.InitMQD(r, a); err != nil {
		t.Fatalf("InitMQD: %v", err)
	}
	if got := d.ops.decode(r.mqd); !got.Trusted {
		t.Errorf("decoded %+v, want trusted", got)
	}
}

func TestUpdateRequiresInit(t *testing.T) {
	d := newDevice(t, hw.GFX9)
	r := newMemoryRing(t, d, "q", 1)
	if err := d.UpdateMQD(r, hw.Assignment{}); err == nil {
		t.Errorf("UpdateMQD before InitMQD succeeded")
	}
	if err := d.MapQueue(r, hw.Assignment{}); err == nil {
		t.Errorf("MapQueue before InitMQD succeeded")
	}
}

func TestQueueExclusive(t *testing.T) {
	d := newDevice(t, hw.GFX10)
	r1 := newMemoryRing(t, d, "a", 1)
	r2 := newMemoryRing(t, d, "b", 2)
	a := hw.Assignment{Queue: hw.QueueID{Pipe: 1}, VMID: 1}
	for _, r := range []*Ring{r1, r2} {
		if err := d.InitMQD(r, a); err != nil {
			t.Fatalf("InitMQD: %v", err)
		}
	}
	if err := d.MapQueue(r1, a); err != nil {
		t.Fatalf("MapQueue: %v", err)
	}
	if err := d.MapQueue(r2, a); err == nil {
		t.Errorf("second MapQueue on %v succeeded", a.Queue)
	}
	if err := d.UnmapQueue(r1, hw.UnmapPreempt); err != nil {
		t.Fatalf("UnmapQueue: %v", err)
	}
	if err := d.UnmapQueue(r1, hw.UnmapPreempt); err == nil {
		t.Errorf("double UnmapQueue succeeded")
	}
	if err := d.MapQueue(r2, a); err != nil {
		t.Errorf("MapQueue after unmap: %v", err)
	}
}

func TestFailNext(t *testing.T) {
	d := newDevice(t, hw.GFX9)
	r := newMemoryRing(t, d, "q", 1)
	a := hw.Assignment{VMID: 1}
	d.FailNext(OpInitMQD, r.ID(), 1)
	if err := d.InitMQD(r, a); err == nil {
		t.Fatalf("injected failure not returned")
	}
	if err := d.InitMQD(r, a); err != nil {
		t.Fatalf("failure injected twice: %v", err)
	}
	d.FailNext(OpMap, 0, 1)
	if err := d.MapQueue(r, a); err == nil {
		t.Fatalf("wildcard failure not returned")
	}
}

func TestIdleAndInterrupts(t *testing.T) {
	d := newDevice(t, hw.GFX9)
	r := newMemoryRing(t, d, "q", 1)
	var irqs []hw.QueueID
	d.SetInterruptHandler(func(engine, pipe int) {
		irqs = append(irqs, hw.QueueID{Engine: engine, Pipe: pipe})
	})
	a := hw.Assignment{Queue: hw.QueueID{Pipe: 3, Queue: 2}, VMID: 1}
	if err := d.InitMQD(r, a); err != nil {
		t.Fatalf("InitMQD: %v", err)
	}
	if err := d.MapQueue(r, a); err != nil {
		t.Fatalf("MapQueue: %v", err)
	}
	if !d.IsRingIdle(r) {
		t.Errorf("new ring is not idle")
	}
	f := r.Submit()
	r.Submit()
	if d.IsRingIdle(r) || f.Signaled() {
		t.Errorf("ring idle after submit")
	}

	// No interrupt while the pipe is disabled.
	r.Complete(1)
	if len(irqs) != 0 {
		t.Errorf("interrupt delivered on disabled pipe")
	}
	if !f.Signaled() {
		t.Errorf("fence not signaled after completion")
	}
	if !d.ProcessFenceEvents(r) || d.ProcessFenceEvents(r) {
		t.Errorf("ProcessFenceEvents did not report exactly one batch")
	}

	if err := d.EnableIRQ(0, 3); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	r.CompleteAll()
	if diff := cmp.Diff([]hw.QueueID{{Pipe: 3}}, irqs); diff != "" {
		t.Errorf("interrupts mismatch (-want +got):\n%s", diff)
	}
	if !d.IsRingIdle(r) {
		t.Errorf("ring busy after CompleteAll")
	}
	if err := d.EnableIRQ(0, 9); err == nil {
		t.Errorf("EnableIRQ on missing pipe succeeded")
	}
}

func TestVMMapping(t *testing.T) {
	d := newDevice(t, hw.GFX9)
	vm := d.NewVM()
	if other := d.NewVM(); other.PASID() == vm.PASID() {
		t.Fatalf("PASID reused")
	}
	bo, err := vm.CreateBuffer(0x2000, hw.DomainGTT)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	vm.SetMapLatency(2)
	f, err := vm.MapAt(bo, 0x10000, hw.MapReadable)
	if err != nil {
		t.Fatalf("MapAt: %v", err)
	}
	polls := 1
	for !f.Signaled() {
		polls++
	}
	if polls != 3 {
		t.Errorf("fence signaled after %d polls, want 3", polls)
	}
	bo2, _ := vm.CreateBuffer(0x1000, hw.DomainGTT)
	if _, err := vm.MapAt(bo2, 0x11000, hw.MapReadable); err == nil {
		t.Errorf("overlapping mapping succeeded")
	}
	if err := vm.Unmap(bo, 0x10000); err != nil {
		t.Errorf("Unmap: %v", err)
	}
	vm.FreeBuffer(bo)
	vm.FreeBuffer(bo2)
	if vm.LiveBuffers() != 0 || vm.Mappings() != 0 {
		t.Errorf("leaked buffers=%d mappings=%d", vm.LiveBuffers(), vm.Mappings())
	}
}
