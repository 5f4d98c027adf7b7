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

package cwsr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/hw/simgpu"
)

func TestSaveRestoreSize(t *testing.T) {
	for _, tc := range []struct {
		gen  hw.Generation
		want uint64
	}{
		{hw.GFX9, 0xa05000},
		{hw.GFX10, 0x5a4000},
		{hw.GFX11, 0x790000},
	} {
		tr, _ := hw.TraitsFor(tc.gen)
		if got := SaveRestoreSize(tr); got != tc.want {
			t.Errorf("SaveRestoreSize(%v) = %#x, want %#x", tc.gen, got, tc.want)
		}
	}
}

func TestLayout(t *testing.T) {
	tr, _ := hw.TraitsFor(hw.GFX9)
	l, err := NewLayout(0x100000, tr)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if l.EOPVA() != l.WriteBackVA()+hw.Addr(l.WriteBackSize) || l.TrapVA() != l.EOPVA()+hw.Addr(l.EOPSize) {
		t.Errorf("process buffers not contiguous: %+v", l)
	}
	if got := l.RingVA(0); got != l.Base+hw.Addr(l.ProcessSize) {
		t.Errorf("slot 0 ring at %v", got)
	}
	for i := 0; i < 4; i++ {
		if end := l.SaveAreaVA(i) + hw.Addr(l.SaveSize); end != l.RingVA(i+1) {
			t.Errorf("slot %d ends at %v, slot %d starts at %v", i, end, i+1, l.RingVA(i+1))
		}
		for _, va := range []hw.Addr{l.RingVA(i), l.MQDVA(i), l.SaveAreaVA(i)} {
			if uint64(va)%tr.Granularity != 0 {
				t.Errorf("slot %d: %v not aligned", i, va)
			}
		}
	}

	if _, err := NewLayout(0x100001, tr); err == nil {
		t.Errorf("unaligned base accepted")
	}
	tr.Granularity = 3
	if _, err := NewLayout(0x100000, tr); err == nil {
		t.Errorf("granularity 3 accepted")
	}
}

func newTestAllocator(t *testing.T, opts Options) (*Allocator, *simgpu.Device) {
	t.Helper()
	dev, err := simgpu.New(hw.GFX9)
	if err != nil {
		t.Fatalf("simgpu.New: %v", err)
	}
	opts.Traits = dev.Traits()
	a, err := NewAllocator(opts)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a, dev
}

func TestAllocRing(t *testing.T) {
	a, dev := newTestAllocator(t, Options{})
	vm := dev.NewVM()
	ctx := context.Background()
	l := a.Layout()

	r0, err := a.AllocRing(ctx, vm)
	if err != nil {
		t.Fatalf("AllocRing: %v", err)
	}
	r1, err := a.AllocRing(ctx, vm)
	if err != nil {
		t.Fatalf("AllocRing: %v", err)
	}
	if r0.Slot() != 0 || r1.Slot() != 1 {
		t.Errorf("slots %d, %d; want 0, 1", r0.Slot(), r1.Slot())
	}
	if r0.Process() != r1.Process() {
		t.Errorf("rings of one address space have different process resources")
	}
	if got := a.ProcessRefs(vm.PASID()); got != 2 {
		t.Errorf("process refs %d, want 2", got)
	}
	if got := vm.Mappings(); got != 9 {
		t.Errorf("%d mappings, want 9", got)
	}
	want := hw.RingSpec{
		Name:       "r1",
		PASID:      vm.PASID(),
		RingVA:     l.RingVA(1),
		RingSize:   l.RingSize,
		MQDVA:      l.MQDVA(1),
		SaveAreaVA: l.SaveAreaVA(1),
		SaveSize:   l.SaveSize,
		ContextID:  7,
	}
	if diff := cmp.Diff(want, r1.Spec("r1", 7)); diff != "" {
		t.Errorf("spec mismatch (-want +got):\n%s", diff)
	}
	if p := r0.Process(); p.WriteBackVA() != l.WriteBackVA() || p.EOPVA() != l.EOPVA() || p.TrapVA() != l.TrapVA() {
		t.Errorf("process buffers misplaced")
	}
	if bo, ok := vm.MappedAt(l.TrapVA()); !ok || bo.Domain() != hw.DomainVRAM {
		t.Errorf("trap handler not in VRAM")
	}

	a.FreeRing(r0)
	a.FreeRing(r0)
	if got := a.ProcessRefs(vm.PASID()); got != 1 {
		t.Errorf("process refs %d after free, want 1", got)
	}
	a.FreeRing(r1)
	if vm.Mappings() != 0 || vm.LiveBuffers() != 0 || a.SlotsInUse() != 0 {
		t.Errorf("leaked: %d mappings, %d buffers, %d slots", vm.Mappings(), vm.LiveBuffers(), a.SlotsInUse())
	}
	if err := a.ReleaseProcess(r1.Process()); !errors.Is(err, gpuerr.InvalidState) {
		t.Errorf("release of freed process resources: %v", err)
	}
}

func TestSlotExhaustion(t *testing.T) {
	a, dev := newTestAllocator(t, Options{MaxSlots: 2})
	ctx := context.Background()
	var rings []*RingResources
	for i := 0; i < 2; i++ {
		r, err := a.AllocRing(ctx, dev.NewVM())
		if err != nil {
			t.Fatalf("AllocRing: %v", err)
		}
		rings = append(rings, r)
	}
	vm := dev.NewVM()
	if _, err := a.AllocRing(ctx, vm); !errors.Is(err, gpuerr.ResourceBusy) {
		t.Fatalf("AllocRing with no slots: %v", err)
	}
	if vm.LiveBuffers() != 0 {
		t.Errorf("busy allocation created buffers")
	}
	a.FreeRing(rings[0])
	r, err := a.AllocRing(ctx, vm)
	if err != nil {
		t.Fatalf("AllocRing after free: %v", err)
	}
	if r.Slot() != 0 {
		t.Errorf("slot %d, want 0", r.Slot())
	}
}

func TestAllocUnwinds(t *testing.T) {
	for skip := 0; skip < 6; skip++ {
		a, dev := newTestAllocator(t, Options{})
		vm := dev.NewVM()
		vm.FailMapAfter(skip)
		_, err := a.AllocRing(context.Background(), vm)
		if !errors.Is(err, gpuerr.AllocationFailed) {
			t.Errorf("skip %d: AllocRing: %v, want AllocationFailed", skip, err)
		}
		if vm.Mappings() != 0 || vm.LiveBuffers() != 0 || a.SlotsInUse() != 0 || a.ProcessRefs(vm.PASID()) != 0 {
			t.Errorf("skip %d: leaked %d mappings, %d buffers, %d slots", skip, vm.Mappings(), vm.LiveBuffers(), a.SlotsInUse())
		}
	}
}

func TestCreateFailureKeepsProcess(t *testing.T) {
	a, dev := newTestAllocator(t, Options{})
	vm := dev.NewVM()
	ctx := context.Background()
	r, err := a.AllocRing(ctx, vm)
	if err != nil {
		t.Fatalf("AllocRing: %v", err)
	}
	vm.FailCreate(1)
	if _, err := a.AllocRing(ctx, vm); !errors.Is(err, gpuerr.AllocationFailed) {
		t.Fatalf("AllocRing: %v", err)
	}
	// The first ring's references survive the failed allocation.
	if got := a.ProcessRefs(vm.PASID()); got != 1 {
		t.Errorf("process refs %d, want 1", got)
	}
	if got := vm.Mappings(); got != 6 {
		t.Errorf("%d mappings, want 6", got)
	}
	a.FreeRing(r)
}

func TestMapWait(t *testing.T) {
	a, dev := newTestAllocator(t, Options{MapTimeout: 20 * time.Millisecond})
	vm := dev.NewVM()
	vm.SetMapLatency(3)
	r, err := a.AllocRing(context.Background(), vm)
	if err != nil {
		t.Fatalf("AllocRing with slow page tables: %v", err)
	}
	a.FreeRing(r)

	vm.SetMapLatency(1 << 30)
	if _, err := a.AllocRing(context.Background(), vm); !errors.Is(err, gpuerr.AllocationFailed) {
		t.Errorf("AllocRing with stuck page tables: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.AllocRing(ctx, vm); !errors.Is(err, context.Canceled) {
		t.Errorf("AllocRing with cancelled context: %v", err)
	}
	if vm.Mappings() != 0 || a.SlotsInUse() != 0 {
		t.Errorf("leaked %d mappings, %d slots", vm.Mappings(), a.SlotsInUse())
	}
}

func TestMapWaitHonorsDeadline(t *testing.T) {
	a, dev := newTestAllocator(t, Options{MapTimeout: time.Hour})
	vm := dev.NewVM()
	vm.SetMapLatency(1 << 30)
	const deadline = 20 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	start := time.Now()
	if _, err := a.AllocRing(ctx, vm); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AllocRing past deadline: %v", err)
	}
	if elapsed := time.Since(start); elapsed < deadline {
		t.Errorf("AllocRing gave up after %v, before the %v deadline", elapsed, deadline)
	}
	if vm.Mappings() != 0 || a.SlotsInUse() != 0 {
		t.Errorf("leaked %d mappings, %d slots", vm.Mappings(), a.SlotsInUse())
	}
}

func TestTrustedRing(t *testing.T) {
	a, dev := newTestAllocator(t, Options{MaxSlots: 4})
	vm := dev.NewVM()
	ctx := context.Background()
	r, err := a.AllocTrustedRing(ctx, vm)
	if err != nil {
		t.Fatalf("AllocTrustedRing: %v", err)
	}
	if r.Slot() != 4 || !r.Trusted() {
		t.Errorf("trusted ring in slot %d (trusted %t)", r.Slot(), r.Trusted())
	}
	spec := r.Spec("tmz", 1)
	if !spec.Trusted {
		t.Errorf("spec not trusted")
	}
	if bo, ok := vm.MappedAt(spec.SaveAreaVA); !ok || bo.Domain() != hw.DomainEncrypted {
		t.Errorf("save area not encrypted")
	}
	if _, err := a.AllocTrustedRing(ctx, dev.NewVM()); !errors.Is(err, gpuerr.ResourceBusy) {
		t.Errorf("second AllocTrustedRing: %v", err)
	}
	// Ordinary slots are unaffected.
	o, err := a.AllocRing(ctx, vm)
	if err != nil || o.Slot() != 0 {
		t.Fatalf("AllocRing = %v, %v", o, err)
	}
	a.FreeRing(r)
	a.FreeRing(o)
	if vm.LiveBuffers() != 0 {
		t.Errorf("%d buffers leaked", vm.LiveBuffers())
	}
	if _, err := a.AllocTrustedRing(ctx, vm); err != nil {
		t.Errorf("AllocTrustedRing after free: %v", err)
	}
}

func TestConcurrentAlloc(t *testing.T) {
	a, dev := newTestAllocator(t, Options{MaxSlots: 16})
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = make(map[int]bool)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.AllocRing(context.Background(), dev.NewVM())
			if err != nil {
				t.Errorf("AllocRing: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if slots[r.Slot()] {
				t.Errorf("slot %d allocated twice", r.Slot())
			}
			slots[r.Slot()] = true
		}()
	}
	wg.Wait()
	if got := a.SlotsInUse(); got != 16 {
		t.Errorf("%d slots in use, want 16", got)
	}
}
