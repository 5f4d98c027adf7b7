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

package sws

import (
	"errors"
	"testing"

	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/hw/simgpu"
)

func withTrustedQueue(o *Options) {
	o.TrustedQueue = true
}

func TestTrustedQueue(t *testing.T) {
	h := newHarness(t, withTrustedQueue)
	r := h.ring("tmz", 1)
	e, err := h.s.RegisterTrusted(Owner{VM: 1, Context: 1}, r, PriorityHigh)
	if err != nil {
		t.Fatalf("RegisterTrusted: %v", err)
	}
	a, ok := e.Assignment()
	if !ok {
		t.Fatalf("trusted entry not mapped")
	}
	// The trusted queue is the last queue of the device.
	if want := (hw.QueueID{Pipe: 3, Queue: 7}); a.Queue != want || !a.Trusted {
		t.Errorf("assignment %+v, want trusted on %v", a, want)
	}
	if got := e.List(); got != ListTrusted {
		t.Errorf("trusted entry on %v", got)
	}
	if _, err := h.s.RegisterTrusted(Owner{VM: 2, Context: 2}, h.ring("tmz2", 2), PriorityHigh); !errors.Is(err, gpuerr.ResourceBusy) {
		t.Errorf("second RegisterTrusted: %v, want ResourceBusy", err)
	}

	rings := h.s.WatchedRings()
	if len(rings) != 1 || rings[0].ID() != r.ID() {
		t.Errorf("watched rings %v, want trusted ring", rings)
	}
	st := h.s.Status()
	if len(st.Trusted) != 1 || st.TrustedQueue == nil || st.TrustedQueue.Status != SlotReserved {
		t.Errorf("status trusted %+v queue %+v", st.Trusted, st.TrustedQueue)
	}

	if err := h.s.Unregister(e); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if h.dev.IRQEnabled(a.Queue.Engine, a.Queue.Pipe) {
		t.Errorf("trusted pipe interrupts still enabled")
	}
	if err := h.s.Unregister(e); !errors.Is(err, gpuerr.InvalidState) {
		t.Errorf("second Unregister: %v", err)
	}
}

func TestTrustedSharesContextVMID(t *testing.T) {
	h := newHarness(t, withTrustedQueue)
	owner := Owner{VM: 3, Context: 3}
	e, _ := h.busy("compute", owner.VM, owner.Context, PriorityNormal)
	h.schedule()
	ca, ok := e.Assignment()
	if !ok {
		t.Fatalf("compute entry not running")
	}
	te, err := h.s.RegisterTrusted(owner, h.ring("tmz", owner.VM), PriorityNormal)
	if err != nil {
		t.Fatalf("RegisterTrusted: %v", err)
	}
	ta, _ := te.Assignment()
	if ta.VMID != ca.VMID {
		t.Errorf("trusted vmid %d, compute vmid %d", ta.VMID, ca.VMID)
	}
	if got := h.s.Status().VMIDsInUse; got != 1 {
		t.Errorf("%d vmids in use, want 1", got)
	}

	// Another context of the same address space may not use the VMID.
	if _, err := h.s.RegisterTrusted(Owner{VM: 3, Context: 4}, h.ring("tmz2", 3), PriorityNormal); !errors.Is(err, gpuerr.ResourceBusy) {
		t.Errorf("RegisterTrusted by another context: %v", err)
	}
	if err := h.s.Unregister(te); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := h.s.Status().VMIDsInUse; got != 1 {
		t.Errorf("%d vmids in use after trusted teardown, want 1", got)
	}
}

func TestTrustedFailureAndRecovery(t *testing.T) {
	h := newHarness(t, withTrustedQueue)
	r := h.ring("tmz", 1)
	h.dev.FailNext(simgpu.OpMap, r.ID(), 1)
	owner := Owner{VM: 1, Context: 1}
	if _, err := h.s.RegisterTrusted(owner, r, PriorityHigh); !errors.Is(err, gpuerr.HardwareOperationFailed) {
		t.Fatalf("RegisterTrusted with failing map: %v", err)
	}
	if _, err := h.s.RegisterTrusted(owner, r, PriorityHigh); !errors.Is(err, gpuerr.HardwareOperationFailed) {
		t.Errorf("RegisterTrusted on broken queue: %v", err)
	}
	if got := h.s.Status().VMIDsInUse; got != 0 {
		t.Errorf("failed registration leaked %d vmids", got)
	}
	h.s.Recover()
	e, err := h.s.RegisterTrusted(owner, r, PriorityHigh)
	if err != nil {
		t.Fatalf("RegisterTrusted after recovery: %v", err)
	}

	// A hung trusted ring is quarantined and remapped on recovery.
	r.Submit()
	if err := h.s.QuarantineRing(r.ID()); err != nil {
		t.Fatalf("QuarantineRing: %v", err)
	}
	if !e.Broken() {
		t.Fatalf("trusted entry on %v", e.List())
	}
	if n := h.s.Recover(); n != 1 {
		t.Errorf("Recover = %d, want 1", n)
	}
	if got := e.List(); got != ListTrusted {
		t.Errorf("trusted entry on %v after recovery", got)
	}
	if n := h.s.Recover(); n != 0 {
		t.Errorf("second Recover = %d, want 0", n)
	}
}

func TestNoTrustedQueue(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.s.RegisterTrusted(Owner{VM: 1, Context: 1}, h.ring("tmz", 1), PriorityHigh); !errors.Is(err, gpuerr.InvalidState) {
		t.Errorf("RegisterTrusted without a trusted queue: %v", err)
	}
}
