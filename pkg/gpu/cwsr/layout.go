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
	"fmt"

	"gvisor.dev/gpusched/pkg/gpu/hw"
)

// SaveRestoreSize returns the size of the wave save area for generation
// traits t: one context save and control stack for every wave of every
// compute unit, rounded up to the allocation granularity.
func SaveRestoreSize(t hw.Traits) uint64 {
	perWave := t.WaveContextSize + t.ControlStackPerWave
	return hw.RoundUpSize(uint64(t.ComputeUnits)*uint64(t.WavesPerCU)*perWave, t.Granularity)
}

// Layout places the buffers of one address space's reserved window. Every
// address is a function of the window base and a slot index only.
//
// The window holds the per-process buffers followed by one stride per ring
// slot:
//
//	base                    write-back, end-of-pipe, trap handler
//	base + ProcessSize      slot 0: ring, queue descriptor, save area
//	base + ProcessSize + n*RingStride   slot n
type Layout struct {
	Base hw.Addr

	WriteBackSize uint64
	EOPSize       uint64
	TrapSize      uint64
	RingSize      uint64
	MQDSize       uint64
	SaveSize      uint64

	// ProcessSize is the size of the per-process area.
	ProcessSize uint64

	// RingStride is the distance between consecutive ring slots.
	RingStride uint64
}

// NewLayout returns the layout of a window at base for traits t.
func NewLayout(base hw.Addr, t hw.Traits) (Layout, error) {
	g := t.Granularity
	if g == 0 || g&(g-1) != 0 {
		return Layout{}, fmt.Errorf("granularity %#x is not a power of two", g)
	}
	if uint64(base)%g != 0 {
		return Layout{}, fmt.Errorf("window base %v is not %#x aligned", base, g)
	}
	l := Layout{
		Base:          base,
		WriteBackSize: hw.RoundUpSize(t.WriteBackSize, g),
		EOPSize:       hw.RoundUpSize(t.EOPSize, g),
		TrapSize:      hw.RoundUpSize(t.TrapSize, g),
		RingSize:      hw.RoundUpSize(t.RingSize, g),
		MQDSize:       hw.RoundUpSize(t.MQDSize, g),
		SaveSize:      SaveRestoreSize(t),
	}
	l.ProcessSize = l.WriteBackSize + l.EOPSize + l.TrapSize
	l.RingStride = l.RingSize + l.MQDSize + l.SaveSize
	return l, nil
}

// WriteBackVA returns the address of the write-back buffer.
func (l Layout) WriteBackVA() hw.Addr {
	return l.Base
}

// EOPVA returns the address of the end-of-pipe buffer.
func (l Layout) EOPVA() hw.Addr {
	return l.Base + hw.Addr(l.WriteBackSize)
}

// TrapVA returns the address of the trap handler buffer.
func (l Layout) TrapVA() hw.Addr {
	return l.EOPVA() + hw.Addr(l.EOPSize)
}

// slotBase returns the first address of ring slot i.
func (l Layout) slotBase(i int) hw.Addr {
	return l.Base + hw.Addr(l.ProcessSize) + hw.Addr(uint64(i)*l.RingStride)
}

// RingVA returns the address of the ring buffer of slot i.
func (l Layout) RingVA(i int) hw.Addr {
	return l.slotBase(i)
}

// MQDVA returns the address of the queue descriptor of slot i.
func (l Layout) MQDVA(i int) hw.Addr {
	return l.slotBase(i) + hw.Addr(l.RingSize)
}

// SaveAreaVA returns the address of the save area of slot i.
func (l Layout) SaveAreaVA(i int) hw.Addr {
	return l.MQDVA(i) + hw.Addr(l.MQDSize)
}

// End returns the end of a window holding n ring slots.
func (l Layout) End(n int) (hw.Addr, bool) {
	return l.Base.AddLength(l.ProcessSize + uint64(n)*l.RingStride)
}
