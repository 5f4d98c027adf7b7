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
	"encoding/binary"

	"gvisor.dev/gpusched/pkg/gpu/hw"
)

// generationOps encodes the queue descriptor layout of one hardware
// generation.
type generationOps interface {
	initMQD(mqd []byte, a hw.Assignment, spec hw.RingSpec)
	updateMQD(mqd []byte, a hw.Assignment)
	decode(mqd []byte) hw.Assignment
	valid(mqd []byte) bool
}

var genOps = map[hw.Generation]generationOps{
	hw.GFX9: mqdLayout{
		header:   0xc0310800,
		queue:    0x10,
		vmid:     0x14,
		priority: 0x18,
		ringBase: 0x20,
		saveBase: 0x28,
	},
	hw.GFX10: mqdLayout{
		header:   0xc0310a00,
		queue:    0x40,
		vmid:     0x48,
		priority: 0x4c,
		ringBase: 0x50,
		saveBase: 0x60,
	},
	hw.GFX11: gfx11MQD{
		mqdLayout: mqdLayout{
			header:   0xc0310b00,
			queue:    0x40,
			vmid:     0x48,
			priority: 0x4c,
			ringBase: 0x50,
			saveBase: 0x60,
		},
		flags: 0x68,
	},
}

var le = binary.LittleEndian

// mqdLayout holds the field offsets of a queue descriptor.
type mqdLayout struct {
	header   uint32
	queue    int
	vmid     int
	priority int
	ringBase int
	saveBase int
}

func (l mqdLayout) initMQD(mqd []byte, a hw.Assignment, spec hw.RingSpec) {
	clear(mqd)
	le.PutUint32(mqd[0:], l.header)
	le.PutUint64(mqd[l.ringBase:], uint64(spec.RingVA))
	le.PutUint64(mqd[l.saveBase:], uint64(spec.SaveAreaVA))
	l.updateMQD(mqd, a)
}

func (l mqdLayout) updateMQD(mqd []byte, a hw.Assignment) {
	q := uint32(a.Queue.Engine)<<16 | uint32(a.Queue.Pipe)<<8 | uint32(a.Queue.Queue)
	le.PutUint32(mqd[l.queue:], q)
	le.PutUint32(mqd[l.vmid:], uint32(a.VMID))
	le.PutUint32(mqd[l.priority:], uint32(a.Priority))
}

func (l mqdLayout) decode(mqd []byte) hw.Assignment {
	q := le.Uint32(mqd[l.queue:])
	return hw.Assignment{
		Queue: hw.QueueID{
			Engine: int(q >> 16),
			Pipe:   int(q >> 8 & 0xff),
			Queue:  int(q & 0xff),
		},
		VMID:     hw.VMID(le.Uint32(mqd[l.vmid:])),
		Priority: hw.Priority(le.Uint32(mqd[l.priority:])),
	}
}

func (l mqdLayout) valid(mqd []byte) bool {
	return le.Uint32(mqd[0:]) == l.header
}

// gfx11MQD adds a flags word carrying the trusted bit.
type gfx11MQD struct {
	mqdLayout
	flags int
}

const gfx11FlagTrusted = 1 << 0

func (g gfx11MQD) initMQD(mqd []byte, a hw.Assignment, spec hw.RingSpec) {
	g.mqdLayout.initMQD(mqd, a, spec)
	g.updateMQD(mqd, a)
}

func (g gfx11MQD) updateMQD(mqd []byte, a hw.Assignment) {
	g.mqdLayout.updateMQD(mqd, a)
	var flags uint32
	if a.Trusted {
		flags |= gfx11FlagTrusted
	}
	le.PutUint32(mqd[g.flags:], flags)
}

func (g gfx11MQD) decode(mqd []byte) hw.Assignment {
	a := g.mqdLayout.decode(mqd)
	a.Trusted = le.Uint32(mqd[g.flags:])&gfx11FlagTrusted != 0
	return a
}
