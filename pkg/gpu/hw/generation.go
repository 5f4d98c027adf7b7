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
	"strings"
)

// Generation is a GPU hardware generation.
type Generation int

// Supported generations.
const (
	GFX9 Generation = iota + 9
	GFX10
	GFX11
)

func (g Generation) String() string {
	return fmt.Sprintf("gfx%d", int(g))
}

// ParseGeneration parses a name such as "gfx10".
func ParseGeneration(s string) (Generation, error) {
	for g := range traits {
		if strings.EqualFold(g.String(), s) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unsupported GPU generation %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (g Generation) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Generation) UnmarshalText(b []byte) error {
	v, err := ParseGeneration(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// Traits holds the per-generation sizes and geometry that the scheduler and
// resource allocator depend on.
type Traits struct {
	// Compute micro-engine geometry.
	Engines        int
	PipesPerEngine int
	QueuesPerPipe  int

	// Compute units and the per-wave save state used to size the CWSR area.
	ComputeUnits    int
	WavesPerCU      int
	WaveContextSize uint64

	// ControlStackPerWave is the control stack bytes saved per wave.
	ControlStackPerWave uint64

	// Buffer sizes.
	MQDSize       uint64
	RingSize      uint64
	EOPSize       uint64
	WriteBackSize uint64
	TrapSize      uint64

	// Granularity is the allocation and mapping granularity.
	Granularity uint64
}

// NumQueues returns the number of queues described by the geometry.
func (t Traits) NumQueues() int {
	return t.Engines * t.PipesPerEngine * t.QueuesPerPipe
}

var traits = map[Generation]Traits{
	GFX9: {
		Engines:             1,
		PipesPerEngine:      4,
		QueuesPerPipe:       8,
		ComputeUnits:        64,
		WavesPerCU:          40,
		WaveContextSize:     0x1000,
		ControlStackPerWave: 8,
		MQDSize:             0x400,
		RingSize:            0x10000,
		EOPSize:             0x1000,
		WriteBackSize:       0x1000,
		TrapSize:            0x2000,
		Granularity:         0x1000,
	},
	GFX10: {
		Engines:             1,
		PipesPerEngine:      4,
		QueuesPerPipe:       8,
		ComputeUnits:        40,
		WavesPerCU:          32,
		WaveContextSize:     0x1200,
		ControlStackPerWave: 12,
		MQDSize:             0x800,
		RingSize:            0x10000,
		EOPSize:             0x1000,
		WriteBackSize:       0x1000,
		TrapSize:            0x2000,
		Granularity:         0x1000,
	},
	GFX11: {
		Engines:             1,
		PipesPerEngine:      4,
		QueuesPerPipe:       8,
		ComputeUnits:        48,
		WavesPerCU:          32,
		WaveContextSize:     0x1400,
		ControlStackPerWave: 12,
		MQDSize:             0x800,
		RingSize:            0x20000,
		EOPSize:             0x1000,
		WriteBackSize:       0x1000,
		TrapSize:            0x3000,
		Granularity:         0x10000,
	},
}

// TraitsFor returns the traits of generation g.
func TraitsFor(g Generation) (Traits, bool) {
	t, ok := traits[g]
	return t, ok
}

// Generations returns all supported generations.
func Generations() []Generation {
	return []Generation{GFX9, GFX10, GFX11}
}
