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

// Package config provides basic infrastructure to set configuration settings
// for gpusched. Each setting is a field of Config. Settings come from the
// defaults, then a TOML file, then command line flags.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gpusched/pkg/gpu/cwsr"
	"gvisor.dev/gpusched/pkg/gpu/gpuctx"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// Config holds configuration that is not part of the scheduler's runtime
// state. Zero geometry fields select the generation's values.
type Config struct {
	// Generation is the GPU generation to drive.
	Generation hw.Generation `toml:"generation" flag:"generation"`

	// Quantum is the scheduling period on real hardware.
	Quantum time.Duration `toml:"quantum" flag:"quantum"`

	// EmulationScale stretches every period for slow emulated devices.
	EmulationScale int `toml:"emulation_scale" flag:"emulation-scale"`

	Engines        int `toml:"engines" flag:"engines"`
	PipesPerEngine int `toml:"pipes_per_engine" flag:"pipes-per-engine"`
	QueuesPerPipe  int `toml:"queues_per_pipe" flag:"queues-per-pipe"`

	// Queues limits the number of scheduled queues. Zero uses all.
	Queues int `toml:"queues" flag:"queues"`

	VMIDs     int `toml:"vmids" flag:"vmids"`
	FirstVMID int `toml:"first_vmid" flag:"first-vmid"`

	// Expiry thresholds in rounds, per tier.
	ExpiryLow    uint64 `toml:"expiry_low" flag:"expiry-low"`
	ExpiryNormal uint64 `toml:"expiry_normal" flag:"expiry-normal"`
	ExpiryHigh   uint64 `toml:"expiry_high" flag:"expiry-high"`

	// HangTimeout is how long a ring with pending work may go without
	// progress. Zero disables hang detection.
	HangTimeout time.Duration `toml:"hang_timeout" flag:"hang-timeout"`

	// TrustedQueue reserves a queue for trusted contexts.
	TrustedQueue bool `toml:"trusted_queue" flag:"trusted-queue"`

	ComputeUnits int `toml:"compute_units" flag:"compute-units"`
	WavesPerCU   int `toml:"waves_per_cu" flag:"waves-per-cu"`

	MaxSlots   int           `toml:"max_slots" flag:"max-slots"`
	MapTimeout time.Duration `toml:"map_timeout" flag:"map-timeout"`

	MaxContexts int `toml:"max_contexts" flag:"max-contexts"`
	FenceSlots  int `toml:"fence_slots" flag:"fence-slots"`

	LogLevel  log.Level `toml:"log_level" flag:"log-level"`
	LogFormat string    `toml:"log_format" flag:"log-format"`
	LogFile   string    `toml:"log_file" flag:"log-file"`

	// ControlSocket is the path of the control server socket. Empty
	// disables the control server.
	ControlSocket string `toml:"control_socket" flag:"control-socket"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Generation:     hw.GFX9,
		Quantum:        sws.DefaultQuantum,
		EmulationScale: 1,
		VMIDs:          sws.DefaultVMIDs,
		FirstVMID:      1,
		ExpiryLow:      sws.DefaultExpiry[sws.PriorityLow],
		ExpiryNormal:   sws.DefaultExpiry[sws.PriorityNormal],
		ExpiryHigh:     sws.DefaultExpiry[sws.PriorityHigh],
		HangTimeout:    2 * time.Second,
		MaxSlots:       cwsr.DefaultMaxSlots,
		MapTimeout:     cwsr.DefaultMapTimeout,
		MaxContexts:    gpuctx.DefaultMaxContexts,
		FenceSlots:     gpuctx.DefaultFenceSlots,
		LogLevel:       log.Info,
		LogFormat:      "text",
	}
}

// LoadFile returns the defaults overridden by the TOML file at path. Unknown
// keys are rejected.
func LoadFile(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// WriteTOML writes c as a TOML document.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate checks that the settings are consistent with each other and with
// the generation.
func (c *Config) Validate() error {
	t, ok := hw.TraitsFor(c.Generation)
	if !ok {
		return fmt.Errorf("unsupported generation %v", c.Generation)
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("quantum must be positive, got %v", c.Quantum)
	}
	if c.EmulationScale < 1 {
		return fmt.Errorf("emulation scale must be at least 1, got %d", c.EmulationScale)
	}
	g := c.Geometry()
	if g.Engines > t.Engines || g.PipesPerEngine > t.PipesPerEngine || g.QueuesPerPipe > t.QueuesPerPipe {
		return fmt.Errorf("queue geometry %+v exceeds %v hardware (%d engines, %d pipes, %d queues)", g, c.Generation, t.Engines, t.PipesPerEngine, t.QueuesPerPipe)
	}
	if g.Engines < 0 || g.PipesPerEngine < 0 || g.QueuesPerPipe < 0 {
		return fmt.Errorf("invalid queue geometry %+v", g)
	}
	avail := g.NumQueues()
	if c.TrustedQueue {
		avail--
	}
	if c.Queues < 0 || c.Queues > avail {
		return fmt.Errorf("%d queues requested, %d available", c.Queues, avail)
	}
	if c.VMIDs <= 0 || c.FirstVMID <= 0 {
		return fmt.Errorf("invalid VMID range: %d VMIDs from %d", c.VMIDs, c.FirstVMID)
	}
	if c.ExpiryLow == 0 || c.ExpiryLow > c.ExpiryNormal || c.ExpiryNormal > c.ExpiryHigh {
		return fmt.Errorf("expiry must satisfy 0 < low <= normal <= high, got %d, %d, %d", c.ExpiryLow, c.ExpiryNormal, c.ExpiryHigh)
	}
	if c.HangTimeout < 0 || c.MapTimeout <= 0 {
		return fmt.Errorf("invalid timeouts: hang %v, map %v", c.HangTimeout, c.MapTimeout)
	}
	if c.ComputeUnits < 0 || c.WavesPerCU < 0 {
		return fmt.Errorf("invalid wave geometry: %d compute units, %d waves", c.ComputeUnits, c.WavesPerCU)
	}
	if c.MaxSlots <= 0 || c.MaxContexts <= 0 || c.FenceSlots <= 0 {
		return fmt.Errorf("limits must be positive: %d slots, %d contexts, %d fences", c.MaxSlots, c.MaxContexts, c.FenceSlots)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// Scaled returns d stretched by the emulation scale.
func (c *Config) Scaled(d time.Duration) time.Duration {
	if c.EmulationScale <= 1 {
		return d
	}
	return d * time.Duration(c.EmulationScale)
}

// Geometry returns the queue geometry, with zero fields filled in from the
// generation.
func (c *Config) Geometry() sws.Geometry {
	t, _ := hw.TraitsFor(c.Generation)
	g := sws.Geometry{Engines: c.Engines, PipesPerEngine: c.PipesPerEngine, QueuesPerPipe: c.QueuesPerPipe}
	if g.Engines == 0 {
		g.Engines = t.Engines
	}
	if g.PipesPerEngine == 0 {
		g.PipesPerEngine = t.PipesPerEngine
	}
	if g.QueuesPerPipe == 0 {
		g.QueuesPerPipe = t.QueuesPerPipe
	}
	return g
}

// Traits returns the generation traits with the wave geometry overrides
// applied.
func (c *Config) Traits() hw.Traits {
	t, _ := hw.TraitsFor(c.Generation)
	if c.ComputeUnits > 0 {
		t.ComputeUnits = c.ComputeUnits
	}
	if c.WavesPerCU > 0 {
		t.WavesPerCU = c.WavesPerCU
	}
	return t
}

// Expiry returns the per-tier expiry thresholds.
func (c *Config) Expiry() sws.Expiry {
	var e sws.Expiry
	e[sws.PriorityLow] = c.ExpiryLow
	e[sws.PriorityNormal] = c.ExpiryNormal
	e[sws.PriorityHigh] = c.ExpiryHigh
	return e
}

// SchedulerOptions returns scheduler options for the given device.
func (c *Config) SchedulerOptions(backend hw.RingBackend, irq hw.IRQController, tlb hw.TLBFlusher, metrics *sws.Metrics) sws.Options {
	return sws.Options{
		Backend:      backend,
		IRQ:          irq,
		TLB:          tlb,
		Geometry:     c.Geometry(),
		Queues:       c.Queues,
		VMIDs:        c.VMIDs,
		FirstVMID:    hw.VMID(c.FirstVMID),
		Quantum:      c.Scaled(c.Quantum),
		Expiry:       c.Expiry(),
		TrustedQueue: c.TrustedQueue,
		Metrics:      metrics,
	}
}

// AllocatorOptions returns the save/restore allocator options.
func (c *Config) AllocatorOptions() cwsr.Options {
	return cwsr.Options{
		Traits:     c.Traits(),
		MaxSlots:   c.MaxSlots,
		MapTimeout: c.Scaled(c.MapTimeout),
	}
}

// ManagerOptions returns context manager options. The scheduler, allocator
// and rings are filled in by the caller.
func (c *Config) ManagerOptions() gpuctx.Options {
	return gpuctx.Options{
		MaxContexts: c.MaxContexts,
		FenceSlots:  c.FenceSlots,
	}
}
