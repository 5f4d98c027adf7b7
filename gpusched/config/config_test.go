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

package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return fs
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config from no flags differs from Default (-want +got):\n%s", diff)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate(): %v", err)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t,
		"--generation=gfx11",
		"--quantum=5ms",
		"--emulation-scale=3",
		"--trusted-queue",
		"--expiry-high=8",
		"--log-level=debug",
		"--queues=6",
	))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := Default()
	want.Generation = hw.GFX11
	want.Quantum = 5 * time.Millisecond
	want.EmulationScale = 3
	want.TrustedQueue = true
	want.ExpiryHigh = 8
	want.LogLevel = log.Debug
	want.Queues = 6
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	got := c.ToFlags()
	for _, f := range []string{"--generation=gfx11", "--quantum=5ms", "--trusted-queue=true", "--expiry-high=8", "--log-level=debug", "--queues=6"} {
		found := false
		for _, g := range got {
			found = found || g == f
		}
		if !found {
			t.Errorf("ToFlags() = %v, missing %s", got, f)
		}
	}

	opts := c.SchedulerOptions(nil, nil, nil, nil)
	if opts.Quantum != 15*time.Millisecond {
		t.Errorf("scaled quantum %v, want 15ms", opts.Quantum)
	}
	if opts.Expiry[sws.PriorityHigh] != 8 || !opts.TrustedQueue || opts.Queues != 6 {
		t.Errorf("scheduler options %+v", opts)
	}
	if got := c.AllocatorOptions().MapTimeout; got != 3*Default().MapTimeout {
		t.Errorf("scaled map timeout %v", got)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpusched.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFileThenFlags(t *testing.T) {
	path := writeFile(t, `
generation = "gfx10"
quantum = "20ms"
vmids = 4
compute_units = 10
log_format = "json"
`)
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--vmids=6"))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Generation != hw.GFX10 || c.Quantum != 20*time.Millisecond || c.LogFormat != "json" {
		t.Errorf("file settings not applied: %+v", c)
	}
	if c.VMIDs != 6 {
		t.Errorf("flag did not override file: vmids %d", c.VMIDs)
	}
	if tr := c.Traits(); tr.ComputeUnits != 10 || tr.WavesPerCU != 32 {
		t.Errorf("traits %d CUs, %d waves", tr.ComputeUnits, tr.WavesPerCU)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(writeFile(t, "quantum_ms = 3\n")); err == nil || !strings.Contains(err.Error(), "quantum_ms") {
		t.Errorf("unknown key: %v", err)
	}
	if _, err := LoadFile(writeFile(t, `generation = "gfx8"`)); err == nil {
		t.Errorf("unsupported generation accepted")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestWriteTOML(t *testing.T) {
	c := Default()
	c.Generation = hw.GFX11
	c.HangTimeout = 0
	c.LogLevel = log.Warning
	c.ControlSocket = "/run/gpusched.sock"
	var buf bytes.Buffer
	if err := c.WriteTOML(&buf); err != nil {
		t.Fatalf("WriteTOML: %v", err)
	}
	if !strings.Contains(buf.String(), `generation = "gfx11"`) {
		t.Errorf("TOML output:\n%s", buf.String())
	}
	got, err := LoadFile(writeFile(t, buf.String()))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*Config)
	}{
		{"zero quantum", func(c *Config) { c.Quantum = 0 }},
		{"zero scale", func(c *Config) { c.EmulationScale = 0 }},
		{"too many pipes", func(c *Config) { c.PipesPerEngine = 5 }},
		{"negative engines", func(c *Config) { c.Engines = -1 }},
		{"too many queues", func(c *Config) { c.Queues = 33 }},
		{"trusted queue taken", func(c *Config) { c.TrustedQueue = true; c.Queues = 32 }},
		{"no vmids", func(c *Config) { c.VMIDs = 0 }},
		{"vmid zero", func(c *Config) { c.FirstVMID = 0 }},
		{"expiry order", func(c *Config) { c.ExpiryLow = 3 }},
		{"zero expiry", func(c *Config) { c.ExpiryLow = 0 }},
		{"negative hang timeout", func(c *Config) { c.HangTimeout = -time.Second }},
		{"zero slots", func(c *Config) { c.MaxSlots = 0 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad generation", func(c *Config) { c.Generation = 8 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mod(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate succeeded")
			}
		})
	}

	c := Default()
	c.Engines, c.PipesPerEngine, c.QueuesPerPipe = 1, 2, 2
	c.Queues = 4
	if err := c.Validate(); err != nil {
		t.Errorf("Validate of reduced geometry: %v", err)
	}
	if g := c.Geometry(); g.NumQueues() != 4 {
		t.Errorf("geometry %+v", g)
	}
}
