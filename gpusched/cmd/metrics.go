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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/gpusched/gpusched/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	w        workload
	duration time.Duration
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print scheduler metrics of a simulation"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - run a short simulation and print its metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	m.w = defaultWorkload()
	registerWorkloadFlags(f, &m.w)
	f.DurationVar(&m.duration, "duration", 0, "length of the simulation, 0 for ten quanta.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sim, err := newSimulation(conf)
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer sim.close()
	d := m.duration
	if d == 0 {
		d = 10 * sim.sched.Quantum()
	}
	if err := sim.run(ctx, d, m.w); err != nil {
		Errorf("simulation failed: %v", err)
		return subcommands.ExitFailure
	}
	if err := writeMetrics(os.Stdout, sim.registry); err != nil {
		Errorf("writing metrics: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// writeMetrics writes every family gathered from g in the Prometheus text
// exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Config implements subcommands.Command for the "config" command.
type Config struct{}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective configuration as TOML"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config - print the configuration resulting from defaults, --config and flags.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Config) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := args[0].(*config.Config).WriteTOML(os.Stdout); err != nil {
		Errorf("writing config: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
