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
	"gvisor.dev/gpusched/gpusched/config"
	"gvisor.dev/gpusched/pkg/control/client"
	"gvisor.dev/gpusched/pkg/gpu/control"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// Status implements subcommands.Command for the "status" command.
type Status struct {
	w        workload
	duration time.Duration
	json     bool
}

// Name implements subcommands.Command.Name.
func (*Status) Name() string {
	return "status"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Status) Synopsis() string {
	return "print the scheduler status"
}

// Usage implements subcommands.Command.Usage.
func (*Status) Usage() string {
	return `status [flags] - print the status of the scheduler serving --control-socket.

Without --control-socket, a short simulation is run and its status printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Status) SetFlags(f *flag.FlagSet) {
	s.w = defaultWorkload()
	registerWorkloadFlags(f, &s.w)
	f.DurationVar(&s.duration, "duration", 0, "length of the local simulation, 0 for ten quanta.")
	f.BoolVar(&s.json, "json", false, "print the status as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (s *Status) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var st *sws.Status
	if conf.ControlSocket != "" {
		st = new(sws.Status)
		if err := call(conf.ControlSocket, control.SchedulerStatus, &struct{}{}, st); err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
	} else {
		var err error
		if st, err = simulateStatus(ctx, conf, s.w, s.duration); err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
	}
	if err := printStatus(os.Stdout, st, s.json); err != nil {
		Errorf("writing status: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// simulateStatus runs w for d, or ten quanta if d is zero, and returns the
// resulting status.
func simulateStatus(ctx context.Context, conf *config.Config, w workload, d time.Duration) (*sws.Status, error) {
	sim, err := newSimulation(conf)
	if err != nil {
		return nil, err
	}
	defer sim.close()
	if d == 0 {
		d = 10 * sim.sched.Quantum()
	}
	if err := sim.run(ctx, d, w); err != nil {
		return nil, err
	}
	return sim.sched.Status(), nil
}

func printStatus(w io.Writer, st *sws.Status, asJSON bool) error {
	if asJSON {
		return writeJSON(w, st)
	}
	_, err := st.WriteTo(w)
	return err
}

// call invokes method on the control server at path.
func call(path, method string, arg, result any) error {
	c, err := client.ConnectTo(path)
	if err != nil {
		return fmt.Errorf("connecting to control server %q: %w", path, err)
	}
	defer c.Close()
	log.Debugf("Calling %s on %s", method, path)
	if err := c.Call(method, arg, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}
