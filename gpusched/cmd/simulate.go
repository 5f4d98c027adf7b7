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
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gvisor.dev/gpusched/gpusched/config"
	"gvisor.dev/gpusched/pkg/control/server"
	"gvisor.dev/gpusched/pkg/gpu/control"
	"gvisor.dev/gpusched/pkg/log"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	w           workload
	duration    time.Duration
	metricsAddr string
	json        bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "schedule a synthetic workload on a simulated GPU"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - schedule synthetic contexts on a simulated GPU and print the final scheduler status.

With --control-socket set, the scheduler can be inspected and commanded while
the simulation runs using the status, command, contexts and reset commands.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	s.w = defaultWorkload()
	registerWorkloadFlags(f, &s.w)
	f.IntVar(&s.w.trusted, "trusted", 0, "number of trusted contexts to create.")
	f.IntVar(&s.w.hung, "hung", 0, "number of preemptible contexts whose work never completes.")
	f.IntVar(&s.w.mapFailures, "map-failures", 0, "number of queue map operations to fail.")
	f.DurationVar(&s.w.resetAfter, "reset-after", 0, "report a device reset after this long, 0 for never.")
	f.DurationVar(&s.duration, "duration", 0, "how long to run, 0 to run until interrupted.")
	f.StringVar(&s.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on while running.")
	f.BoolVar(&s.json, "json", false, "print the final status as JSON.")
}

// registerWorkloadFlags registers the flags shared by commands that run a
// simulation.
func registerWorkloadFlags(f *flag.FlagSet, w *workload) {
	f.IntVar(&w.contexts, "contexts", w.contexts, "number of preemptible contexts to create.")
	f.Float64Var(&w.submitRate, "submit-rate", w.submitRate, "probability that a context submits work at each step.")
	f.Uint64Var(&w.seed, "seed", w.seed, "seed of the workload generator.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	if conf.ControlSocket != "" {
		srv, err := server.Create(conf.ControlSocket)
		if err != nil {
			Errorf("creating control server: %v", err)
			return subcommands.ExitFailure
		}
		srv.Register(control.NewScheduler(sim.sched, sim.runner, sim.contexts))
		srv.StartServing()
		defer srv.Stop()
		log.Infof("Control server listening on %s", srv.Addr())
	}

	if s.metricsAddr != "" {
		stop, err := serveMetrics(s.metricsAddr, sim)
		if err != nil {
			Errorf("serving metrics: %v", err)
			return subcommands.ExitFailure
		}
		defer stop()
	}

	if err := sim.run(ctx, s.duration, s.w); err != nil {
		Errorf("simulation failed: %v", err)
		return subcommands.ExitFailure
	}

	st := sim.sched.Status()
	st.Paused = sim.runner.Status().Paused
	if s.json {
		err = writeJSON(os.Stdout, st)
	} else {
		_, err = st.WriteTo(os.Stdout)
	}
	if err != nil {
		Errorf("writing status: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// serveMetrics serves the simulation's registry at /metrics on addr. The
// returned function stops the server.
func serveMetrics(addr string, sim *simulation) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sim.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Warningf("Metrics server: %v", err)
		}
	}()
	log.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	return func() {
		srv.Close()
		<-done
	}, nil
}
