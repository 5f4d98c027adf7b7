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
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpusched/gpusched/config"
	"gvisor.dev/gpusched/pkg/cleanup"
	"gvisor.dev/gpusched/pkg/gpu/cwsr"
	"gvisor.dev/gpusched/pkg/gpu/gpuctx"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/hw/simgpu"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// workload describes the clients a simulation creates and how they submit.
type workload struct {
	// contexts is the number of preemptible contexts created.
	contexts int

	// trusted is the number of trusted contexts created in addition.
	trusted int

	// hung is the number of preemptible contexts whose work never
	// completes.
	hung int

	// submitRate is the probability that a context submits one unit of
	// work per step.
	submitRate float64

	// mapFailures is the number of queue map operations made to fail.
	mapFailures int

	// resetAfter, if positive, is when a device reset is reported.
	resetAfter time.Duration

	seed uint64
}

func defaultWorkload() workload {
	return workload{contexts: 8, submitRate: 0.5, seed: 1}
}

// simulation is a complete scheduling stack driving a simulated device.
type simulation struct {
	conf     *config.Config
	dev      *simgpu.Device
	registry *prometheus.Registry
	sched    *sws.Scheduler
	det      *sws.Detector
	runner   *sws.Runner
	alloc    *cwsr.Allocator
	contexts *gpuctx.Manager
	ordinary []*simgpu.Ring

	mu sync.Mutex

	// hung holds the ids of rings whose work is never retired.
	//
	// +checklocks:mu
	hung map[uint32]bool
}

// newSimulation builds the stack described by conf on a simulated device.
func newSimulation(conf *config.Config) (*simulation, error) {
	dev, err := simgpu.New(conf.Generation)
	if err != nil {
		return nil, err
	}
	sim := &simulation{
		conf:     conf,
		dev:      dev,
		registry: prometheus.NewRegistry(),
		hung:     make(map[uint32]bool),
	}
	metrics, err := sws.NewMetrics(sim.registry)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	sim.sched, err = sws.New(conf.SchedulerOptions(dev, dev, dev, metrics))
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	cu := cleanup.Make(sim.sched.Close)
	defer cu.Clean()

	sim.alloc, err = cwsr.NewAllocator(conf.AllocatorOptions())
	if err != nil {
		return nil, fmt.Errorf("creating save area allocator: %w", err)
	}

	ordinary := make(map[hw.IP][]hw.Ring)
	for _, r := range []struct {
		ip   hw.IP
		name string
	}{
		{hw.IPGFX, "gfx0"},
		{hw.IPCompute, "comp0"},
		{hw.IPCompute, "comp1"},
		{hw.IPDMA, "sdma0"},
	} {
		ring := dev.NewRing(r.name)
		sim.ordinary = append(sim.ordinary, ring)
		ordinary[r.ip] = append(ordinary[r.ip], ring)
	}
	opts := conf.ManagerOptions()
	opts.Scheduler = sim.sched
	opts.Allocator = sim.alloc
	opts.Rings = dev
	opts.Ordinary = ordinary
	sim.contexts, err = gpuctx.NewManager(opts)
	if err != nil {
		return nil, fmt.Errorf("creating context manager: %w", err)
	}

	sim.det = sws.NewDetector(dev, sim.sched.WatchedRings, conf.Scaled(conf.HangTimeout))
	dev.SetInterruptHandler(func(int, int) { sim.det.Kick() })
	sim.runner = sws.NewRunner(sim.sched, sim.det)
	cu.Release()
	return sim, nil
}

// close destroys every context and shuts the scheduler down.
func (sim *simulation) close() {
	sim.contexts.Close()
	sim.sched.Close()
}

// spawn creates the contexts of w.
func (sim *simulation) spawn(ctx context.Context, w workload, rnd *rand.Rand) error {
	prios := []gpuctx.ClientPriority{
		gpuctx.PriorityVeryLow,
		gpuctx.PriorityLow,
		gpuctx.PriorityNormal,
		gpuctx.PriorityHigh,
		gpuctx.PriorityVeryHigh,
	}
	for i := 0; i < w.contexts+w.trusted; i++ {
		trusted := i >= w.contexts
		c, err := sim.contexts.Create(ctx, gpuctx.CreateOptions{
			VM:          sim.dev.NewVM(),
			Priority:    prios[rnd.IntN(len(prios))],
			Privileged:  true,
			Preemptible: !trusted,
			Trusted:     trusted,
		})
		if err != nil {
			return fmt.Errorf("creating context %d: %w", i, err)
		}
		if err := c.PreemptionErr(); err != nil {
			log.Infof("%v uses ordinary submission: %v", c, err)
			continue
		}
		if !trusted && i < w.hung {
			sim.mu.Lock()
			sim.hung[c.Entry().Ring().ID()] = true
			sim.mu.Unlock()
			log.Infof("%v: ring %s will hang", c, c.Entry().Ring().Name())
		}
	}
	if w.mapFailures > 0 {
		sim.dev.FailNext(simgpu.OpMap, 0, w.mapFailures)
	}
	return nil
}

// submit queues one unit of work for c on the path it currently uses.
func (sim *simulation) submit(c *gpuctx.Context, rnd *rand.Rand) {
	switch c.Path() {
	case gpuctx.PathPreemptible, gpuctx.PathTrusted:
		c.Entry().Ring().(*simgpu.Ring).Submit()
	default:
		ent, err := c.Entity(hw.IP(rnd.IntN(int(hw.NumIPs))), 0)
		if err != nil {
			log.Debugf("%v: %v", c, err)
			return
		}
		f := ent.Ring().(*simgpu.Ring).Submit()
		if _, err := ent.AddFence(f); err != nil {
			log.Debugf("%v: %v", ent, err)
		}
	}
}

// step submits new work and retires work on every ring the device is
// executing.
func (sim *simulation) step(w workload, rnd *rand.Rand) {
	for _, c := range sim.contexts.Contexts() {
		if rnd.Float64() < w.submitRate {
			sim.submit(c, rnd)
		}
		e := c.Entry()
		if e == nil || c.Path() == gpuctx.PathOrdinary {
			continue
		}
		r := e.Ring().(*simgpu.Ring)
		sim.mu.Lock()
		hung := sim.hung[r.ID()]
		sim.mu.Unlock()
		if _, mapped := r.Assignment(); mapped && !hung {
			r.Complete(1 + rnd.IntN(2))
		}
	}
	for _, r := range sim.ordinary {
		r.Complete(2)
	}
}

// drive runs the workload until ctx is done.
func (sim *simulation) drive(ctx context.Context, w workload, rnd *rand.Rand) error {
	t := time.NewTicker(sim.sched.Quantum() / 2)
	defer t.Stop()
	var reset <-chan time.Time
	if w.resetAfter > 0 {
		rt := time.NewTimer(w.resetAfter)
		defer rt.Stop()
		reset = rt.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sim.step(w, rnd)
		case <-reset:
			n := sim.contexts.NotifyReset()
			log.Infof("device reset: %d entries recovered", n)
		}
	}
}

// run creates the contexts of w and schedules them for d, or until ctx is
// done if d is zero.
func (sim *simulation) run(ctx context.Context, d time.Duration, w workload) error {
	rnd := rand.New(rand.NewPCG(w.seed, w.seed))
	if err := sim.spawn(ctx, w, rnd); err != nil {
		return err
	}
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.runner.Run(ctx)
	})
	g.Go(func() error {
		return sim.drive(ctx, w, rnd)
	})
	return g.Wait()
}
