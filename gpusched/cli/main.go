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

// Package cli is the main entrypoint for gpusched.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gpusched/gpusched/cmd"
	"gvisor.dev/gpusched/gpusched/config"
	"gvisor.dev/gpusched/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags and the configuration file.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if conf.LogFile != "" {
		f, err := log.OpenFile(conf.LogFile)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFile, err)
		}
		defer f.Close()
		out = f
	}
	e, err := log.NewEmitter(conf.LogFormat, out)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	log.SetLevel(conf.LogLevel)

	const delimString = `**************** gpusched ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, PID %d, UID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid(), os.Getuid())
	log.Infof("Args: %v", os.Args)
	log.Infof("Config: %v %v", conf.Generation, conf.ToFlags())
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	subcmdCode := subcommands.Execute(ctx, conf)
	stop()
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// gpusched.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	// Simulation.
	const simGroup = "simulation"
	cb(new(cmd.Simulate), simGroup)
	cb(new(cmd.Status), simGroup)
	cb(new(cmd.Metrics), simGroup)

	// Control of a running scheduler.
	const controlGroup = "control"
	cb(new(cmd.Command), controlGroup)
	cb(new(cmd.Contexts), controlGroup)
	cb(new(cmd.Reset), controlGroup)

	// Helpers.
	const helperGroup = "helpers"
	cb(new(cmd.Config), helperGroup)
}
