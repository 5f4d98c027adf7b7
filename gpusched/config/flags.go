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
	"encoding"
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// RegisterFlags registers flags used to populate Config. Flag defaults are
// the values of Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML configuration file; flags override its settings.")

	// Hardware.
	flagSet.TextVar(new(hw.Generation), "generation", d.Generation, "GPU generation: gfx9, gfx10 or gfx11.")
	flagSet.Int("engines", d.Engines, "compute micro-engines to use, 0 for all.")
	flagSet.Int("pipes-per-engine", d.PipesPerEngine, "pipes per micro-engine to use, 0 for all.")
	flagSet.Int("queues-per-pipe", d.QueuesPerPipe, "queues per pipe to use, 0 for all.")
	flagSet.Int("compute-units", d.ComputeUnits, "compute units used to size save areas, 0 for the generation's.")
	flagSet.Int("waves-per-cu", d.WavesPerCU, "waves per compute unit used to size save areas, 0 for the generation's.")

	// Scheduling.
	flagSet.Duration("quantum", d.Quantum, "scheduling period.")
	flagSet.Int("emulation-scale", d.EmulationScale, "factor stretching every period, for emulated devices.")
	flagSet.Int("queues", d.Queues, "hardware queues to schedule, 0 for all.")
	flagSet.Int("vmids", d.VMIDs, "number of reservable VMIDs.")
	flagSet.Int("first-vmid", d.FirstVMID, "first reservable VMID.")
	flagSet.Uint64("expiry-low", d.ExpiryLow, "rounds a low priority entry keeps its queue.")
	flagSet.Uint64("expiry-normal", d.ExpiryNormal, "rounds a normal priority entry keeps its queue.")
	flagSet.Uint64("expiry-high", d.ExpiryHigh, "rounds a high priority entry keeps its queue.")
	flagSet.Duration("hang-timeout", d.HangTimeout, "time without progress after which a ring is quarantined, 0 to disable.")
	flagSet.Bool("trusted-queue", d.TrustedQueue, "reserve a queue for trusted contexts.")

	// Resources.
	flagSet.Int("max-slots", d.MaxSlots, "maximum preemptible rings with save areas.")
	flagSet.Duration("map-timeout", d.MapTimeout, "bound on each page table update wait.")
	flagSet.Int("max-contexts", d.MaxContexts, "maximum live contexts.")
	flagSet.Int("fence-slots", d.FenceSlots, "recent fences remembered per entity.")

	// Logging and control.
	flagSet.TextVar(new(log.Level), "log-level", d.LogLevel, "log level: warning, info or debug.")
	flagSet.String("log-format", d.LogFormat, "log format: text or json.")
	flagSet.String("log-file", d.LogFile, "file path where logs are written, default is stderr.")
	flagSet.String("control-socket", d.ControlSocket, "path of the control server socket.")
}

// NewFromFlags creates a new Config from the configuration file named by
// --config, if any, and the flags set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = LoadFile(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	fields := flagFields(conf)
	var setErr error
	flagSet.Visit(func(fl *flag.Flag) {
		field, ok := fields[fl.Name]
		if !ok || setErr != nil {
			return
		}
		setErr = setField(field, fl)
	})
	if setErr != nil {
		return nil, setErr
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// flagFields maps flag names to the fields of c they set.
func flagFields(c *Config) map[string]reflect.Value {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	fields := make(map[string]reflect.Value)
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = obj.Field(i)
		}
	}
	return fields
}

func setField(field reflect.Value, fl *flag.Flag) error {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		return fmt.Errorf("flag %q has no value getter", fl.Name)
	}
	x := reflect.ValueOf(getter.Get())
	// TextVar flags hold a pointer to their value.
	if x.Kind() == reflect.Ptr && field.Kind() != reflect.Ptr {
		x = x.Elem()
	}
	if !x.Type().ConvertibleTo(field.Type()) {
		return fmt.Errorf("flag %q of type %v cannot set %v", fl.Name, x.Type(), field.Type())
	}
	field.Set(x.Convert(field.Type()))
	return nil
}

func getVal(field reflect.Value) string {
	if m, ok := field.Interface().(encoding.TextMarshaler); ok {
		b, err := m.MarshalText()
		if err != nil {
			panic(fmt.Sprintf("marshalling %v: %v", field, err))
		}
		return string(b)
	}
	switch v := field.Interface().(type) {
	case time.Duration:
		return v.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
