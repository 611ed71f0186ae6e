// Copyright 2024 The gVisor Authors.
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
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/trapsim/trapsim/pkg/sentry/debugger"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file holding flag values, keyed by flag name. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written, default is stderr. The following variables are available: %TIMESTAMP%, %PID%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Duration("interrupt-log-interval", time.Second, "minimum interval between reports of traps taken with interrupts disabled.")
	flagSet.Bool("color", false, "color outcome lines.")

	// Flags that control the kernel.
	flagSet.Uint64("kernel-base", kernel.DefaultKernelBase, "lowest kernel virtual address.")
	flagSet.Bool("panic-on-nmi", true, "halt on NMIs that report a hardware failure.")

	// Flags that control the debugger.
	flagSet.Bool("debugger", false, "enable the in-kernel debugger.")
	flagSet.Bool("debugger-on-nmi", true, "offer benign NMIs to the debugger.")
	flagSet.Bool("debugger-on-panic", false, "offer fatal traps to the debugger before halting.")
	flagSet.Var(actionPtr(debugger.Decline), "debugger-action", "what the debugger does with traps other than breakpoints, trace traps and NMIs: decline (default), continue, step.")

	// Flags that control scenario replay.
	flagSet.Uint64("max-restarts", 8, "maximum number of times a restarted system call is issued again.")
}

func actionPtr(a debugger.Action) *debugger.Action {
	return &a
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by the config flag.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := LoadFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile sets flags from a TOML file. Each key is a flag name; its value
// is converted the same way the command line is. Flags already set on the
// command line are left alone.
func LoadFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return errors.Wrapf(err, "loading config file %s", path)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	for name, v := range values {
		if name == "config" {
			return errors.Errorf("%s: config files cannot include other config files", path)
		}
		if flagSet.Lookup(name) == nil {
			return errors.Errorf("%s: unknown flag %q", path, name)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(v)); err != nil {
			return errors.Wrapf(err, "%s: setting %q", path, name)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
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
