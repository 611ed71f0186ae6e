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

// Package config provides basic infrastructure to set configuration settings
// for trapsim. Each setting is set with a command line flag, or from a TOML
// file whose keys are flag names.
package config

import (
	"fmt"
	"time"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/debugger"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with same name and add a description
//  4. Add any necessary validation into validate()
type Config struct {
	// ConfigFile is a TOML file holding flag values. Flags given on the
	// command line take precedence.
	ConfigFile string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file pattern logs are written to. Logs go to
	// stderr if empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// InterruptLogInterval bounds how often traps taken with interrupts
	// disabled are logged.
	InterruptLogInterval time.Duration `flag:"interrupt-log-interval"`

	// KernelBase is the lowest kernel virtual address.
	KernelBase uint64 `flag:"kernel-base"`

	// PanicOnNMI makes NMIs that report a hardware failure fatal.
	PanicOnNMI bool `flag:"panic-on-nmi"`

	// Debugger enables the in-kernel debugger.
	Debugger bool `flag:"debugger"`

	// DebuggerOnNMI offers benign NMIs to the debugger.
	DebuggerOnNMI bool `flag:"debugger-on-nmi"`

	// DebuggerOnPanic offers fatal traps to the debugger before halting.
	DebuggerOnPanic bool `flag:"debugger-on-panic"`

	// DebuggerAction is what the debugger does with traps its default
	// policy does not cover.
	DebuggerAction debugger.Action `flag:"debugger-action"`

	// MaxRestarts bounds how often a scenario re-issues a restarted
	// system call.
	MaxRestarts uint64 `flag:"max-restarts"`

	// Color colors outcome lines.
	Color bool `flag:"color"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.KernelBase == 0 {
		return fmt.Errorf("kernel base must be set")
	}
	if c.KernelBase%4096 != 0 {
		return fmt.Errorf("kernel base %#x is not page aligned", c.KernelBase)
	}
	if c.InterruptLogInterval < 0 {
		return fmt.Errorf("interrupt log interval must not be negative: %v", c.InterruptLogInterval)
	}
	return nil
}

// KernelConfig returns the kernel configuration described by c.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{
		KernelBase:           c.KernelBase,
		PanicOnNMI:           c.PanicOnNMI,
		DebuggerOnNMI:        c.DebuggerOnNMI,
		DebuggerOnPanic:      c.DebuggerOnPanic,
		InterruptLogInterval: c.InterruptLogInterval,
	}
}

// NewDebugger returns the debugger described by c, or nil if it is
// disabled.
func (c *Config) NewDebugger(logger log.Logger) *debugger.DDB {
	if !c.Debugger {
		return nil
	}
	p := debugger.DefaultPolicy()
	p.Default = c.DebuggerAction
	return debugger.New(p, logger)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
