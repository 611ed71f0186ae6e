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

// Package cmd holds implementations of the trapsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mgutz/ansi"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/trapsim/config"
	"github.com/trapsim/trapsim/trapsim/scenario"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user of the command.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	// If we are here, that means we are about to exit. Flush the
	// message to the log and to stderr.
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "trapsim: "+format+"\n", args...)
	os.Exit(128)
}

// stdout returns w, or os.Stdout if w is nil.
func stdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

// runOptions returns the replay options described by conf.
func runOptions(conf *config.Config) scenario.Options {
	opts := scenario.Options{
		Kernel:      conf.KernelConfig(),
		MaxRestarts: conf.MaxRestarts,
	}
	// A nil *DDB must not become a non-nil kernel.Debugger.
	if d := conf.NewDebugger(nil); d != nil {
		opts.Debugger = d
	}
	return opts
}

// colorizer colors text if enabled.
type colorizer bool

func (c colorizer) color(s, style string) string {
	if !c {
		return s
	}
	return ansi.Color(s, style)
}
