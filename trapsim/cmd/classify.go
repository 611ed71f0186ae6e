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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Classify implements subcommands.Command for the "classify" command.
type Classify struct {
	// out is where the table is printed. Defaults to stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Classify) Name() string {
	return "classify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Classify) Synopsis() string {
	return "print the fault kind of trap numbers"
}

// Usage implements subcommands.Command.Usage.
func (*Classify) Usage() string {
	return `classify [trapno]... - print the fault kind of the given trap numbers, or of every numbered trap.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Classify) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Classify) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var trapnos []uint64
	for _, arg := range f.Args() {
		n, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			fmt.Fprintf(ErrorLogger, "invalid trap number %q\n", arg)
			return subcommands.ExitUsageError
		}
		trapnos = append(trapnos, n)
	}
	if len(trapnos) == 0 {
		for n := uint64(0); n <= abi.T_RESERVED; n++ {
			trapnos = append(trapnos, n)
		}
	}
	if err := writeClassification(stdout(c.out), trapnos); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeClassification(w io.Writer, trapnos []uint64) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "TRAPNO\tKIND\tDESCRIPTION\n"); err != nil {
		return err
	}
	for _, n := range trapnos {
		k := trap.Classify(n)
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\n", n, k.Name(), k); err != nil {
			return err
		}
	}
	return tw.Flush()
}
