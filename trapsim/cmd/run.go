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
	"sort"
	"strings"

	"github.com/google/subcommands"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/trapsim/config"
	"github.com/trapsim/trapsim/trapsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	verbose bool

	// out is where results are printed. Defaults to stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "replay trap scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - replay each scenario on a fresh kernel and check its expectations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.verbose, "v", false, "print every outcome, not only failures.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := stdout(r.out)

	failed := 0
	for _, path := range f.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			Fatalf("%v", err)
		}
		res, err := scenario.Run(ctx, s, runOptions(conf))
		if err != nil {
			Fatalf("running %s: %v", path, err)
		}
		n := printResult(out, colorizer(conf.Color), path, res, r.verbose)
		log.Infof("Scenario %s: %d outcomes, %d failed", path, len(res.Outcomes), n)
		failed += n
	}
	if failed != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// printResult prints the outcomes of a run and returns the number of
// failures.
func printResult(w io.Writer, c colorizer, path string, res *scenario.Result, verbose bool) int {
	name := res.Name
	if name == "" {
		name = path
	}
	failed := 0
	for _, o := range res.Outcomes {
		if o.Err == nil && !verbose {
			continue
		}
		status := c.color("ok  ", "green")
		if o.Err != nil {
			status = c.color("FAIL", "red+b")
			failed++
		} else if o.Skipped {
			status = c.color("skip", "yellow")
		}
		fmt.Fprintf(w, "%s cpu%d #%d %s: %s\n", status, o.CPU, o.Index, o.Event, describe(&o))
	}
	if res.Fatal != nil {
		fmt.Fprintf(w, "%s\n", c.color(res.Fatal.String(), "red"))
	}
	if verbose {
		procs := make([]string, 0, len(res.Stdout))
		for proc := range res.Stdout {
			procs = append(procs, proc)
		}
		sort.Strings(procs)
		for _, proc := range procs {
			if out := res.Stdout[proc]; out != "" {
				fmt.Fprintf(w, "%s stdout: %q\n", proc, out)
			}
		}
	}
	summary := fmt.Sprintf("%s: %d events, %d failed", name, len(res.Outcomes), failed)
	if failed == 0 {
		summary = c.color(summary, "green+b")
	} else {
		summary = c.color(summary, "red+b")
	}
	fmt.Fprintln(w, summary)
	return failed
}

// describe summarizes an outcome.
func describe(o *scenario.Outcome) string {
	var parts []string
	switch {
	case o.Skipped:
		parts = append(parts, "not run")
	case o.Fatal != nil:
		parts = append(parts, "fatal "+o.Fatal.Message())
	case o.Errno != 0:
		parts = append(parts, fmt.Sprintf("error %d (%v)", o.Errno, o.Errno))
	default:
		parts = append(parts, fmt.Sprintf("rax=%#x rip=%#x", o.Return, o.RIP))
	}
	for _, s := range o.Signals {
		parts = append(parts, s.String())
	}
	if o.Restarts != 0 {
		parts = append(parts, fmt.Sprintf("%d restarts", o.Restarts))
	}
	if o.Err != nil {
		parts = append(parts, o.Err.Error())
	}
	return strings.Join(parts, "; ")
}
