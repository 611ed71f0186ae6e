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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
	abi    string

	// out is where the listing is printed. Defaults to stdout.
	out io.Writer
}

// CompatibilityInfo maps ABI names to their system call documentation.
type CompatibilityInfo map[string]ABIInfo

// ABIInfo is compatibility doc for an ABI.
type ABIInfo struct {
	// Syscalls maps syscall number for the ABI to the doc.
	Syscalls map[uintptr]SyscallDoc `json:"syscalls"`
}

// SyscallDoc represents a single item of syscall documentation.
type SyscallDoc struct {
	Name string `json:"name"`
	num  uintptr

	NArgs   int    `json:"nargs"`
	MPSafe  bool   `json:"mpsafe,omitempty"`
	Support string `json:"support"`
	Note    string `json:"note,omitempty"`
}

type outputFunc func(io.Writer, CompatibilityInfo) error

var (
	// The string name to use for printing compatibility for all ABIs.
	abiAll = "all"

	// A map of output type names to output functions.
	outputMap = map[string]outputFunc{
		"table": outputTable,
		"json":  outputJSON,
		"csv":   outputCSV,
	}
)

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print compatibility information for syscalls."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print compatibility information for syscalls.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json).")
	f.StringVar(&s.abi, "abi", abiAll, "The ABI (e.g. bsd, linux).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		Fatalf("Unsupported output format %q", s.output)
	}

	info, err := getCompatibilityInfo(s.abi)
	if err != nil {
		Fatalf("%v", err)
	}

	if err := out(stdout(s.out), info); err != nil {
		Fatalf("Error writing output: %v", err)
	}

	return subcommands.ExitSuccess
}

// getCompatibilityInfo returns compatibility info for the given ABI name.
// Supports the special name 'all' that specifies that all registered ABIs
// should be included.
func getCompatibilityInfo(abiName string) (CompatibilityInfo, error) {
	info := make(CompatibilityInfo)
	names := []string{abiName}
	if abiName == abiAll {
		names = kernel.ABIs()
	}
	for _, name := range names {
		abiInfo, err := getABIInfo(name)
		if err != nil {
			return info, err
		}
		info[name] = abiInfo
	}
	return info, nil
}

// getABIInfo returns compatibility info for a specific ABI.
func getABIInfo(abiName string) (ABIInfo, error) {
	info := ABIInfo{}
	info.Syscalls = make(map[uintptr]SyscallDoc)

	a, ok := kernel.LookupABI(abiName)
	if !ok {
		return info, fmt.Errorf("syscall table for %s not found", abiName)
	}

	for num, sc := range a.Table.Table {
		info.Syscalls[num] = SyscallDoc{
			Name:    sc.Name,
			num:     num,
			NArgs:   sc.NArgs,
			MPSafe:  sc.MPSafe,
			Support: sc.SupportLevel.String(),
			Note:    sc.Note,
		}
	}

	return info, nil
}

// sortedABIs returns the ABI names of info in order.
func sortedABIs(info CompatibilityInfo) []string {
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedCalls returns the syscalls of info in number order.
func sortedCalls(info ABIInfo) []SyscallDoc {
	calls := make([]SyscallDoc, 0, len(info.Syscalls))
	for _, sc := range info.Syscalls {
		calls = append(calls, sc)
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].num < calls[j].num
	})
	return calls
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, info CompatibilityInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	for _, abiName := range sortedABIs(info) {
		// Print the ABI.
		fmt.Fprintf(w, "%s:\n\n", abiName)

		// Write the header
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			"NUM",
			"NAME",
			"ARGS",
			"SUPPORT",
			"NOTE",
		)
		if err != nil {
			return err
		}

		// Write each syscall entry
		for _, sc := range sortedCalls(info[abiName]) {
			_, err = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				strconv.FormatInt(int64(sc.num), 10),
				sc.Name,
				sc.NArgs,
				sc.Support,
				sc.Note,
			)
			if err != nil {
				return err
			}
		}

		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	return nil
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, info CompatibilityInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, info CompatibilityInfo) error {
	csvWriter := csv.NewWriter(w)

	// Write the header
	err := csvWriter.Write([]string{
		"ABI",
		"Num",
		"Name",
		"Args",
		"MPSafe",
		"Support",
		"Note",
	})
	if err != nil {
		return err
	}

	for _, abiName := range sortedABIs(info) {
		// Write each syscall entry
		for _, sc := range sortedCalls(info[abiName]) {
			err = csvWriter.Write([]string{
				abiName,
				strconv.FormatInt(int64(sc.num), 10),
				sc.Name,
				strconv.Itoa(sc.NArgs),
				strconv.FormatBool(sc.MPSafe),
				sc.Support,
				sc.Note,
			})
			if err != nil {
				return err
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}
