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

	"github.com/google/subcommands"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/metric"
	"github.com/trapsim/trapsim/pkg/prometheus"
	"github.com/trapsim/trapsim/trapsim/config"
	"github.com/trapsim/trapsim/trapsim/scenario"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string

	// out is where metrics are written. Defaults to stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export trap metrics after replaying scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<trapsim_>] [<scenario.yaml>...] - replays the scenarios and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "trapsim_", "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	for _, path := range f.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			Fatalf("%v", err)
		}
		if _, err := scenario.Run(ctx, s, runOptions(conf)); err != nil {
			Fatalf("running %s: %v", path, err)
		}
	}

	commentHeader := "Command-line export for trapsim"
	if f.NArg() != 0 {
		commentHeader = fmt.Sprintf("%s after %d scenarios", commentHeader, f.NArg())
	}
	written, err := prometheus.Write(stdout(m.out), prometheus.ExportOptions{
		CommentHeader:  commentHeader,
		ExporterPrefix: m.exporterPrefix,
	}, metric.Default.Snapshot())
	if err != nil {
		Fatalf("Cannot write metrics: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data", written)

	return subcommands.ExitSuccess
}
