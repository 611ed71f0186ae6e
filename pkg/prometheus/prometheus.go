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

// Package prometheus renders metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String returns the name used on "# TYPE" lines.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value. Trap counters are integral.
	Value uint64 `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val uint64) *Data {
	return &Data{Metric: metric, Value: val}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and
// value.
func LabeledIntData(metric *Metric, labels map[string]string, val uint64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

// Snapshot is a set of metric values observed together.
type Snapshot struct {
	// Data is the set of observations, in any order.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Add adds data to the snapshot. It returns the snapshot for chaining.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions controls how a snapshot is written.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string
}

// escapeHelp applies the HELP escaping rules: only backslashes and line
// breaks.
func escapeHelp(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "\n", `\n`)
}

// escapeLabel applies the label value escaping rules.
func escapeLabel(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "\n", `\n`), `"`, `\"`)
}

func (d *Data) writeLabels(w io.Writer) error {
	if len(d.Labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Labels))
	for k := range d.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=\"%s\"", k, escapeLabel(d.Labels[k]))
	}
	_, err := fmt.Fprintf(w, "{%s}", strings.Join(parts, ","))
	return err
}

// Write writes the snapshot to w. Observations are grouped by metric name so
// that each family gets exactly one HELP and TYPE header, as the format
// requires. It returns the number of bytes written.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.written, err
			}
		}
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)

	for _, name := range names {
		family := byName[name]
		m := family[0].Metric
		fullName := options.ExporterPrefix + name
		if m.Help != "" {
			if _, err := fmt.Fprintf(cw, "# HELP %s %s\n", fullName, escapeHelp(m.Help)); err != nil {
				return cw.written, err
			}
		}
		if _, err := fmt.Fprintf(cw, "# TYPE %s %s\n", fullName, m.Type); err != nil {
			return cw.written, err
		}
		for _, d := range family {
			if _, err := io.WriteString(cw, fullName); err != nil {
				return cw.written, err
			}
			if err := d.writeLabels(cw); err != nil {
				return cw.written, err
			}
			if _, err := fmt.Fprintf(cw, " %d\n", d.Value); err != nil {
				return cw.written, err
			}
		}
	}
	return cw.written, cw.w.Flush()
}

type countingWriter struct {
	w       *bufio.Writer
	written int
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.written += n
	return n, err
}
