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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/trapsim/trapsim/pkg/prometheus"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not have the
	// "/component/name" shape.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. All counters are cumulative.
type Uint64Metric struct {
	name        string
	description string

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. Passing in a
		// no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "\"\n\\") {
				return fieldMapper{}, ErrFieldValueContainsIllegalChar
			}
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the inverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// Registry holds a set of metrics that are exported together.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Uint64Metric)}
}

// Default is the registry used by MustCreateNewUint64Metric.
var Default = NewRegistry()

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '/':
		default:
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
	}
	r.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric registers a metric in the Default registry and
// panics if that fails. Metrics must be statically defined (i.e., at init).
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := Default.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// promName converts "/trap/page_faults" into "trap_page_faults".
func promName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Snapshot returns the current value of every metric in the registry. Field
// combinations that were never incremented are omitted, except for metrics
// without fields which are always reported.
func (r *Registry) Snapshot() *prometheus.Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	s := prometheus.NewSnapshot()
	for _, name := range names {
		r.mu.Lock()
		m := r.metrics[name]
		r.mu.Unlock()
		pm := &prometheus.Metric{
			Name: promName(m.name),
			Type: prometheus.TypeCounter,
			Help: m.description,
		}
		if len(m.fieldMapper.fields) == 0 {
			s.Add(prometheus.NewIntData(pm, m.fields[0].Load()))
			continue
		}
		for key := range m.fields {
			v := m.fields[key].Load()
			if v == 0 {
				continue
			}
			labels := make(map[string]string, len(m.fieldMapper.fields))
			for i, val := range m.fieldMapper.keyToMultiField(key) {
				labels[m.fieldMapper.fields[i].name] = val
			}
			s.Add(prometheus.LabeledIntData(pm, labels, v))
		}
	}
	return s
}
