// Copyright 2018 The gVisor Authors.
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
	"io"
	"sort"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/os161/vmsim/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that a metric was declared with more than
	// one field.
	ErrTooManyFields = errors.New("metric may have at most one field")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// field is the optional field breaking the metric down. If it is nil,
	// values has exactly one element.
	field *Field

	// values holds one counter per allowed field value, in the order of
	// field.allowedValues.
	values []atomic.Uint64
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
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

var (
	mu sync.Mutex

	// allMetrics are the registered metrics, by name.
	//
	// +checklocks:mu
	allMetrics = map[string]*Uint64Metric{}
)

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if len(fields) > 1 {
		return nil, ErrTooManyFields
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
	}
	n := 1
	if len(fields) == 1 {
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		m.field = &fields[0]
		n = len(fields[0].allowedValues)
	}
	m.values = make([]atomic.Uint64, n)

	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// lookup returns the index of the counter for fieldValues. It panics if the
// number of values does not match the metric's fields or the value is not
// allowed.
func (m *Uint64Metric) lookup(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic("invalid field lookup depth")
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic("invalid field lookup depth")
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("disallowed field value %q for metric %s", fieldValues[0], m.name))
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.lookup(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.lookup(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.lookup(fieldValues)].Add(v)
}

// Values returns a snapshot of every registered metric. Metrics with a field
// are keyed "name{field=value}".
func Values() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]uint64)
	for name, m := range allMetrics {
		if m.field == nil {
			out[name] = m.values[0].Load()
			continue
		}
		for i, v := range m.field.allowedValues {
			out[fmt.Sprintf("%s{%s=%s}", name, m.field.name, v)] = m.values[i].Load()
		}
	}
	return out
}

// prometheusName converts a metric name such as "/vm/faults" to the
// Prometheus name "vmsim_vm_faults".
func prometheusName(name string) string {
	return "vmsim" + strings.NewReplacer("/", "_", "-", "_").Replace(name)
}

// toFamily converts m into its Prometheus representation.
func (m *Uint64Metric) toFamily() *dto.MetricFamily {
	name := prometheusName(m.name)
	help := m.description
	typ := dto.MetricType_COUNTER
	f := &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: &typ,
	}
	for i := range m.values {
		v := float64(m.values[i].Load())
		metric := &dto.Metric{Counter: &dto.Counter{Value: &v}}
		if m.field != nil {
			label, value := m.field.name, m.field.allowedValues[i]
			metric.Label = []*dto.LabelPair{{Name: &label, Value: &value}}
		}
		f.Metric = append(f.Metric, metric)
	}
	return f
}

// Emit writes every registered metric to w in the Prometheus text exposition
// format, sorted by name.
func Emit(w io.Writer) error {
	mu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		families = append(families, allMetrics[name].toFamily())
	}
	mu.Unlock()

	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing metric %s: %w", f.GetName(), err)
		}
	}
	return nil
}
