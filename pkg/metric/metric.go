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
//
// Metrics are registered once at package init time and exported in the
// Prometheus text exposition format.
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
	"google.golang.org/protobuf/proto"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a valid Prometheus
	// metric name.
	ErrInvalidName = errors.New("metric name is not valid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrFieldValueNotAllowed indicates that a field value was not declared
	// when the metric was created.
	ErrFieldValueNotAllowed = errors.New("metric field value is not allowed")
)

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
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// values maps a field-value key (values joined by "\x00") to its
	// counter. The set of keys is fixed at creation.
	values map[string]*atomic.Uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu            sync.Mutex
	uint64Metrics map[string]*Uint64Metric
}

var allMetrics = metricSet{uint64Metrics: make(map[string]*Uint64Metric)}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// combinations returns every key of field-value combinations.
func combinations(fields []Field) []string {
	keys := []string{""}
	for i, f := range fields {
		var next []string
		for _, k := range keys {
			for _, v := range f.allowedValues {
				if i == 0 {
					next = append(next, v)
				} else {
					next = append(next, k+"\x00"+v)
				}
			}
		}
		keys = next
	}
	return keys
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrFieldHasNoAllowedValues, f.name)
		}
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}

	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		values:      make(map[string]*atomic.Uint64),
	}
	for _, k := range combinations(fields) {
		m.values[k] = &atomic.Uint64{}
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q takes %d field values, got %d", m.name, len(m.fields), len(fieldValues)))
	}
	c, ok := m.values[strings.Join(fieldValues, "\x00")]
	if !ok {
		// Counting into a value that was never declared is a programming
		// error, but not worth crashing the kernel over.
		log.Warningf("metric %q: %v: %v", m.name, ErrFieldValueNotAllowed, fieldValues)
		return nil
	}
	return c
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	if c := m.counter(fieldValues); c != nil {
		return c.Load()
	}
	return 0
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	if c := m.counter(fieldValues); c != nil {
		c.Add(v)
	}
}

// family renders m as a Prometheus counter family.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(m.name),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metric := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[k].Load()))},
		}
		if len(m.fields) > 0 {
			for i, v := range strings.Split(k, "\x00") {
				metric.Label = append(metric.Label, &dto.LabelPair{
					Name:  proto.String(m.fields[i].name),
					Value: proto.String(v),
				})
			}
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format, ordered by name.
func WritePrometheus(w io.Writer) error {
	allMetrics.mu.Lock()
	names := make([]string, 0, len(allMetrics.uint64Metrics))
	for name := range allMetrics.uint64Metrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, allMetrics.uint64Metrics[name])
	}
	allMetrics.mu.Unlock()

	for _, m := range metrics {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}

// Snapshot returns the current value of every registered metric, keyed by
// name and then by the comma-joined field values ("" for metrics without
// fields).
func Snapshot() map[string]map[string]uint64 {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	out := make(map[string]map[string]uint64, len(allMetrics.uint64Metrics))
	for name, m := range allMetrics.uint64Metrics {
		vals := make(map[string]uint64, len(m.values))
		for k, c := range m.values {
			vals[strings.ReplaceAll(k, "\x00", ",")] = c.Load()
		}
		out[name] = vals
	}
	return out
}
