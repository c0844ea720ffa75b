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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics.mu.Lock()
	allMetrics.uint64Metrics = make(map[string]*Uint64Metric)
	allMetrics.mu.Unlock()
}

func TestRegistrationErrors(t *testing.T) {
	defer reset()
	reset()

	if _, err := NewUint64Metric("kcore_test_total", "test"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("kcore_test_total", "test"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/bad/name", "test"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric with bad name got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("kcore_empty_total", "test", NewField("kind")); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestIncrementWithFields(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("kcore_faults_total", "faults", NewField("kind", "cow", "demand"))
	m.Increment("cow")
	m.IncrementBy(3, "demand")
	m.Increment("bogus")

	if got := m.Value("cow"); got != 1 {
		t.Errorf("Value(cow) got %d want 1", got)
	}
	if got := m.Value("demand"); got != 3 {
		t.Errorf("Value(demand) got %d want 3", got)
	}
	if got := Snapshot()["kcore_faults_total"]["demand"]; got != 3 {
		t.Errorf("Snapshot demand got %d want 3", got)
	}
}

func TestWritePrometheusRoundTrip(t *testing.T) {
	defer reset()
	reset()

	switches := MustCreateNewUint64Metric("kcore_switches_total", "context switches")
	faults := MustCreateNewUint64Metric("kcore_faults_total", "faults", NewField("kind", "cow", "demand"))
	switches.IncrementBy(5)
	faults.Increment("cow")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus got err %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing output got err %v:\n%s", err, buf.String())
	}

	sw, ok := parsed["kcore_switches_total"]
	if !ok || len(sw.GetMetric()) != 1 {
		t.Fatalf("kcore_switches_total missing or malformed: %v", sw)
	}
	if got := sw.GetMetric()[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("switches got %v want 5", got)
	}

	f := parsed["kcore_faults_total"]
	if got := len(f.GetMetric()); got != 2 {
		t.Fatalf("faults series got %d want 2", got)
	}
	for _, m := range f.GetMetric() {
		want := 0.0
		if m.GetLabel()[0].GetValue() == "cow" {
			want = 1
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("faults{kind=%q} got %v want %v", m.GetLabel()[0].GetValue(), got, want)
		}
	}
}
