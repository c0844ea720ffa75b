// Copyright 2025 The gVisor Authors.
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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
)

// writeMetrics writes the kernel metrics to path in Prometheus text format.
// The file is replaced atomically so that readers never see a partial
// snapshot.
func writeMetrics(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := metric.WritePrometheus(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// exportMetrics writes the metrics to path every interval until ctx is
// done.
func exportMetrics(ctx context.Context, path string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeMetrics(path); err != nil {
				log.Warningf("Exporting metrics: %v", err)
			}
		}
	}
}
