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

// Package config provides basic infrastructure to set configuration settings
// for kcore. Each setting that can be changed from the command line must be
// added to Config and to RegisterFlags, with a `flag` tag naming the flag.
package config

import (
	"fmt"
	"strings"
	"time"

	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/kernel"
	"kcore.dev/kcore/pkg/sentry/ktime"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

// Config holds configuration that is not part of the workload description.
// Fields with a `flag` tag are populated from the command line.
type Config struct {
	// RootDir is the directory where run records are stored.
	RootDir string `flag:"root"`

	// ConfigFile is a TOML file supplying values for flags that were not set
	// on the command line.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Quantum is the number of user instructions between timer ticks.
	Quantum uint64 `flag:"quantum"`

	// TickDuration is how far the virtual clock advances per timer tick.
	TickDuration time.Duration `flag:"tick"`

	// Clock selects the kernel clock.
	Clock ClockType `flag:"clock"`

	// TasksLimit bounds the number of live tasks.
	TasksLimit int `flag:"tasks-limit"`

	// MaxFrames bounds the physical frames available to tasks.
	MaxFrames int `flag:"max-frames"`

	// LibDir is the directory searched for shared libraries.
	LibDir string `flag:"lib-dir"`

	// MetricsFile, if set, receives the kernel metrics in Prometheus text
	// format when a run ends.
	MetricsFile string `flag:"metrics-file"`

	// MetricsInterval, if positive, also writes MetricsFile periodically
	// while the kernel runs.
	MetricsInterval time.Duration `flag:"metrics-interval"`

	// Timeout bounds the wall time of a run. Zero means no limit.
	Timeout time.Duration `flag:"timeout"`

	// AllowFlagOverride allows workload files to override any flag, not
	// only those in the allowlist.
	AllowFlagOverride bool `flag:"allow-flag-override"`
}

func (c *Config) validate() error {
	if c.TickDuration < 0 {
		return fmt.Errorf("tick duration must be positive: %v", c.TickDuration)
	}
	if c.TasksLimit < 0 {
		return fmt.Errorf("tasks-limit must be positive: %d", c.TasksLimit)
	}
	if c.MaxFrames < 0 {
		return fmt.Errorf("max-frames must be positive: %d", c.MaxFrames)
	}
	if c.MetricsInterval < 0 {
		return fmt.Errorf("metrics-interval must be positive: %v", c.MetricsInterval)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive: %v", c.Timeout)
	}
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		switch f {
		case "text", "json", "logrus":
		default:
			return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", f)
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, l := range strings.Split(c.String(), "\n") {
		log.Infof("\t\t%s", l)
	}
}

// String returns the flags that differ from their defaults, one per line.
func (c *Config) String() string {
	return strings.Join(c.ToFlags(), "\n")
}

// InitKernelArgs returns the kernel parameters selected by c. The memory
// file, filesystem, syscall table and stdio are left for the caller.
func (c *Config) InitKernelArgs() kernel.InitKernelArgs {
	args := kernel.InitKernelArgs{
		LibDir:       c.LibDir,
		Quantum:      c.Quantum,
		TickDuration: c.TickDuration,
		TasksLimit:   c.TasksLimit,
	}
	if c.Clock == ClockReal {
		args.Clock = ktime.NewRealClock()
	}
	return args
}

// MemoryFileOpts returns the frame allocator options selected by c.
func (c *Config) MemoryFileOpts() pgalloc.MemoryFileOpts {
	return pgalloc.MemoryFileOpts{MaxFrames: c.MaxFrames}
}

// ClockType tells which clock the kernel uses.
type ClockType int

const (
	// ClockVirtual advances only with timer ticks, so runs are
	// deterministic.
	ClockVirtual ClockType = iota

	// ClockReal follows the host's monotonic clock.
	ClockReal
)

func clockTypePtr(c ClockType) *ClockType {
	return &c
}

// Set implements flag.Value.
func (c *ClockType) Set(v string) error {
	switch v {
	case "virtual":
		*c = ClockVirtual
	case "real":
		*c = ClockReal
	default:
		return fmt.Errorf("invalid clock type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (c *ClockType) Get() any {
	return *c
}

// String implements flag.Value.
func (c ClockType) String() string {
	switch c {
	case ClockVirtual:
		return "virtual"
	case ClockReal:
		return "real"
	}
	panic(fmt.Sprintf("Invalid clock type %d", c))
}
