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

package kernel

import (
	"fmt"
	"strings"
	"time"

	"kcore.dev/kcore/pkg/log"
)

// faultLogger reports unresolved user faults, which a misbehaving program
// can raise at a high rate.
var faultLogger = log.BasicRateLimitedLogger(time.Second)

// logPrefix returns the prefix of t's log messages.
func (t *Task) logPrefix() string {
	return fmt.Sprintf("[%7d:%s] ", t.pid, t.name)
}

// Debugf logs to the global logger.
func (t *Task) Debugf(fmt string, v ...any) {
	log.Log().DebugfAtDepth(1, t.logPrefix()+fmt, v...)
}

// Infof logs to the global logger.
func (t *Task) Infof(fmt string, v ...any) {
	log.Log().InfofAtDepth(1, t.logPrefix()+fmt, v...)
}

// Warningf logs to the global logger.
func (t *Task) Warningf(fmt string, v ...any) {
	log.Log().WarningfAtDepth(1, t.logPrefix()+fmt, v...)
}

// IsLogging returns true iff this level is being logged.
func (t *Task) IsLogging(level log.Level) bool {
	return log.IsLogging(level)
}

// DebugDumpState logs t's registers and mappings at debug level.
func (t *Task) DebugDumpState() {
	if !log.IsLogging(log.Debug) {
		return
	}
	t.Debugf("Registers: %v", t.ac)
	if t.mm == nil {
		return
	}
	var b strings.Builder
	for _, m := range t.mm.Mappings() {
		b.WriteString("\n\t")
		b.WriteString(m.String())
	}
	t.Debugf("Mappings:%s", b.String())
}
