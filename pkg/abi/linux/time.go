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

package linux

import (
	"encoding/binary"
	"time"
)

// Timespec represents struct timespec in <time.h>.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// SizeOfTimespec is the size in bytes of Timespec in user memory.
const SizeOfTimespec = 16

// Valid returns whether the timespec contains valid values.
func (ts Timespec) Valid() bool {
	return !(ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second))
}

// ToDuration returns the safe nanosecond representation as a time.Duration.
func (ts Timespec) ToDuration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// DurationToTimespec returns the Timespec representation of d.
func DurationToTimespec(d time.Duration) Timespec {
	if d < 0 {
		d = 0
	}
	return Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

// MarshalBytes encodes ts into dst.
func (ts *Timespec) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(dst[8:], uint64(ts.Nsec))
}

// UnmarshalBytes decodes ts from src.
func (ts *Timespec) UnmarshalBytes(src []byte) {
	ts.Sec = int64(binary.LittleEndian.Uint64(src[0:]))
	ts.Nsec = int64(binary.LittleEndian.Uint64(src[8:]))
}
