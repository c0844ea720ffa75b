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
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

// copyInSigSet copies in a sigset_t, checks its size, and ensures that KILL
// and STOP are clear.
func copyInSigSet(t *kernel.Task, sigSetAddr hostarch.Addr, size uint) (linux.SignalSet, error) {
	if size != linux.SignalSetSize {
		return 0, linuxerr.EINVAL
	}
	b := make([]byte, size)
	if _, err := t.MemoryManager().CopyIn(t, sigSetAddr, b); err != nil {
		return 0, err
	}
	mask := linux.UnmarshalSignalSet(b)
	return mask &^ linux.UnblockableSignals, nil
}

// copyOutSigSet copies out a sigset_t.
func copyOutSigSet(t *kernel.Task, sigSetAddr hostarch.Addr, mask linux.SignalSet) error {
	b := make([]byte, linux.SignalSetSize)
	linux.MarshalSignalSet(b, mask)
	_, err := t.MemoryManager().CopyOut(t, sigSetAddr, b)
	return err
}
