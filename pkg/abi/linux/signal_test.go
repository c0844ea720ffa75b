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

package linux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSignalSet(t *testing.T) {
	set := MakeSignalSet(SIGUSR1, SIGCHLD, SIGHUP)
	if !set.Has(SIGUSR1) || set.Has(SIGUSR2) {
		t.Errorf("Has mismatch for %#x", uint64(set))
	}
	if got := set.Lowest(); got != SIGHUP {
		t.Errorf("Lowest got %v want %v", got, SIGHUP)
	}
	var got []Signal
	ForEachSignal(set, func(sig Signal) { got = append(got, sig) })
	if diff := cmp.Diff([]Signal{SIGHUP, SIGUSR1, SIGCHLD}, got); diff != "" {
		t.Errorf("ForEachSignal mismatch (-want +got):\n%s", diff)
	}
	if got := SignalSet(0).Lowest(); got != 0 {
		t.Errorf("Lowest of empty set got %v want 0", got)
	}
}

func TestSigActionLayout(t *testing.T) {
	want := SigAction{Handler: 0x400010, Flags: SA_NODEFER, Restorer: 0, Mask: MakeSignalSet(SIGINT)}
	buf := make([]byte, SizeOfSigAction)
	want.MarshalBytes(buf)
	if buf[0] != 0x10 || buf[2] != 0x40 {
		t.Errorf("handler not little-endian: % x", buf[:8])
	}
	var got SigAction
	got.UnmarshalBytes(buf)
	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestWaitStatus(t *testing.T) {
	ws := WaitStatusExit(7)
	if !ws.Exited() || ws.ExitStatus() != 7 || uint32(ws) != 7<<8 {
		t.Errorf("exit status %#x", uint32(ws))
	}
	ws = WaitStatusTerminationSignal(SIGKILL)
	if !ws.Signaled() || ws.TerminationSignal() != SIGKILL {
		t.Errorf("signal status %#x", uint32(ws))
	}
}
