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

// Package sighandling forwards signals received by the host process to the
// emulated kernel.
package sighandling

import (
	"fmt"
	"os"
	"os/signal"
	"reflect"

	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/log"
)

// Forwarded lists the host signals that are forwarded.
var Forwarded = []linux.Signal{
	linux.SIGHUP,
	linux.SIGINT,
	linux.SIGQUIT,
	linux.SIGUSR1,
	linux.SIGUSR2,
	linux.SIGTERM,
	linux.SIGCONT,
}

// forwardSignals listens for incoming signals and passes them to deliver.
//
// It starts when the start channel is closed, stops when the stop channel
// is closed, and closes done once it will no longer deliver signals.
func forwardSignals(deliver func(linux.Signal), sigs []linux.Signal, sigchans []chan os.Signal, start, stop, done chan struct{}) {
	// Build a select case.
	sc := []reflect.SelectCase{{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(start)}}
	for _, sigchan := range sigchans {
		sc = append(sc, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sigchan)})
	}

	started := false
	for {
		// Wait for a notification.
		index, _, ok := reflect.Select(sc)

		// Was it the start / stop channel?
		if index == 0 {
			if !ok {
				if !started {
					// start channel; start forwarding and
					// swap this case for the stop channel
					// to select stop requests.
					started = true
					sc[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(stop)}
				} else {
					// stop channel.
					close(done)
					return
				}
			}
			continue
		}

		// How about a different close?
		if !ok {
			panic("signal channel closed unexpectedly")
		}

		// Otherwise, it was a signal on channel N. Index 0 represents the
		// start/stop channel, so index N represents sigs[N-1].
		sig := sigs[index-1]

		if !started {
			// The kernel cannot receive signals yet. Die if this signal
			// would have killed the process before PrepareForwarding was
			// called, and ignore it otherwise.
			switch sig {
			case linux.SIGHUP, linux.SIGINT, linux.SIGTERM:
				dieFromSignal(sig)
				panic(fmt.Sprintf("Failed to die from signal %d", sig))
			default:
				continue
			}
		}

		log.Debugf("Forwarding host signal %v", sig)
		deliver(sig)
	}
}

// dieFromSignal kills the current process with sig.
func dieFromSignal(sig linux.Signal) {
	signal.Reset(unix.Signal(sig))
	unix.Kill(os.Getpid(), unix.Signal(sig))
}

// PrepareForwarding ensures that the Forwarded signals, except skipSignal,
// are passed to deliver, and returns a callback that starts signal delivery,
// which itself returns a callback that stops signal forwarding.
//
// After the stop callback, signals revert to the default Go runtime
// behavior.
func PrepareForwarding(deliver func(linux.Signal), skipSignal linux.Signal) func() func() {
	start := make(chan struct{})
	stop := make(chan struct{})
	done := make(chan struct{})

	// Register individual channels. One channel per signal is required as
	// os.Notify() is non-blocking and may drop signals. Channel size 1 is
	// enough for standard signals as their semantics allow de-duplication.
	var (
		sigs     []linux.Signal
		sigchans []chan os.Signal
	)
	for _, sig := range Forwarded {
		if sig == skipSignal {
			continue
		}
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, unix.Signal(sig))
		sigs = append(sigs, sig)
		sigchans = append(sigchans, sigchan)
	}
	// Start up our listener.
	go forwardSignals(deliver, sigs, sigchans, start, stop, done)

	return func() func() {
		close(start)
		return func() {
			close(stop)
			<-done
			for _, sigchan := range sigchans {
				signal.Stop(sigchan)
			}
		}
	}
}
