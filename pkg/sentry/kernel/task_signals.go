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
	"time"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/ktime"
)

// maxSignalFrames is the maximum nesting depth of signal handlers.
const maxSignalFrames = 64

var signalsDeliveredMetric = metric.MustCreateNewUint64Metric("kcore_kernel_signals_delivered_total",
	"Number of signals dequeued for delivery, by disposition.",
	metric.NewField("disposition", "handler", "terminate", "ignore", "stop", "continue"))

// SignalAction is an internal signal action.
type SignalAction int

// Available signal actions.
// Note that although we refer the complete set internally,
// the application is only capable of using the Default and
// Ignore actions from the system call interface.
const (
	SignalActionTerm SignalAction = iota
	SignalActionStop
	SignalActionIgnore
	SignalActionContinue
)

// defaultActions contain the default action for each signal without an entry
// for SignalActionTerm. Core dumping signals terminate without a dump.
var defaultActions = map[linux.Signal]SignalAction{
	linux.SIGSTOP:  SignalActionStop,
	linux.SIGTSTP:  SignalActionStop,
	linux.SIGTTIN:  SignalActionStop,
	linux.SIGTTOU:  SignalActionStop,
	linux.SIGCHLD:  SignalActionIgnore,
	linux.SIGURG:   SignalActionIgnore,
	linux.SIGWINCH: SignalActionIgnore,
	linux.SIGCONT:  SignalActionContinue,
}

// DefaultAction returns the default action of sig.
func DefaultAction(sig linux.Signal) SignalAction {
	if a, ok := defaultActions[sig]; ok {
		return a
	}
	return SignalActionTerm
}

// stopSignals are the signals whose default action is to stop the task.
var stopSignals = linux.MakeSignalSet(linux.SIGSTOP, linux.SIGTSTP, linux.SIGTTIN, linux.SIGTTOU)

// signalFrame is the context interrupted by a running signal handler.
// Frames are kept by the kernel rather than on the user stack, so a handler
// cannot corrupt the context it returns to.
type signalFrame struct {
	// ctx is the interrupted register context.
	ctx *arch.Context

	// mask is the signal mask to restore when the handler returns.
	mask linux.SignalSet

	// sig is the signal being handled.
	sig linux.Signal
}

// SignalMask returns the set of blocked signals.
func (t *Task) SignalMask() linux.SignalSet {
	return t.signalMask
}

// SetSignalMask sets the set of blocked signals. SIGKILL and SIGSTOP are
// silently left unblocked.
func (t *Task) SetSignalMask(mask linux.SignalSet) {
	t.setSignalMask(mask)
}

func (t *Task) setSignalMask(mask linux.SignalSet) {
	t.signalMask = mask &^ linux.UnblockableSignals
}

// PendingSignals returns the set of signals pending delivery to t.
func (t *Task) PendingSignals() linux.SignalSet {
	return t.pendingSignals
}

// HandlingSignals returns the set of signals whose handlers are running.
func (t *Task) HandlingSignals() linux.SignalSet {
	return t.handling
}

// Sigpending returns the set of signals that are pending because they are
// blocked.
func (t *Task) Sigpending() linux.SignalSet {
	return t.pendingSignals & t.signalMask
}

// SigAction returns the action installed for sig.
//
// Preconditions: sig.IsValid().
func (t *Task) SigAction(sig linux.Signal) linux.SigAction {
	return t.handlers[sig]
}

// SetSigAction installs act as the action for sig if act is not nil, and
// returns the previous action. Requests to change the action of SIGKILL or
// SIGSTOP are silently refused.
func (t *Task) SetSigAction(sig linux.Signal, act *linux.SigAction) (linux.SigAction, error) {
	if !sig.IsValid() {
		return linux.SigAction{}, linuxerr.EINVAL
	}
	old := t.handlers[sig]
	if act == nil || linux.UnblockableSignals.Has(sig) {
		return old, nil
	}
	a := *act
	a.Mask &^= linux.UnblockableSignals
	t.handlers[sig] = a
	// Pending signals that are now ignored are discarded.
	if t.ignored(sig) {
		t.pendingSignals &^= linux.SignalSetOf(sig)
	}
	return old, nil
}

// ignored returns true if delivering sig to t would do nothing.
func (t *Task) ignored(sig linux.Signal) bool {
	if linux.UnblockableSignals.Has(sig) {
		return false
	}
	switch t.handlers[sig].Handler {
	case linux.SIG_IGN:
		return true
	case linux.SIG_DFL:
		return DefaultAction(sig) == SignalActionIgnore
	default:
		return false
	}
}

// SendSignal marks sig pending for t.
//
// Signals that t ignores and does not block are discarded. SIGKILL and
// SIGCONT resume a stopped task; a stop signal cancels a pending SIGCONT and
// vice versa.
func (t *Task) SendSignal(sig linux.Signal) error {
	if !sig.IsValid() {
		return linuxerr.EINVAL
	}
	if t.state == TaskDead {
		return nil
	}
	bit := linux.SignalSetOf(sig)
	switch {
	case sig == linux.SIGKILL:
		t.resumeStopped()
	case sig == linux.SIGCONT:
		t.pendingSignals &^= stopSignals
		t.resumeStopped()
		if t.handlers[sig].Handler == linux.SIG_DFL && !t.signalMask.Has(sig) {
			// The default action has been carried out.
			return nil
		}
	case stopSignals.Has(sig):
		t.pendingSignals &^= linux.SignalSetOf(linux.SIGCONT)
	}
	if t.ignored(sig) && !t.signalMask.Has(sig) {
		t.Debugf("Discarding ignored signal %v", sig)
		return nil
	}
	t.pendingSignals |= bit
	return nil
}

// forceSignal delivers sig to t regardless of its signal mask. If sig is
// blocked or ignored, its action is reset to the default.
func (t *Task) forceSignal(sig linux.Signal) {
	if t.handlers[sig].Handler == linux.SIG_IGN || t.signalMask.Has(sig) {
		t.handlers[sig] = linux.SigAction{}
	}
	t.signalMask &^= linux.SignalSetOf(sig)
	t.pendingSignals |= linux.SignalSetOf(sig)
}

// resumeStopped makes a stopped t READY.
func (t *Task) resumeStopped() {
	if t.state == TaskStopped {
		t.Debugf("Resuming from stop")
		t.state = TaskReady
	}
}

// requestExit asks t to exit with the given status at its next safe point.
// The first request wins.
func (t *Task) requestExit(status linux.WaitStatus) {
	if t.state == TaskDead {
		return
	}
	if !t.exitRequested {
		t.exitRequested = true
		t.exitStatus = status
	}
	t.resumeStopped()
}

// ExitRequested returns true if t has been asked to exit.
func (t *Task) ExitRequested() bool {
	return t.exitRequested
}

// SignalOccurring returns true if t has a pending signal that is not
// blocked, including an expired alarm.
func (t *Task) SignalOccurring() bool {
	if t.pendingSignals&^t.signalMask != 0 {
		return true
	}
	return t.alarmExpired() && !t.signalMask.Has(linux.SIGALRM) && !t.ignored(linux.SIGALRM)
}

// interrupted returns true if a blocking operation performed by t should
// stop waiting and return.
func (t *Task) interrupted() bool {
	return t.exitRequested || t.SignalOccurring()
}

// Alarm arms the alarm to fire after the given number of seconds, or
// disarms it if seconds is 0. It returns the number of seconds remaining on
// the previous alarm, or 0 if there was none.
func (t *Task) Alarm(seconds uint32) uint32 {
	now := t.k.clock.Now()
	var remaining uint32
	if !t.alarm.IsZero() && t.alarm.After(now) {
		d := t.alarm.Sub(now)
		remaining = uint32((d + time.Second/2) / time.Second)
		if remaining == 0 {
			remaining = 1
		}
	}
	if seconds == 0 {
		t.alarm = ktime.Time{}
	} else {
		t.alarm = now.Add(time.Duration(seconds) * time.Second)
	}
	return remaining
}

func (t *Task) alarmExpired() bool {
	return !t.alarm.IsZero() && !t.k.clock.Now().Before(t.alarm)
}

// dispatchSignal delivers one pending, unblocked signal to t. It returns
// false if there was nothing to deliver.
//
// Preconditions: t is running and not in a system call.
func (t *Task) dispatchSignal() bool {
	if t.alarmExpired() {
		t.alarm = ktime.Time{}
		t.SendSignal(linux.SIGALRM)
	}
	deliverable := t.pendingSignals &^ t.signalMask
	if deliverable == 0 {
		return false
	}
	sig := deliverable.Lowest()
	t.pendingSignals &^= linux.SignalSetOf(sig)

	act := t.handlers[sig]
	switch {
	case act.Handler == linux.SIG_IGN:
		signalsDeliveredMetric.Increment("ignore")
		return true
	case act.Handler != linux.SIG_DFL:
		t.deliverSignal(sig, act)
		return true
	}

	switch DefaultAction(sig) {
	case SignalActionTerm:
		signalsDeliveredMetric.Increment("terminate")
		t.Infof("Killed by %v", sig)
		t.requestExit(linux.WaitStatusTerminationSignal(sig))
	case SignalActionIgnore:
		signalsDeliveredMetric.Increment("ignore")
	case SignalActionStop:
		signalsDeliveredMetric.Increment("stop")
		t.Debugf("Stopped by %v", sig)
		t.state = TaskStopped
		// Returns once SIGCONT or SIGKILL makes t READY and the
		// scheduler picks it.
		t.k.schedule(t)
	case SignalActionContinue:
		signalsDeliveredMetric.Increment("continue")
	}
	return true
}

// deliverSignal redirects t's context into the user handler for sig. The
// handler's return address is the sigreturn trampoline, or the restorer
// installed with SA_RESTORER.
func (t *Task) deliverSignal(sig linux.Signal, act linux.SigAction) {
	if len(t.frames) >= maxSignalFrames {
		t.Warningf("Signal handlers nested too deeply handling %v", sig)
		t.requestExit(linux.WaitStatusTerminationSignal(linux.SIGSEGV))
		return
	}
	signalsDeliveredMetric.Increment("handler")
	t.k.cpu.SaveFPU(t.ac)

	mask := t.signalMask
	if t.haveSavedSignalMask {
		mask = t.savedSignalMask
		t.haveSavedSignalMask = false
	}
	t.frames = append(t.frames, signalFrame{ctx: t.ac.Fork(), mask: mask, sig: sig})

	newMask := t.signalMask | act.Mask
	if act.Flags&linux.SA_NODEFER == 0 {
		newMask |= linux.SignalSetOf(sig)
	}
	t.setSignalMask(newMask)
	if act.Flags&linux.SA_RESETHAND != 0 {
		t.handlers[sig] = linux.SigAction{}
	}
	t.handling |= linux.SignalSetOf(sig)

	ret := uint64(arch.SigreturnAddr)
	if act.Flags&linux.SA_RESTORER != 0 && act.Restorer != 0 {
		ret = act.Restorer
	}
	t.ac.SetIP(hostarch.Addr(act.Handler))
	t.ac.Regs.R[1] = uint64(sig)
	t.ac.Calls = []uint64{ret}
	t.Debugf("Delivering %v to handler %#x, mask %#x", sig, act.Handler, uint64(t.signalMask))
}

// SignalReturn resumes the context interrupted by the innermost running
// signal handler and restores the signal mask saved with it. A return with
// no handler running raises SIGSEGV.
func (t *Task) SignalReturn() (*SyscallControl, error) {
	n := len(t.frames)
	if n == 0 {
		t.Warningf("Signal return with no signal handler running")
		t.forceSignal(linux.SIGSEGV)
		return ctrlRestoreContext, nil
	}
	f := t.frames[n-1]
	t.frames[n-1] = signalFrame{}
	t.frames = t.frames[:n-1]

	*t.ac = *f.ctx
	t.k.cpu.DropFPU(t.ac)
	t.handling &^= linux.SignalSetOf(f.sig)
	t.setSignalMask(f.mask)
	t.sigsuspendWaiting = false
	return ctrlRestoreContext, nil
}

// SignalFrames returns the number of running signal handlers.
func (t *Task) SignalFrames() int {
	return len(t.frames)
}

// Sigsuspend replaces the signal mask with mask and waits until a signal is
// deliverable. The original mask is restored when the handler returns, or
// before returning to user mode if no handler runs. Sigsuspend always
// returns EINTR.
func (t *Task) Sigsuspend(mask linux.SignalSet) error {
	t.savedSignalMask = t.signalMask
	t.haveSavedSignalMask = true
	t.setSignalMask(mask)
	t.sigsuspendWaiting = true
	for !t.interrupted() {
		t.Yield()
	}
	return linuxerr.EINTR
}

// SigsuspendWaiting returns true while t waits in Sigsuspend, until the
// handler of the signal that woke it returns.
func (t *Task) SigsuspendWaiting() bool {
	return t.sigsuspendWaiting
}
