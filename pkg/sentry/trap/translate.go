// Copyright 2024 The gVisor Authors.
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

package trap

import (
	"fmt"

	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
)

// SignalRecord is a signal to queue for the faulting thread, with the
// auxiliary code reported to its handler.
type SignalRecord struct {
	Signal unix.Signal
	Code   int
}

// String implements fmt.Stringer.
func (r SignalRecord) String() string {
	return fmt.Sprintf("%s (code %d)", unix.SignalName(r.Signal), r.Code)
}

// FPU is the floating point unit of the faulting thread.
type FPU interface {
	// PendingException returns the SIGFPE code of the pending unmasked
	// exception, or false if none is pending.
	PendingException() (int, bool)

	// RestoreLazy makes the thread's FPU context live. It returns false if
	// that is impossible.
	RestoreLazy() bool
}

// Emulator remaps trap signals for processes running a foreign ABI.
type Emulator interface {
	RemapSignal(sig unix.Signal, kind FaultKind) unix.Signal
}

// NMIPolicy selects how non-maskable interrupts are handled.
type NMIPolicy struct {
	// PanicOnNMI makes an NMI that reports a hardware failure fatal.
	PanicOnNMI bool

	// DebuggerOnNMI offers benign NMIs to the debugger.
	DebuggerOnNMI bool
}

// Action is what the dispatcher must do with a user-mode fault.
type Action int

const (
	// ActionNone resumes the thread without a signal.
	ActionNone Action = iota

	// ActionSignal queues Translation.Signal.
	ActionSignal

	// ActionResolvePageFault hands the fault to the page fault resolver.
	ActionResolvePageFault

	// ActionFatal halts the system.
	ActionFatal
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSignal:
		return "signal"
	case ActionResolvePageFault:
		return "resolve page fault"
	case ActionFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Translation is the result of Translate.
type Translation struct {
	Action Action
	Signal SignalRecord

	// OfferDebugger is set for NMIs that should enter the debugger before
	// the thread resumes.
	OfferDebugger bool
}

func signal(sig unix.Signal, code int) Translation {
	return Translation{Action: ActionSignal, Signal: SignalRecord{Signal: sig, Code: code}}
}

// HardwareNMI reports whether an NMI frame signals a hardware failure
// (parity or I/O channel check) rather than a debug button. The NMI entry
// stores the status port bits in the error code.
func HardwareNMI(f *arch.TrapFrame) bool {
	return f.Err != 0
}

// TranslateNMI applies policy to an NMI taken in either mode.
func TranslateNMI(f *arch.TrapFrame, policy NMIPolicy) Translation {
	if !HardwareNMI(f) {
		return Translation{Action: ActionNone, OfferDebugger: policy.DebuggerOnNMI}
	}
	if policy.PanicOnNMI {
		return Translation{Action: ActionFatal}
	}
	return Translation{Action: ActionNone}
}

// Translate maps a user-mode fault of the given kind to a signal. It may
// modify f (the trace flag) and fpu (pending exceptions, lazy restore).
// Page faults are not translated here; they yield ActionResolvePageFault.
func Translate(kind FaultKind, f *arch.TrapFrame, fpu FPU, policy NMIPolicy) Translation {
	switch kind {
	case PrivilegedInstruction:
		return signal(unix.SIGILL, int(f.TrapNo))

	case Breakpoint, TraceTrap:
		f.ClearSingleStep()
		return signal(unix.SIGTRAP, 0)

	case ArithmeticError:
		code, ok := fpu.PendingException()
		if !ok {
			return Translation{Action: ActionNone}
		}
		return signal(unix.SIGFPE, code)

	case PageFault:
		return Translation{Action: ActionResolvePageFault}

	case DivideError:
		return signal(unix.SIGFPE, abi.FPE_INTDIV)

	case OverflowError:
		return signal(unix.SIGFPE, abi.FPE_INTOVF)

	case BoundsCheck:
		return signal(unix.SIGFPE, abi.FPE_FLTSUB)

	case DeviceNotAvailable:
		if fpu.RestoreLazy() {
			return Translation{Action: ActionNone}
		}
		return signal(unix.SIGFPE, abi.FPE_FPU_NP_TRAP)

	case OperandFetchFault:
		return signal(unix.SIGILL, abi.T_FPOPFLT)

	case SIMDFloatingPoint:
		return signal(unix.SIGFPE, 0)

	case NonMaskableInterrupt:
		return TranslateNMI(f, policy)

	default:
		// ProtectionFault, StackFault, SegmentFault, InvalidTask,
		// DoubleFault and everything unlisted.
		return signal(unix.SIGBUS, int(f.Err)+abi.BUS_SEGM_FAULT)
	}
}
