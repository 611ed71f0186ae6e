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

package kernel

import (
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

func (k *Kernel) nmiPolicy() trap.NMIPolicy {
	return trap.NMIPolicy{
		PanicOnNMI:    k.cfg.PanicOnNMI,
		DebuggerOnNMI: k.cfg.DebuggerOnNMI,
	}
}

// Trap handles the hardware exception described by f, taken by t. On
// return f holds the state to resume with: unchanged, repaired by a fixup,
// redirected to a recovery point, or with the trace flag cleared.
func (k *Kernel) Trap(t *Thread, f *arch.TrapFrame) {
	if k.Halted() {
		return
	}
	kind := trap.Classify(f.TrapNo)
	user := f.UserMode()
	if user && t.p == nil {
		panic("user-mode trap on an idle thread")
	}
	trapCount.Increment(kind.Name(), modeName(user))

	if k.debugger != nil && k.debugger.Active(t.cpu.ID) {
		// A trap inside the debugger.
		k.fatal(t, f, faultVA(f))
		return
	}

	k.checkInterrupts(t, f, kind, user)

	if user {
		k.userTrap(t, f, kind)
	} else {
		k.kernelTrap(t, f, kind)
	}
}

// faultVA returns the address reported as the fault VA of a fatal trap.
func faultVA(f *arch.TrapFrame) uint64 {
	if trap.Classify(f.TrapNo) == trap.PageFault {
		return f.Addr
	}
	return 0
}

// checkInterrupts handles a trap taken with interrupts disabled. Coming from
// user mode this is a bug in whatever disabled them, and they are enabled
// again. In the kernel it is only reported.
func (k *Kernel) checkInterrupts(t *Thread, f *arch.TrapFrame, kind trap.FaultKind, user bool) {
	if f.InterruptsEnabled() {
		return
	}
	if user {
		k.intrLog.Warningf("pid %d (%s): trap %d with interrupts disabled", t.p.PID(), t.p.Name(), f.TrapNo)
		t.cpu.EnableInterrupts()
		return
	}
	if kind != trap.Breakpoint && kind != trap.TraceTrap {
		k.intrLog.Warningf("kernel trap %d with interrupts disabled", f.TrapNo)
	}
}

// userTrap handles a trap taken in user mode.
func (k *Kernel) userTrap(t *Thread, f *arch.TrapFrame, kind trap.FaultKind) {
	tr := trap.Translate(kind, f, t.fpu, k.nmiPolicy())
	var rec trap.SignalRecord
	switch tr.Action {
	case trap.ActionNone:
		// Spurious or transparent; resume without the return-to-user
		// bookkeeping.
		if tr.OfferDebugger {
			k.offerNMI(t, f, kind)
		}
		return

	case trap.ActionFatal:
		k.fatal(t, f, 0)
		return

	case trap.ActionResolvePageFault:
		out := k.resolvePageFault(t, f, true)
		if out.Kind == Resolved {
			k.sched.UserReturn(t)
			return
		}
		rec = out.Signal

	case trap.ActionSignal:
		rec = tr.Signal
	}

	if a := t.p.abi; a != nil && a.Emulator != nil {
		rec.Signal = a.Emulator.RemapSignal(rec.Signal, kind)
	}
	k.log.Debugf("pid %d tid %d: %v at rip %#x: %v", t.p.PID(), t.tid, kind, f.RIP, rec)
	t.SendSignal(rec)
	k.sched.UserReturn(t)
}

func (k *Kernel) offerNMI(t *Thread, f *arch.TrapFrame, kind trap.FaultKind) {
	if k.debugger == nil {
		return
	}
	k.log.Infof("NMI ... going to debugger")
	k.debugger.TryTakeOver(t.cpu.ID, f, kind)
}

// kernelTrap handles a trap taken in kernel mode. Anything not handled
// here is fatal.
func (k *Kernel) kernelTrap(t *Thread, f *arch.TrapFrame, kind trap.FaultKind) {
	if kind == trap.PageFault {
		if t.critnest != 0 {
			// Resolving could block, which is not allowed here.
			k.fatal(t, f, f.Addr)
			return
		}
		// Unresolvable faults have already been reported by the
		// resolver.
		k.resolvePageFault(t, f, false)
		return
	}

	if (kind == trap.ProtectionFault || kind == trap.SegmentFault) && t.intrNesting != 0 {
		k.fatal(t, f, 0)
		return
	}
	if name, ok := k.fixups.Apply(kind, f); ok {
		k.log.Debugf("kernel %v at rip %#x fixed up by %s", kind, f.RIP, name)
		fixupCount.Increment()
		return
	}

	switch kind {
	case trap.DeviceNotAvailable:
		if t.fpu.RestoreLazy() {
			k.log.Warningf("fpudna in kernel mode!")
			return
		}

	case trap.ProtectionFault, trap.SegmentFault:
		if k.tryRecover(t, f) {
			return
		}

	case trap.Breakpoint, trap.TraceTrap:
		if k.debugger != nil && k.debugger.TryTakeOver(t.cpu.ID, f, kind) {
			return
		}

	case trap.NonMaskableInterrupt:
		tr := trap.TranslateNMI(f, k.nmiPolicy())
		if tr.OfferDebugger {
			k.offerNMI(t, f, kind)
		}
		if tr.Action != trap.ActionFatal {
			return
		}
	}
	k.fatal(t, f, 0)
}
