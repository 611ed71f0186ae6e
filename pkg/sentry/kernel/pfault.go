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
	"fmt"

	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// PageFaultOutcomeKind is the result class of resolvePageFault.
type PageFaultOutcomeKind int

const (
	// Resolved means the faulting access can be retried, or for a kernel
	// fault that execution continues at a recovery point.
	Resolved PageFaultOutcomeKind = iota

	// SignalRequired means the user thread must be sent a signal.
	SignalRequired

	// Fatal means the system has been halted.
	Fatal
)

// String implements fmt.Stringer.
func (k PageFaultOutcomeKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case SignalRequired:
		return "signal required"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("PageFaultOutcomeKind(%d)", int(k))
	}
}

// PageFaultOutcome is the result of resolvePageFault.
type PageFaultOutcome struct {
	Kind PageFaultOutcomeKind

	// Signal is set for SignalRequired.
	Signal trap.SignalRecord

	// Recovered is set if a kernel fault was resolved by redirecting to
	// the recovery point rather than by mapping the page.
	Recovered bool

	// Err is the address space's error, if it was consulted and failed.
	Err error
}

// resolvePageFault resolves the page fault described by f.
func (k *Kernel) resolvePageFault(t *Thread, f *arch.TrapFrame, user bool) PageFaultOutcome {
	va := hostarch.Addr(f.Addr).RoundDown()

	at := hostarch.Read
	flags := mm.FaultNormal
	if f.Err&abi.PGEX_W != 0 {
		at = hostarch.Write
	}

	var err error
	if uint64(va) >= k.cfg.KernelBase {
		// The kernel's half of the address space is never reachable
		// from user mode.
		if user || k.kernelAS == nil {
			return k.pageFaultFailed(t, f, user, nil)
		}
		err = k.kernelAS.FaultIn(t.Context(), va, at, mm.FaultNormal)
	} else {
		var as AddressSpace
		unpin := func() {}
		if t.p != nil {
			as, unpin = t.p.pinAddressSpace()
		}
		if as == nil {
			unpin()
			if !user {
				k.log.Warningf("kernel page fault at %#x with no address space", f.Addr)
				pageFaultCount.Increment("fatal")
				k.fatal(t, f, f.Addr)
				return PageFaultOutcome{Kind: Fatal}
			}
			return k.pageFaultFailed(t, f, user, nil)
		}
		if at.Write {
			flags = mm.FaultDirty
		}
		err = as.FaultIn(t.Context(), va, at, flags)
		unpin()
	}
	if err == nil {
		pageFaultCount.Increment("resolved")
		return PageFaultOutcome{Kind: Resolved}
	}
	return k.pageFaultFailed(t, f, user, err)
}

// pageFaultFailed handles a page fault that could not be resolved.
func (k *Kernel) pageFaultFailed(t *Thread, f *arch.TrapFrame, user bool, err error) PageFaultOutcome {
	if !user {
		if k.tryRecover(t, f) {
			pageFaultCount.Increment("recovered")
			return PageFaultOutcome{Kind: Resolved, Recovered: true, Err: err}
		}
		pageFaultCount.Increment("fatal")
		k.fatal(t, f, f.Addr)
		return PageFaultOutcome{Kind: Fatal, Err: err}
	}
	sig := unix.SIGSEGV
	if mm.IsProtectionFault(err) {
		sig = unix.SIGBUS
	}
	pageFaultCount.Increment("signal")
	k.log.Debugf("pid %d: unresolved page fault at %#x (err %#x): %v", t.p.PID(), f.Addr, f.Err, err)
	return PageFaultOutcome{
		Kind:   SignalRequired,
		Signal: trap.SignalRecord{Signal: sig, Code: abi.T_PAGEFLT},
		Err:    err,
	}
}

// tryRecover redirects f to t's recovery point. It fails if there is none
// or if t is inside an interrupt handler.
func (k *Kernel) tryRecover(t *Thread, f *arch.TrapFrame) bool {
	if t.intrNesting != 0 {
		return false
	}
	target, ok := t.RecoveryPoint()
	if !ok {
		return false
	}
	k.log.Debugf("kernel %v at rip %#x recovered to %#x", trap.Classify(f.TrapNo), f.RIP, target)
	f.RIP = target
	return true
}
