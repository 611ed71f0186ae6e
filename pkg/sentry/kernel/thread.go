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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/arch/fpu"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Thread is the execution context of a trap: the interrupted thread and
// the CPU it runs on. A Thread is used by one goroutine at a time.
type Thread struct {
	k   *Kernel
	p   *Process
	cpu *CPU
	tid int32

	ctx context.Context

	// critnest is the critical section nesting depth. Page faults cannot
	// be resolved while it is non-zero.
	critnest int

	// intrNesting is the interrupt handler nesting depth. Recovery points
	// are ignored while it is non-zero.
	intrNesting int

	// onFault is the recovery point: the kernel address a fault during a
	// user memory access resumes at. It is installed only by withRecovery.
	onFault    uint64
	hasOnFault bool

	fpu *fpu.State

	// frame is the entry state of the system call in progress, or nil.
	frame *arch.TrapFrame

	mu sync.Mutex

	// pending is the queue of signals delivered but not yet handled.
	//
	// pending is protected by mu.
	pending []trap.SignalRecord

	userReturns atomic.Uint64
	needResched atomic.Bool
}

// Kernel returns the kernel t runs on.
func (t *Thread) Kernel() *Kernel {
	return t.k
}

// Process returns the process t belongs to.
func (t *Thread) Process() *Process {
	return t.p
}

// CPU returns the CPU t runs on.
func (t *Thread) CPU() *CPU {
	return t.cpu
}

// TID returns the thread ID.
func (t *Thread) TID() int32 {
	return t.tid
}

// FPU returns the thread's floating point state.
func (t *Thread) FPU() *fpu.State {
	return t.fpu
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	if t.p == nil {
		return fmt.Sprintf("idle/cpu%d", t.cpu.ID)
	}
	return fmt.Sprintf("%v/%d", t.p, t.tid)
}

// Context returns the context used for blocking operations on t's behalf.
func (t *Thread) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// SetContext sets the context returned by Context.
func (t *Thread) SetContext(ctx context.Context) {
	t.ctx = ctx
}

// CriticalEnter enters a critical section.
func (t *Thread) CriticalEnter() {
	t.critnest++
}

// CriticalExit leaves a critical section.
func (t *Thread) CriticalExit() {
	if t.critnest == 0 {
		panic("CriticalExit without CriticalEnter")
	}
	t.critnest--
}

// EnterInterrupt marks the start of an interrupt handler on t.
func (t *Thread) EnterInterrupt() {
	t.intrNesting++
}

// ExitInterrupt marks the end of an interrupt handler on t.
func (t *Thread) ExitInterrupt() {
	if t.intrNesting == 0 {
		panic("ExitInterrupt without EnterInterrupt")
	}
	t.intrNesting--
}

// RecoveryPoint returns the installed recovery point.
func (t *Thread) RecoveryPoint() (uint64, bool) {
	return t.onFault, t.hasOnFault
}

// withRecovery runs fn with target installed as the recovery point. The
// previous recovery point is restored when fn returns, on every path.
func (t *Thread) withRecovery(target uint64, fn func() error) error {
	prev, hadPrev := t.onFault, t.hasOnFault
	t.onFault, t.hasOnFault = target, true
	defer func() {
		t.onFault, t.hasOnFault = prev, hadPrev
	}()
	return fn()
}

// Frame returns the frame of the system call t is executing. Handlers that
// return kernerr.ErrJustReturn use it to install a new user context. It is
// nil outside of a system call.
func (t *Thread) Frame() *arch.TrapFrame {
	return t.frame
}

// SendSignal delivers rec to t through the kernel's signal deliverer.
func (t *Thread) SendSignal(rec trap.SignalRecord) {
	signalCount.Increment(signalFieldValue(rec.Signal))
	t.k.signals.DeliverSignal(t, rec)
}

func (t *Thread) queueSignal(rec trap.SignalRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, rec)
}

// PendingSignals returns a copy of the pending signal queue.
func (t *Thread) PendingSignals() []trap.SignalRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]trap.SignalRecord(nil), t.pending...)
}

// HasPendingSignal returns true if any signal is queued.
func (t *Thread) HasPendingSignal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) != 0
}

// DequeueSignal removes and returns the oldest pending signal.
func (t *Thread) DequeueSignal() (trap.SignalRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return trap.SignalRecord{}, false
	}
	rec := t.pending[0]
	t.pending = t.pending[1:]
	return rec, true
}

// UserReturns returns the number of returns to user mode that went through
// the scheduler.
func (t *Thread) UserReturns() uint64 {
	return t.userReturns.Load()
}

// RequestResched asks for a reschedule at the next return to user mode.
func (t *Thread) RequestResched() {
	t.needResched.Store(true)
}

// NeedResched returns true if a reschedule is pending.
func (t *Thread) NeedResched() bool {
	return t.needResched.Load()
}
