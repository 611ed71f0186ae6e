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

// Package kernel is the trap, fault and system call dispatch core of the
// simulated kernel.
//
// Hardware exceptions enter through Kernel.Trap and system calls through
// Kernel.Syscall. Both run on the calling goroutine, which stands for the
// CPU that took the trap; every piece of state they need is reached through
// the Thread and TrapFrame arguments.
//
// Lock order:
//
//	Giant
//	  Process.stdinMu
//	    Process.mu
//	      Thread.mu
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// DefaultKernelBase is the start of the kernel's half of the address space.
const DefaultKernelBase = 0xffffffff80000000

// Config holds the kernel's tunables.
type Config struct {
	// KernelBase is the lowest kernel virtual address. User-mode faults at
	// or above it are never resolved.
	KernelBase uint64

	// PanicOnNMI makes NMIs that report a hardware failure fatal.
	PanicOnNMI bool

	// DebuggerOnNMI offers benign NMIs to the debugger.
	DebuggerOnNMI bool

	// DebuggerOnPanic offers fatal traps to the debugger before halting.
	DebuggerOnPanic bool

	// InterruptLogInterval bounds how often traps taken with interrupts
	// disabled are logged.
	InterruptLogInterval time.Duration
}

// DefaultConfig returns the configuration of a stock kernel.
func DefaultConfig() Config {
	return Config{
		KernelBase:           DefaultKernelBase,
		PanicOnNMI:           true,
		DebuggerOnNMI:        true,
		InterruptLogInterval: time.Second,
	}
}

// AddressSpace is an address space that page faults are resolved against.
// It is implemented by *mm.MemoryManager.
type AddressSpace interface {
	// FaultIn makes the page containing addr accessible for at. It returns
	// an error satisfying mm.IsProtectionFault if a mapping exists but
	// forbids the access.
	FaultIn(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, flags mm.FaultFlags) error

	// CopyIn and CopyOut access backed pages only. An access to a page
	// without usable backing fails with *mm.AccessFault.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)
	CopyOut(addr hostarch.Addr, src []byte) (int, error)
}

// SignalDeliverer queues signals for threads.
type SignalDeliverer interface {
	DeliverSignal(t *Thread, rec trap.SignalRecord)
}

// Scheduler performs the bookkeeping done on every return to user mode.
type Scheduler interface {
	UserReturn(t *Thread)
}

// Debugger is a kernel debugger that may take over a trapped CPU.
type Debugger interface {
	// Active returns true while the debugger itself is running on the
	// given CPU. A trap taken there then is fatal. Other CPUs trap as
	// usual.
	Active(cpu int) bool

	// TryTakeOver enters the debugger on the given CPU. It returns true
	// if the debugger handled the trap and execution should continue
	// with f.
	TryTakeOver(cpu int, f *arch.TrapFrame, kind trap.FaultKind) bool
}

// Halter stops the system after a fatal trap. The default halter panics
// with the report.
type Halter interface {
	Halt(r *FatalReport)
}

type panicHalter struct{}

// Halt implements Halter.Halt.
func (panicHalter) Halt(r *FatalReport) {
	panic(r)
}

// queueDeliverer appends signals to the thread's pending queue.
type queueDeliverer struct{}

// DeliverSignal implements SignalDeliverer.DeliverSignal.
func (queueDeliverer) DeliverSignal(t *Thread, rec trap.SignalRecord) {
	t.queueSignal(rec)
}

// countingScheduler counts returns to user mode and clears the reschedule
// request.
type countingScheduler struct{}

// UserReturn implements Scheduler.UserReturn.
func (countingScheduler) UserReturn(t *Thread) {
	t.userReturns.Add(1)
	t.needResched.Store(false)
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	Config Config

	// KernelAddressSpace resolves kernel-mode faults at or above
	// Config.KernelBase. If nil, such faults are fatal unless recovered.
	KernelAddressSpace AddressSpace

	// Fixups are consulted for kernel-mode faults before the recovery
	// point. If nil, trap.DefaultFixups is used.
	Fixups trap.FixupTable

	// GDT is used to describe the code segment in fatal reports. If nil,
	// arch.DefaultGDT is used.
	GDT *arch.GDT

	// Optional collaborators. Defaults are described on each interface.
	Debugger        Debugger
	Halter          Halter
	Scheduler       Scheduler
	SignalDeliverer SignalDeliverer

	// Logger defaults to the global logger.
	Logger log.Logger
}

// Kernel is the dispatch core shared by all CPUs.
type Kernel struct {
	cfg Config

	kernelAS AddressSpace
	fixups   trap.FixupTable
	gdt      *arch.GDT

	debugger Debugger
	halter   Halter
	sched    Scheduler
	signals  SignalDeliverer

	log log.Logger

	// intrLog reports traps taken with interrupts disabled.
	intrLog log.Logger

	// giant serializes system calls that are not MP-safe.
	giant Giant

	// halted is set once a fatal trap has stopped the system.
	halted atomic.Bool
	report atomic.Pointer[FatalReport]

	mu      sync.Mutex
	nextPID int32
	cpus    []*CPU
}

// Init initializes a Kernel.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.Config.KernelBase == 0 {
		return fmt.Errorf("kernel base must be set")
	}
	if args.Config.KernelBase&(hostarch.PageSize-1) != 0 {
		return fmt.Errorf("kernel base %#x is not page aligned", args.Config.KernelBase)
	}
	k.cfg = args.Config
	k.kernelAS = args.KernelAddressSpace
	k.fixups = args.Fixups
	if k.fixups == nil {
		k.fixups = trap.DefaultFixups
	}
	k.gdt = args.GDT
	if k.gdt == nil {
		gdt := arch.DefaultGDT
		k.gdt = &gdt
	}
	k.debugger = args.Debugger
	k.halter = args.Halter
	if k.halter == nil {
		k.halter = panicHalter{}
	}
	k.sched = args.Scheduler
	if k.sched == nil {
		k.sched = countingScheduler{}
	}
	k.signals = args.SignalDeliverer
	if k.signals == nil {
		k.signals = queueDeliverer{}
	}
	k.log = args.Logger
	if k.log == nil {
		k.log = log.Log()
	}
	every := k.cfg.InterruptLogInterval
	if every <= 0 {
		every = time.Second
	}
	k.intrLog = log.RateLimitedLogger(k.log, every)
	k.nextPID = 1
	return nil
}

// Config returns the kernel's configuration.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Giant returns the lock taken around system calls that are not MP-safe.
func (k *Kernel) Giant() *Giant {
	return &k.giant
}

// Halted returns true once a fatal trap has halted the system. A halted
// kernel ignores further traps and system calls.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// LastFatal returns the report of the trap that halted the system, or nil.
func (k *Kernel) LastFatal() *FatalReport {
	return k.report.Load()
}

// NewCPU adds a CPU. CPUs start with interrupts enabled.
func (k *Kernel) NewCPU() *CPU {
	k.mu.Lock()
	defer k.mu.Unlock()
	c := &CPU{ID: len(k.cpus)}
	c.intrEnabled.Store(true)
	k.cpus = append(k.cpus, c)
	return c
}

// NewProcess creates a process running abi in the given address space. as
// may be nil for a process whose address space is not set up yet.
func (k *Kernel) NewProcess(name string, as AddressSpace, abi *ABI) *Process {
	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	k.mu.Unlock()
	p := &Process{
		k:    k,
		pid:  pid,
		name: name,
		as:   as,
		abi:  abi,
	}
	p.noPins = sync.NewCond(&p.mu)
	return p
}
