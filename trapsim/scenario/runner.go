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

package scenario

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Address space layout of scenario processes.
const (
	UserMin   = 0x10000
	StackSize = 4 * hostarch.PageSize

	// UserRIP and KernelRIP are the instruction pointers of entry frames
	// whose registers do not override them.
	UserRIP   = 0x401000
	KernelRIP = 0xffffffff80200000
	KernelRSP = 0xfffffe0000a00000
)

// Options configure Run.
type Options struct {
	Kernel   kernel.Config
	Debugger kernel.Debugger

	// Logger defaults to the global logger.
	Logger log.Logger

	// MaxRestarts bounds how often a restarted system call is issued
	// again. Defaults to 8.
	MaxRestarts uint64

	// RestartInterval is the pause before a restarted call is issued
	// again. Defaults to one millisecond.
	RestartInterval time.Duration
}

// Outcome is the result of one event.
type Outcome struct {
	CPU   int
	Index int
	Event string

	// Signals were delivered by the event and then handled by the runner.
	Signals []trap.SignalRecord

	// Return and Errno are the decoded result of a system call.
	Return uint64
	Errno  unix.Errno

	// RIP is the instruction pointer the thread resumes at.
	RIP uint64

	// Restarts counts the times a system call was issued again.
	Restarts int

	// Fatal is set if the event halted the system.
	Fatal *kernel.FatalReport

	// Skipped is set if the event was not run because the system had
	// halted or the process had exited.
	Skipped bool

	// Err is set if the event could not be set up or replayed, or did not
	// meet its expectations.
	Err error
}

// Result is the result of a run.
type Result struct {
	Name string

	// Outcomes are ordered by CPU, then by event.
	Outcomes []Outcome

	// Stdout holds what each process wrote to descriptors 1 and 2.
	Stdout map[string]string

	// ExitStatus holds the status of the processes that exited.
	ExitStatus map[string]int32

	// Fatal is the report of the trap that halted the system, if any.
	Fatal *kernel.FatalReport
}

// Failed returns the outcomes with an error.
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// syncBuffer is a bytes.Buffer shared by the threads of a process.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type process struct {
	p      *kernel.Process
	mm     *mm.MemoryManager
	stack  hostarch.Addr
	stdout *syncBuffer
}

func (p *process) rsp() uint64 {
	return uint64(p.stack) + StackSize/2
}

// halter lets the runner observe a halt instead of panicking. The kernel
// records the report before calling it.
type halter struct {
	log log.Logger
}

func (h halter) Halt(r *kernel.FatalReport) {
	h.log.Warningf("system halted: %v", r)
}

type runner struct {
	s     *Scenario
	opts  Options
	k     *kernel.Kernel
	procs map[string]*process
}

// errRestarted is returned by a replayed system call that asked to be
// restarted.
var errRestarted = errors.New("system call restarted")

// Run replays s. Each CPU's events run in order on a goroutine of its own;
// events on different CPUs are unordered. Run returns an error only if the
// scenario cannot be set up or ctx is canceled.
func Run(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = 8
	}
	if opts.RestartInterval == 0 {
		opts.RestartInterval = time.Millisecond
	}
	r := &runner{
		s:     s,
		opts:  opts,
		k:     &kernel.Kernel{},
		procs: make(map[string]*process),
	}
	if err := r.k.Init(kernel.InitKernelArgs{
		Config:   opts.Kernel,
		Debugger: opts.Debugger,
		Halter:   halter{log: opts.Logger},
		Logger:   opts.Logger,
	}); err != nil {
		return nil, errors.Wrap(err, "initializing kernel")
	}
	for i := range s.Processes {
		p, err := r.newProcess(ctx, &s.Processes[i])
		if err != nil {
			return nil, errors.Wrapf(err, "process %q", s.Processes[i].Name)
		}
		r.procs[s.Processes[i].Name] = p
	}

	outcomes := make([][]Outcome, len(s.CPUs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.CPUs {
		i := i
		cpu := r.k.NewCPU()
		var (
			t *kernel.Thread
			p *process
		)
		if name := s.CPUs[i].Process; name != "" {
			p = r.procs[name]
			t = p.p.NewThread(cpu)
		} else {
			t = r.k.IdleThread(cpu)
		}
		t.SetContext(gctx)
		g.Go(func() error {
			out, err := r.runCPU(gctx, i, t, p)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Name:       s.Name,
		Stdout:     make(map[string]string),
		ExitStatus: make(map[string]int32),
		Fatal:      r.k.LastFatal(),
	}
	for _, out := range outcomes {
		res.Outcomes = append(res.Outcomes, out...)
	}
	for name, p := range r.procs {
		res.Stdout[name] = p.stdout.String()
		if status, ok := p.p.ExitStatus(); ok {
			res.ExitStatus[name] = status
		}
	}
	return res, nil
}

func (r *runner) newProcess(ctx context.Context, sp *Process) (*process, error) {
	a, ok := kernel.LookupABI(r.s.processABI(sp))
	if !ok {
		return nil, errors.Errorf("unknown ABI %q", r.s.processABI(sp))
	}
	m := mm.NewMemoryManager(sp.Name, UserMin, hostarch.Addr(r.opts.Kernel.KernelBase))
	for i, mp := range sp.Mappings {
		perms, err := parsePerms(mp.Perms)
		if err != nil {
			return nil, err
		}
		initial := perms
		if mp.Data != "" {
			initial.Write = true
		}
		addr, err := m.MMap(ctx, mm.MMapOpts{
			Addr:    hostarch.Addr(mp.Addr),
			Length:  mp.Length,
			Perms:   initial,
			Private: !mp.Shared,
			Fixed:   mp.Addr != 0,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "mapping %d", i)
		}
		if mp.Data == "" {
			continue
		}
		if err := populate(ctx, m, addr, []byte(mp.Data)); err != nil {
			return nil, errors.Wrapf(err, "mapping %d", i)
		}
		if initial != perms {
			if err := m.MProtect(ctx, addr, mp.Length, perms); err != nil {
				return nil, errors.Wrapf(err, "mapping %d", i)
			}
		}
	}
	stack, err := m.MMap(ctx, mm.MMapOpts{
		Length:  StackSize,
		Perms:   hostarch.ReadWrite,
		Private: true,
		Name:    "[stack]",
	})
	if err != nil {
		return nil, errors.Wrap(err, "mapping stack")
	}
	p := &process{
		p:      r.k.NewProcess(sp.Name, m, a),
		mm:     m,
		stack:  stack,
		stdout: &syncBuffer{},
	}
	p.p.SetStdio(bytes.NewBufferString(sp.Stdin), p.stdout)
	return p, nil
}

// populate writes data at addr, faulting pages in as needed.
func populate(ctx context.Context, m *mm.MemoryManager, addr hostarch.Addr, data []byte) error {
	done := 0
	for done < len(data) {
		n, err := m.CopyOut(addr+hostarch.Addr(done), data[done:])
		done += n
		if err == nil {
			break
		}
		var af *mm.AccessFault
		if !errors.As(err, &af) {
			return err
		}
		if err := m.FaultIn(ctx, af.Addr, hostarch.ReadWrite, mm.FaultDirty); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) runCPU(ctx context.Context, cpu int, t *kernel.Thread, p *process) ([]Outcome, error) {
	events := r.s.CPUs[cpu].Events
	outcomes := make([]Outcome, 0, len(events))
	for i := range events {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		ev := &events[i]
		o := Outcome{CPU: cpu, Index: i, Event: ev.String()}
		if r.k.Halted() || (p != nil && exited(p)) {
			o.Skipped = true
			outcomes = append(outcomes, o)
			continue
		}
		switch {
		case ev.Signal != "":
			t.SendSignal(trap.SignalRecord{Signal: unix.SignalNum(ev.Signal)})
		case ev.Syscall != "":
			o.Err = r.syscall(ctx, t, p, ev, &o)
			o.Signals = append(o.Signals, drain(t)...)
		default:
			o.Err = r.trap(t, p, ev, &o)
			o.Signals = append(o.Signals, drain(t)...)
		}
		if r.k.Halted() {
			o.Fatal = r.k.LastFatal()
		}
		if o.Err == nil {
			o.Err = check(ev.Expect, &o)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func exited(p *process) bool {
	_, ok := p.p.ExitStatus()
	return ok
}

// drain dequeues the thread's pending signals, as the return to user mode
// would.
func drain(t *kernel.Thread) []trap.SignalRecord {
	var recs []trap.SignalRecord
	for {
		rec, ok := t.DequeueSignal()
		if !ok {
			return recs
		}
		recs = append(recs, rec)
	}
}

func applyRegs(ev *Event, f *arch.TrapFrame) error {
	if ev.Regs.Kind == 0 {
		return nil
	}
	return errors.Wrap(ev.Regs.Decode(f), "decoding regs")
}

func (r *runner) syscall(ctx context.Context, t *kernel.Thread, p *process, ev *Event, o *Outcome) error {
	a := p.p.ABI()
	sysno, err := lookupSyscall(a, ev.Syscall)
	if err != nil {
		return err
	}
	entry := arch.NewUserFrame(UserRIP, p.rsp())
	entry.Err = abi.SyscallInsnLen
	entry.RAX = uint64(sysno)
	regs := []*uint64{&entry.RDI, &entry.RSI, &entry.RDX, &entry.R10, &entry.R8, &entry.R9}
	for i, v := range ev.Args {
		*regs[i] = v
	}
	// The native entry path passes the fourth argument in RCX.
	entry.RCX = entry.R10
	if err := applyRegs(ev, entry); err != nil {
		return err
	}
	if len(ev.Stack) != 0 {
		buf := make([]byte, 8*len(ev.Stack))
		for i, w := range ev.Stack {
			binary.LittleEndian.PutUint64(buf[8*i:], w)
		}
		if err := t.CopyOut(hostarch.Addr(entry.RSP+8), buf); err != nil {
			return errors.Wrap(err, "writing stack arguments")
		}
	}

	var f arch.TrapFrame
	op := func() error {
		f = *entry
		r.k.Syscall(t, &f)
		if r.k.Halted() || f.RIP != entry.RIP-entry.Err {
			return nil
		}
		o.Restarts++
		o.Signals = append(o.Signals, drain(t)...)
		return errRestarted
	}
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewConstantBackOff(r.opts.RestartInterval), ctx), r.opts.MaxRestarts)
	if err := backoff.Retry(op, b); err != nil {
		return errors.Wrapf(err, "after %d restarts", o.Restarts)
	}
	o.RIP = f.RIP
	o.Return, o.Errno = decodeResult(a, &f)
	return nil
}

// decodeResult reads the result of a completed system call the way the
// ABI's user-space library would.
func decodeResult(a *kernel.ABI, f *arch.TrapFrame) (uint64, unix.Errno) {
	if a.ErrTable != nil {
		if ret := int64(f.RAX); ret < 0 && ret > -4096 {
			return 0, unix.Errno(-ret)
		}
		return f.RAX, 0
	}
	if f.RFLAGS&abi.PSL_C != 0 {
		return 0, unix.Errno(f.RAX)
	}
	return f.RAX, 0
}

func (r *runner) trap(t *kernel.Thread, p *process, ev *Event, o *Outcome) error {
	trapno, err := parseTrap(ev.Trap)
	if err != nil {
		return err
	}
	var f *arch.TrapFrame
	if ev.Kernel {
		f = arch.NewKernelFrame(KernelRIP, KernelRSP)
	} else {
		f = arch.NewUserFrame(UserRIP, p.rsp())
	}
	f.TrapNo = trapno
	f.Addr = ev.Addr
	f.Err = ev.Err
	if err := applyRegs(ev, f); err != nil {
		return err
	}
	if ev.Critical {
		t.CriticalEnter()
		defer t.CriticalExit()
	}
	if ev.Interrupt {
		t.EnterInterrupt()
		defer t.ExitInterrupt()
	}
	r.k.Trap(t, f)
	o.RIP = f.RIP
	return nil
}

// check compares an outcome with the expectations of its event.
func check(e *Expect, o *Outcome) error {
	if o.Fatal != nil && (e == nil || !e.Fatal) {
		return fmt.Errorf("unexpected fatal trap: %v", o.Fatal.Message())
	}
	if e == nil {
		return nil
	}
	if e.Fatal && o.Fatal == nil {
		return fmt.Errorf("expected a fatal trap")
	}
	switch e.Signal {
	case "":
	case "none":
		if len(o.Signals) != 0 {
			return fmt.Errorf("unexpected signals %v", o.Signals)
		}
	default:
		want := unix.SignalNum(e.Signal)
		found := false
		for _, rec := range o.Signals {
			if rec.Signal == want && (e.Code == nil || rec.Code == *e.Code) {
				found = true
				break
			}
		}
		if !found {
			code := ""
			if e.Code != nil {
				code = fmt.Sprintf(" (code %d)", *e.Code)
			}
			return fmt.Errorf("expected %s%s, got %v", e.Signal, code, o.Signals)
		}
	}
	switch e.Errno {
	case "":
	case "none":
		if o.Errno != 0 {
			return fmt.Errorf("unexpected error %s", unix.ErrnoName(o.Errno))
		}
	default:
		if got := unix.ErrnoName(o.Errno); o.Errno == 0 || got != e.Errno {
			return fmt.Errorf("expected %s, got errno %d (%s)", e.Errno, o.Errno, got)
		}
	}
	if e.Return != nil && (o.Errno != 0 || o.Return != *e.Return) {
		return fmt.Errorf("expected return %#x, got %#x (errno %d)", *e.Return, o.Return, o.Errno)
	}
	if e.Restarts != nil && o.Restarts != *e.Restarts {
		return fmt.Errorf("expected %d restarts, got %d", *e.Restarts, o.Restarts)
	}
	return nil
}
