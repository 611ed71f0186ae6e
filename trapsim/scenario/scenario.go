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

// Package scenario loads and replays trap scenarios: sequences of system
// calls and hardware exceptions taken by threads on simulated CPUs.
//
// A scenario file looks like:
//
//	name: stack overflow
//	abi: bsd
//	processes:
//	  - name: init
//	    mappings:
//	      - {addr: 0x400000, length: 0x1000, perms: rx}
//	cpus:
//	  - process: init
//	    events:
//	      - syscall: getpid
//	      - trap: page_fault
//	        addr: 0x7000
//	        err: 0x6
//	        expect: {signal: SIGSEGV}
package scenario

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Scenario is a parsed scenario file.
type Scenario struct {
	Name string `yaml:"name"`

	// ABI is the default ABI of processes. Defaults to "bsd".
	ABI string `yaml:"abi"`

	Processes []Process `yaml:"processes"`
	CPUs      []CPU     `yaml:"cpus"`
}

// Process describes a process and its address space. Every process gets a
// private read-write stack in addition to its mappings.
type Process struct {
	Name string `yaml:"name"`

	// ABI overrides Scenario.ABI.
	ABI string `yaml:"abi"`

	// Stdin is returned by reads from descriptor 0.
	Stdin string `yaml:"stdin"`

	Mappings []Mapping `yaml:"mappings"`
}

// Mapping is an anonymous memory mapping.
type Mapping struct {
	Addr   uint64 `yaml:"addr"`
	Length uint64 `yaml:"length"`

	// Perms is a combination of r, w and x. Empty means no access.
	Perms string `yaml:"perms"`

	Shared bool `yaml:"shared"`

	// Data is written at Addr once the mapping exists.
	Data string `yaml:"data"`
}

// CPU is a simulated CPU and the events its thread takes, in order.
type CPU struct {
	// Process names the process the CPU's thread belongs to. If empty, the
	// CPU runs the idle thread, which can only take kernel-mode traps.
	Process string `yaml:"process"`

	Events []Event `yaml:"events"`
}

// Event is one entry into the kernel. Exactly one of Syscall, Trap and
// Signal is set.
type Event struct {
	// Syscall is a system call name or number.
	Syscall string `yaml:"syscall"`

	// Args are the register arguments of Syscall.
	Args []uint64 `yaml:"args"`

	// Stack are words stored above the return address slot before the
	// call, for arguments past the register window.
	Stack []uint64 `yaml:"stack"`

	// Trap is a fault kind name (see trap.FaultKind.Name) or a trap
	// number.
	Trap string `yaml:"trap"`

	// Kernel takes Trap in kernel mode.
	Kernel bool `yaml:"kernel"`

	// Addr is the faulting address of page faults.
	Addr uint64 `yaml:"addr"`

	// Err is the hardware error code.
	Err uint64 `yaml:"err"`

	// Critical and Interrupt take the trap inside a critical section or
	// an interrupt handler.
	Critical  bool `yaml:"critical"`
	Interrupt bool `yaml:"interrupt"`

	// Signal posts a signal to the thread without entering the kernel.
	Signal string `yaml:"signal"`

	// Regs overrides registers of the entry frame, using the names of
	// arch.TrapFrame's fields.
	Regs yaml.Node `yaml:"regs"`

	Expect *Expect `yaml:"expect"`
}

// Expect is checked against the outcome of an event.
type Expect struct {
	// Signal is the expected signal name. "none" expects no signal.
	Signal string `yaml:"signal"`

	// Code is the expected code of Signal.
	Code *int `yaml:"code"`

	// Errno is the expected error name of a system call. "none" expects
	// success.
	Errno string `yaml:"errno"`

	// Return is the expected first return register of a successful call.
	Return *uint64 `yaml:"return"`

	// Fatal expects the event to halt the system.
	Fatal bool `yaml:"fatal"`

	// Restarts is the expected number of times a call was restarted.
	Restarts *int `yaml:"restarts"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening scenario")
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return s, nil
}

// Parse reads and validates a scenario.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decoding scenario")
	}
	if s.ABI == "" {
		s.ABI = "bsd"
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if len(s.CPUs) == 0 {
		return errors.New("scenario has no cpus")
	}
	procs := make(map[string]*Process)
	for i := range s.Processes {
		p := &s.Processes[i]
		if p.Name == "" {
			return errors.Errorf("process %d has no name", i)
		}
		if _, ok := procs[p.Name]; ok {
			return errors.Errorf("duplicate process %q", p.Name)
		}
		if _, ok := kernel.LookupABI(s.processABI(p)); !ok {
			return errors.Errorf("process %q: unknown ABI %q", p.Name, s.processABI(p))
		}
		for j, m := range p.Mappings {
			if _, err := parsePerms(m.Perms); err != nil {
				return errors.Wrapf(err, "process %q mapping %d", p.Name, j)
			}
			if m.Length == 0 {
				return errors.Errorf("process %q mapping %d: zero length", p.Name, j)
			}
		}
		procs[p.Name] = p
	}
	for i, c := range s.CPUs {
		var p *Process
		if c.Process != "" {
			var ok bool
			if p, ok = procs[c.Process]; !ok {
				return errors.Errorf("cpu %d: unknown process %q", i, c.Process)
			}
		}
		for j := range c.Events {
			if err := s.validateEvent(p, &c.Events[j]); err != nil {
				return errors.Wrapf(err, "cpu %d event %d", i, j)
			}
		}
	}
	return nil
}

func (s *Scenario) validateEvent(p *Process, ev *Event) error {
	n := 0
	for _, set := range []bool{ev.Syscall != "", ev.Trap != "", ev.Signal != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("exactly one of syscall, trap and signal must be set")
	}
	if len(ev.Args) > 6 {
		return errors.Errorf("%d register arguments, at most 6", len(ev.Args))
	}
	switch {
	case ev.Syscall != "":
		if p == nil {
			return errors.New("system call on the idle thread")
		}
		a, _ := kernel.LookupABI(s.processABI(p))
		if _, err := lookupSyscall(a, ev.Syscall); err != nil {
			return err
		}
	case ev.Trap != "":
		if _, err := parseTrap(ev.Trap); err != nil {
			return err
		}
		if p == nil && !ev.Kernel {
			return errors.New("user-mode trap on the idle thread")
		}
	case ev.Signal != "":
		if p == nil {
			return errors.New("signal to the idle thread")
		}
		if unix.SignalNum(ev.Signal) == 0 {
			return errors.Errorf("unknown signal %q", ev.Signal)
		}
	}
	if e := ev.Expect; e != nil {
		if e.Signal != "" && e.Signal != "none" && unix.SignalNum(e.Signal) == 0 {
			return errors.Errorf("unknown signal %q", e.Signal)
		}
		if e.Errno != "" && e.Errno != "none" && !knownErrno(e.Errno) {
			return errors.Errorf("unknown errno %q", e.Errno)
		}
	}
	return nil
}

func (s *Scenario) processABI(p *Process) string {
	if p.ABI != "" {
		return p.ABI
	}
	return s.ABI
}

// lookupSyscall resolves a system call name or number.
func lookupSyscall(a *kernel.ABI, name string) (uintptr, error) {
	if n, err := strconv.ParseUint(name, 0, 64); err == nil {
		return uintptr(n), nil
	}
	for _, num := range a.Table.Numbers() {
		if a.Table.Table[num].Name == name {
			return num, nil
		}
	}
	return 0, errors.Errorf("no system call %q in the %s ABI", name, a.Name)
}

// parseTrap resolves a fault kind name or trap number.
func parseTrap(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	k, ok := trap.KindByName(s)
	if !ok || k == trap.Reserved {
		return 0, errors.Errorf("unknown trap %q", s)
	}
	return k.TrapNo(), nil
}

func parsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		default:
			return at, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return at, nil
}

func knownErrno(name string) bool {
	for e := unix.Errno(1); e < 256; e++ {
		if unix.ErrnoName(e) == name {
			return true
		}
	}
	return false
}

// String describes the event.
func (ev *Event) String() string {
	switch {
	case ev.Syscall != "":
		args := make([]string, len(ev.Args))
		for i, a := range ev.Args {
			args[i] = fmt.Sprintf("%#x", a)
		}
		return fmt.Sprintf("%s(%s)", ev.Syscall, strings.Join(args, ", "))
	case ev.Signal != "":
		return "signal " + ev.Signal
	default:
		mode := "user"
		if ev.Kernel {
			mode = "kernel"
		}
		s := fmt.Sprintf("%s %s", mode, ev.Trap)
		if ev.Addr != 0 {
			s += fmt.Sprintf(" at %#x", ev.Addr)
		}
		return s
	}
}
