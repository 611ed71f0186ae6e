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
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// SyscallFn is a system call implementation. rv arrives holding the
// default return pair (0, RDX) and is written back to RAX and RDX on
// success.
//
// Errors are returned as errno values; kernerr.ErrRestart and
// kernerr.ErrJustReturn select the other encodings.
type SyscallFn func(t *Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error

// SupportLevel is a system call support level.
type SupportLevel int

// Support levels.
const (
	SupportUnimplemented SupportLevel = iota
	SupportPartial
	SupportFull
)

// String returns a human readable representation of the support level.
func (l SupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportPartial:
		return "Partial Support"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

// Syscall describes one system call.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// NArgs is the number of arguments the call takes. Arguments past the
	// ones passed in registers are read from the user stack.
	NArgs int

	// MPSafe calls run without Giant.
	MPSafe bool

	// Fn is the implementation.
	Fn SyscallFn

	// SupportLevel is the level of support implemented in the simulator.
	SupportLevel SupportLevel

	// Note describes the compatibility of the implementation.
	Note string
}

// SyscallTable is the system call table of one ABI.
type SyscallTable struct {
	// OS is the operating system that this syscall table implements.
	OS string

	// Size is the number of slots. Numbers at or above it use slot 0.
	Size uintptr

	// Mask is applied to the syscall number before lookup, if non-zero.
	Mask uintptr

	// Table maps syscall numbers to descriptors. Unless Missing is set,
	// slot 0 must be present; it is the descriptor for invalid numbers.
	// Slots below Size without an entry use it too.
	Table map[uintptr]Syscall

	// Missing, if set, is the descriptor for invalid numbers, for ABIs
	// where slot 0 is a real call.
	Missing *Syscall

	// lookup is a dense copy of Table built by Init.
	lookup []Syscall

	// invalid is the descriptor for invalid numbers.
	invalid Syscall
}

// Init validates s and builds its lookup table. s must not be modified
// afterwards.
func (s *SyscallTable) Init() error {
	invalid, ok := s.Table[0]
	if s.Missing != nil {
		invalid, ok = *s.Missing, s.Missing.Fn != nil
	}
	if !ok {
		return fmt.Errorf("%s: syscall table has no slot 0", s.OS)
	}
	if s.Size == 0 {
		return fmt.Errorf("%s: syscall table has size 0", s.OS)
	}
	s.lookup = make([]Syscall, s.Size)
	for i := range s.lookup {
		s.lookup[i] = invalid
	}
	for num, sc := range s.Table {
		if num >= s.Size {
			return fmt.Errorf("%s: syscall %d (%s) is outside the table (size %d)", s.OS, num, sc.Name, s.Size)
		}
		if sc.Fn == nil {
			return fmt.Errorf("%s: syscall %d (%s) has no implementation", s.OS, num, sc.Name)
		}
		if sc.NArgs < 0 || sc.NArgs > arch.MaxSyscallArgs {
			return fmt.Errorf("%s: syscall %d (%s) takes %d arguments, at most %d are supported", s.OS, num, sc.Name, sc.NArgs, arch.MaxSyscallArgs)
		}
		s.lookup[num] = sc
	}
	s.invalid = invalid
	return nil
}

// Lookup returns the descriptor for sysno after masking. Out of range
// numbers get the invalid number descriptor.
func (s *SyscallTable) Lookup(sysno uintptr) *Syscall {
	if s.Mask != 0 {
		sysno &= s.Mask
	}
	if sysno >= uintptr(len(s.lookup)) {
		return &s.invalid
	}
	return &s.lookup[sysno]
}

// Numbers returns the numbers with an explicit entry, in order.
func (s *SyscallTable) Numbers() []uintptr {
	nums := make([]uintptr, 0, len(s.Table))
	for num := range s.Table {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// PrepareFn extracts the syscall number, the register arguments and the
// address of the stack arguments from a frame.
type PrepareFn func(f *arch.TrapFrame) (sysno uintptr, args [6]uint64, params hostarch.Addr)

// ABI is a system call binary interface: the table and the conventions
// around it.
type ABI struct {
	// Name identifies the ABI.
	Name string

	Table *SyscallTable

	// Prepare, if set, decodes the frame instead of the native convention.
	Prepare PrepareFn

	// Emulator, if set, remaps trap signals.
	Emulator trap.Emulator

	// ErrTable, if set, translates native errnos. Errnos past its end
	// become -1.
	ErrTable []int

	// IndirectNumbers are the numbers of the indirect system calls, which
	// take the real number as their first argument. Ignored when Prepare
	// is set.
	IndirectNumbers []uintptr
}

func (a *ABI) indirect(sysno uintptr) bool {
	for _, n := range a.IndirectNumbers {
		if n == sysno {
			return true
		}
	}
	return false
}

// translateErrno maps a native errno to this ABI's value.
func (a *ABI) translateErrno(errno unix.Errno) int64 {
	if a.ErrTable == nil {
		return int64(errno)
	}
	if int(errno) >= len(a.ErrTable) {
		return -1
	}
	return int64(a.ErrTable[errno])
}

var (
	abisMu sync.Mutex
	abis   = map[string]*ABI{}
)

// RegisterABI initializes a's table and makes it available to LookupABI.
func RegisterABI(a *ABI) error {
	if err := a.Table.Init(); err != nil {
		return err
	}
	abisMu.Lock()
	defer abisMu.Unlock()
	if _, ok := abis[a.Name]; ok {
		return fmt.Errorf("ABI %q already registered", a.Name)
	}
	abis[a.Name] = a
	return nil
}

// LookupABI returns the registered ABI with the given name.
func LookupABI(name string) (*ABI, bool) {
	abisMu.Lock()
	defer abisMu.Unlock()
	a, ok := abis[name]
	return a, ok
}

// ABIs returns the names of the registered ABIs.
func ABIs() []string {
	abisMu.Lock()
	defer abisMu.Unlock()
	var names []string
	for name := range abis {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
