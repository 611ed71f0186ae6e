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
	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
)

// Fixup recognizes a kernel-mode fault that is an artifact of deferred
// hardware state rather than a kernel bug, and repairs the frame so that
// execution can resume.
type Fixup struct {
	// Name identifies the fixup in logs.
	Name string

	// Kinds are the fault kinds the fixup applies to.
	Kinds []FaultKind

	// Match returns true if the frame has the fixup's signature.
	Match func(f *arch.TrapFrame) bool

	// Apply repairs the frame.
	Apply func(f *arch.TrapFrame)
}

func (x *Fixup) handles(kind FaultKind) bool {
	for _, k := range x.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// FixupTable is an ordered list of fixups. The first match wins.
type FixupTable []Fixup

// Apply runs the first fixup that handles kind and matches f. It returns
// the name of the applied fixup, or false if none matched.
func (t FixupTable) Apply(kind FaultKind, f *arch.TrapFrame) (string, bool) {
	for i := range t {
		x := &t[i]
		if x.handles(kind) && x.Match(f) {
			x.Apply(f)
			return x.Name, true
		}
	}
	return "", false
}

// Kernel text addresses of the interrupt return path.
const (
	// DoretiIret is the iret instruction that returns to user mode.
	DoretiIret uint64 = 0xffffffff80a0f2e4

	// DoretiIretFault is where a fault on DoretiIret resumes. It turns the
	// fault into a signal for the process whose state was bad.
	DoretiIretFault uint64 = 0xffffffff80a0f2e6
)

// AMD64Fixups returns the amd64 fixups:
//
//   - A protection or segment-not-present fault on the iret back to user
//     mode is caused by bad user segment state and resumes at iretFault.
//   - An invalid TSS fault with PSL_NT set comes from a nested task flag
//     left set in user mode. The flag is cleared and the iret retried.
func AMD64Fixups(iret, iretFault uint64) FixupTable {
	return FixupTable{
		{
			Name:  "doreti_iret",
			Kinds: []FaultKind{ProtectionFault, SegmentFault},
			Match: func(f *arch.TrapFrame) bool { return f.RIP == iret },
			Apply: func(f *arch.TrapFrame) { f.RIP = iretFault },
		},
		{
			Name:  "stale_nt",
			Kinds: []FaultKind{InvalidTask},
			Match: func(f *arch.TrapFrame) bool { return f.RFLAGS&abi.PSL_NT != 0 },
			Apply: func(f *arch.TrapFrame) { f.RFLAGS &^= abi.PSL_NT },
		},
	}
}

// DefaultFixups is the fixup table of the simulated kernel.
var DefaultFixups = AMD64Fixups(DoretiIret, DoretiIretFault)
