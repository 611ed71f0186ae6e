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

// Package debugger provides DDB, a scripted in-kernel debugger for the trap
// core. It is entered on breakpoints, trace traps, benign NMIs and, when
// the kernel is configured for it, fatal traps. What it does once entered
// is decided by its Policy rather than by an operator.
package debugger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Action is what DDB does with a trap it has been entered on.
type Action int

const (
	// Decline returns to the kernel without handling the trap. A fatal
	// trap then halts the system.
	Decline Action = iota

	// Continue resumes execution with the frame as it is.
	Continue

	// Step resumes execution with the trace flag set, so that the next
	// instruction enters DDB again.
	Step
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Decline:
		return "decline"
	case Continue:
		return "continue"
	case Step:
		return "step"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Set implements flag.Value.
func (a *Action) Set(v string) error {
	switch v {
	case "decline":
		*a = Decline
	case "continue":
		*a = Continue
	case "step":
		*a = Step
	default:
		return fmt.Errorf("invalid debugger action %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (a *Action) Get() any {
	return *a
}

// Policy selects DDB's action per fault kind.
type Policy struct {
	// Enabled makes DDB accept entries at all.
	Enabled bool

	// Actions maps fault kinds to actions. Kinds without an entry use
	// Default.
	Actions map[trap.FaultKind]Action

	// Default is the action for kinds not in Actions.
	Default Action

	// Script, if set, overrides Actions and Default.
	Script func(f *arch.TrapFrame, kind trap.FaultKind) Action
}

// DefaultPolicy continues over breakpoints, trace traps and NMIs, and
// declines everything else.
func DefaultPolicy() Policy {
	return Policy{
		Enabled: true,
		Actions: map[trap.FaultKind]Action{
			trap.Breakpoint:           Continue,
			trap.TraceTrap:            Continue,
			trap.NonMaskableInterrupt: Continue,
		},
		Default: Decline,
	}
}

func (p *Policy) action(f *arch.TrapFrame, kind trap.FaultKind) Action {
	if p.Script != nil {
		return p.Script(f, kind)
	}
	if a, ok := p.Actions[kind]; ok {
		return a
	}
	return p.Default
}

// Entry records one entry into DDB.
type Entry struct {
	Time   time.Time
	CPU    int
	Kind   trap.FaultKind
	TrapNo uint64
	RIP    uint64
	Action Action
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("%s: cpu%d %v (trap %d) at rip %#x: %v", e.Time.Format(time.RFC3339Nano), e.CPU, e.Kind, e.TrapNo, e.RIP, e.Action)
}

// DDB implements kernel.Debugger.
type DDB struct {
	policy Policy
	log    log.Logger

	// enter is held by the CPU running DDB. Other CPUs entering wait for
	// it, as if stopped.
	enter sync.Mutex

	// owner is one more than the ID of the CPU holding enter, or zero. A
	// trap taken on that CPU is fatal, and its nested entries are refused.
	owner atomic.Int64

	mu sync.Mutex

	// entries is protected by mu.
	entries []Entry
}

// New returns a DDB with the given policy. A nil logger uses the global
// logger.
func New(policy Policy, logger log.Logger) *DDB {
	if logger == nil {
		logger = log.Log()
	}
	return &DDB{policy: policy, log: logger}
}

// Active implements kernel.Debugger.Active.
func (d *DDB) Active(cpu int) bool {
	return cpu >= 0 && d.owner.Load() == int64(cpu)+1
}

// TryTakeOver implements kernel.Debugger.TryTakeOver.
func (d *DDB) TryTakeOver(cpu int, f *arch.TrapFrame, kind trap.FaultKind) bool {
	if !d.policy.Enabled {
		return false
	}
	if d.Active(cpu) {
		d.log.Warningf("ddb: nested entry on %v refused on cpu%d", kind, cpu)
		return false
	}
	d.enter.Lock()
	d.owner.Store(int64(cpu) + 1)
	defer func() {
		d.owner.Store(0)
		d.enter.Unlock()
	}()

	d.log.Infof("ddb: entered on %v at rip %#x on cpu%d", kind, f.RIP, cpu)
	action := d.policy.action(f, kind)
	switch action {
	case Continue:
		if kind == trap.TraceTrap {
			f.ClearSingleStep()
		}
	case Step:
		f.SetSingleStep()
	}
	d.record(Entry{
		Time:   time.Now(),
		CPU:    cpu,
		Kind:   kind,
		TrapNo: f.TrapNo,
		RIP:    f.RIP,
		Action: action,
	})
	return action != Decline
}

func (d *DDB) record(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// Entries returns the entry log.
func (d *DDB) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.entries...)
}
