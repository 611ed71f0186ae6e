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

// Package fpu models the x87 floating point unit state that the trap core
// consults for arithmetic traps and lazy context restore.
package fpu

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/abi/trap"
)

// x87 status and control word exception bits. The control word carries the
// same bits as masks.
const (
	ExcInvalid    = 0x0001 // IE
	ExcDenormal   = 0x0002 // DE
	ExcZeroDivide = 0x0004 // ZE
	ExcOverflow   = 0x0008 // OE
	ExcUnderflow  = 0x0010 // UE
	ExcPrecision  = 0x0020 // PE
	ExcStackFault = 0x0040 // SF, status word only

	excAll = ExcInvalid | ExcDenormal | ExcZeroDivide | ExcOverflow | ExcUnderflow | ExcPrecision

	// DefaultControl masks every exception.
	DefaultControl = 0x037f
)

// State represents floating point state of one thread.
type State struct {
	// Present is false when the machine has no usable FPU; lazy restore
	// then fails.
	Present bool `yaml:"present"`

	// Loaded is true once the thread's context is live in the unit.
	Loaded bool `yaml:"loaded"`

	// Status is the x87 status word.
	Status uint16 `yaml:"status"`

	// Control is the x87 control word.
	Control uint16 `yaml:"control"`
}

// NewState returns the state of a thread that has not used the FPU yet.
func NewState() *State {
	return &State{Present: true, Control: DefaultControl}
}

// Fork returns a copy of s for a child thread. The copy is not loaded.
func (s *State) Fork() *State {
	c := *s
	c.Loaded = false
	return &c
}

// PendingException returns the SIGFPE code for the highest priority
// unmasked exception recorded in the status word, and clears the recorded
// exceptions. It returns false if there is nothing unmasked pending, which
// happens when the trap was spurious.
func (s *State) PendingException() (int, bool) {
	pending := s.Status & excAll &^ s.Control
	var code int
	switch {
	case pending == 0:
		return 0, false
	case pending&ExcInvalid != 0 && s.Status&ExcStackFault != 0:
		code = trap.FPE_FLTSUB
	case pending&ExcInvalid != 0:
		code = trap.FPE_FLTINV
	case pending&ExcDenormal != 0:
		code = trap.FPE_FLTUND
	case pending&ExcZeroDivide != 0:
		code = trap.FPE_FLTDIV
	case pending&ExcOverflow != 0:
		code = trap.FPE_FLTOVF
	case pending&ExcUnderflow != 0:
		code = trap.FPE_FLTUND
	default:
		code = trap.FPE_FLTRES
	}
	s.Status &^= excAll | ExcStackFault
	return code, true
}

// RestoreLazy loads the thread's context into the unit after a
// device-not-available trap. It returns false if there is no unit to load
// into.
func (s *State) RestoreLazy() bool {
	if !s.Present {
		return false
	}
	s.Loaded = true
	return true
}

// String implements fmt.Stringer.
func (s *State) String() string {
	return fmt.Sprintf("fpu{present=%t loaded=%t sw=%#04x cw=%#04x}", s.Present, s.Loaded, s.Status, s.Control)
}
