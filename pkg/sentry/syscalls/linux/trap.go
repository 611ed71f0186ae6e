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

package linux

import (
	"golang.org/x/sys/unix"

	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// Emulator remaps trap signals the way Linux reports them: protection,
// task, double and page faults are SIGSEGV rather than SIGBUS.
type Emulator struct{}

// RemapSignal implements trap.Emulator.RemapSignal.
func (Emulator) RemapSignal(sig unix.Signal, kind trap.FaultKind) unix.Signal {
	if sig != unix.SIGBUS {
		return sig
	}
	switch kind {
	case trap.ProtectionFault, trap.InvalidTask, trap.DoubleFault, trap.PageFault:
		return unix.SIGSEGV
	default:
		return sig
	}
}
