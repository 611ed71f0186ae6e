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
	"golang.org/x/sys/unix"

	"github.com/trapsim/trapsim/pkg/metric"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

var signalFieldValues = []string{"SIGILL", "SIGTRAP", "SIGFPE", "SIGBUS", "SIGSEGV", "other"}

var (
	trapCount = metric.MustCreateNewUint64Metric("/trap/count",
		"Number of traps taken, by fault kind and privilege mode.",
		metric.NewField("kind", trap.AllNames()),
		metric.NewField("mode", []string{"user", "kernel"}))

	pageFaultCount = metric.MustCreateNewUint64Metric("/trap/page_faults",
		"Number of page faults, by outcome.",
		metric.NewField("outcome", []string{"resolved", "recovered", "signal", "fatal"}))

	signalCount = metric.MustCreateNewUint64Metric("/trap/signals",
		"Number of signals sent by the trap and system call paths.",
		metric.NewField("signal", signalFieldValues))

	syscallCount = metric.MustCreateNewUint64Metric("/trap/syscalls",
		"Number of system calls, by result encoding.",
		metric.NewField("result", []string{"ok", "error", "restart", "justreturn"}))

	fixupCount = metric.MustCreateNewUint64Metric("/trap/fixups",
		"Number of kernel-mode faults repaired by an architecture fixup.")

	fatalCount = metric.MustCreateNewUint64Metric("/trap/fatal",
		"Number of fatal traps.")
)

func modeName(user bool) string {
	if user {
		return "user"
	}
	return "kernel"
}

func signalFieldValue(sig unix.Signal) string {
	name := unix.SignalName(sig)
	for _, v := range signalFieldValues {
		if v == name {
			return v
		}
	}
	return "other"
}
