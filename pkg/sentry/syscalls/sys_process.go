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

package syscalls

import (
	"golang.org/x/sys/unix"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

var sigsys = trap.SignalRecord{Signal: unix.SIGSYS}

// Exit implements exit(2). It records the status and leaves the frame
// alone; the caller stops running the thread once the process has exited.
func Exit(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	t.Process().Exit(args[0].Int())
	return kernerr.ErrJustReturn
}

// Getpid implements getpid(2).
func Getpid(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	rv[0] = uint64(t.Process().PID())
	return nil
}
