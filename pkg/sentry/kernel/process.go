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
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/trapsim/trapsim/pkg/sentry/arch/fpu"
)

// Process is a user process: an address space, an ABI and the threads
// running in them.
type Process struct {
	k    *Kernel
	pid  int32
	name string

	// abi is immutable.
	abi *ABI

	mu sync.Mutex

	// as is the address space. It is nil before exec and after Teardown.
	//
	// as is protected by mu.
	as AddressSpace

	// pins counts in-progress operations that use as without holding mu.
	// Teardown waits for it to drop to zero.
	//
	// pins is protected by mu.
	pins   int
	noPins *sync.Cond

	nextTID atomic.Int32

	// stdinMu serializes reads of stdin. It is taken before mu.
	stdinMu sync.Mutex

	// stdin and stdout back file descriptors 0, 1 and 2. Either may be
	// nil.
	//
	// stdin and stdout are protected by mu.
	stdin  *bufio.Reader
	stdout io.Writer

	// exited and exitStatus are protected by mu.
	exited     bool
	exitStatus int32
}

// PID returns the process ID.
func (p *Process) PID() int32 {
	return p.pid
}

// Name returns the process's command name.
func (p *Process) Name() string {
	return p.name
}

// ABI returns the process's system call ABI.
func (p *Process) ABI() *ABI {
	return p.abi
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("%d (%s)", p.pid, p.name)
}

// AddressSpace returns the process's address space, or nil.
func (p *Process) AddressSpace() AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// pinAddressSpace returns the address space and holds it until the
// returned function is called. It returns nil if there is none.
func (p *Process) pinAddressSpace() (AddressSpace, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.as == nil {
		return nil, func() {}
	}
	p.pins++
	return p.as, func() {
		p.mu.Lock()
		p.pins--
		if p.pins == 0 {
			p.noPins.Broadcast()
		}
		p.mu.Unlock()
	}
}

// Pins returns the number of outstanding pins.
func (p *Process) Pins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins
}

// Teardown waits for all pins to be released, then drops the address space.
func (p *Process) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pins > 0 {
		p.noPins.Wait()
	}
	p.as = nil
}

// SetStdio sets the reader and writer behind the standard descriptors.
func (p *Process) SetStdio(stdin io.Reader, stdout io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin, p.stdout = nil, stdout
	if stdin != nil {
		p.stdin = bufio.NewReader(stdin)
	}
}

// Stdio returns the reader and writer behind the standard descriptors.
func (p *Process) Stdio() (io.Reader, io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil, p.stdout
	}
	return p.stdin, p.stdout
}

// ReadStdin hands up to limit bytes of standard input to fn. The bytes are
// consumed only if fn succeeds, so a read into a bad buffer loses no input.
// It returns the number of bytes consumed; zero means end of file.
func (p *Process) ReadStdin(limit int, fn func([]byte) error) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	p.mu.Lock()
	in := p.stdin
	p.mu.Unlock()
	if in == nil || limit <= 0 {
		return 0, nil
	}
	// Wait for at least one byte, then take what is buffered.
	if _, err := in.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	n := min(limit, in.Buffered())
	data, err := in.Peek(n)
	if err != nil {
		return 0, err
	}
	if err := fn(data); err != nil {
		return 0, err
	}
	in.Discard(n)
	return n, nil
}

// Exit records the exit status of p. Only the first call has an effect.
func (p *Process) Exit(status int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited, p.exitStatus = true, status
}

// ExitStatus returns the exit status, or false if p has not exited.
func (p *Process) ExitStatus() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exited
}

// NewThread creates a thread of p that runs on cpu.
func (p *Process) NewThread(cpu *CPU) *Thread {
	return &Thread{
		k:   p.k,
		p:   p,
		cpu: cpu,
		tid: p.nextTID.Add(1),
		fpu: fpu.NewState(),
	}
}

// IdleThread returns a thread that belongs to no process, for kernel work
// on cpu. It must not take user-mode traps.
func (k *Kernel) IdleThread(cpu *CPU) *Thread {
	return &Thread{
		k:   k,
		cpu: cpu,
		fpu: fpu.NewState(),
	}
}
