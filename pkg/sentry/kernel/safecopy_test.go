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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
)

func TestCopyRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	th, m := e.newMMThread()
	addr, err := m.MMap(context.Background(), mm.MMapOpts{Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	// Straddle the page boundary so that both pages fault.
	at := addr + hostarch.PageSize - 4
	src := []byte("across pages")
	if err := th.CopyOut(at, src); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	dst := make([]byte, len(src))
	if err := th.CopyIn(at, dst); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Errorf("CopyIn = %q, want %q", dst, src)
	}
	if s := m.Stat(); s.Resident != 2 || s.Dirty != 2 {
		t.Errorf("stats = %+v, want two resident dirty pages", s)
	}
	if _, ok := th.RecoveryPoint(); ok {
		t.Errorf("recovery point left installed")
	}
}

func TestCopyOutReadOnly(t *testing.T) {
	e := newTestEnv(t, nil)
	th, m := e.newMMThread()
	addr, err := m.MMap(context.Background(), mm.MMapOpts{Length: hostarch.PageSize, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if err := th.CopyOut(addr, []byte{1}); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyOut to a read-only page = %v, want EFAULT", err)
	}
	// Reading is fine.
	if err := th.CopyIn(addr, make([]byte, 1)); err != nil {
		t.Errorf("CopyIn from a read-only page = %v", err)
	}
	if len(e.halter.reports) != 0 {
		t.Errorf("copy fault was fatal")
	}
}

func TestCopyUnmapped(t *testing.T) {
	e := newTestEnv(t, nil)
	th, _ := e.newMMThread()
	if err := th.CopyIn(0x20000, make([]byte, 8)); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyIn from an unmapped page = %v, want EFAULT", err)
	}
}

func TestCopyKernelRange(t *testing.T) {
	e := newTestEnv(t, nil)
	as := &fakeAddressSpace{}
	th := e.newThread(as)
	for _, addr := range []hostarch.Addr{DefaultKernelBase, DefaultKernelBase - 4, ^hostarch.Addr(0) - 2} {
		if err := th.CopyIn(addr, make([]byte, 8)); !errors.Is(err, kernerr.EFAULT) {
			t.Errorf("CopyIn(%#x) = %v, want EFAULT", addr, err)
		}
	}
	if len(as.calls) != 0 {
		t.Errorf("kernel range copy raised faults: %+v", as.calls)
	}
	if err := th.CopyIn(0x1000, nil); err != nil {
		t.Errorf("empty CopyIn = %v", err)
	}
}

func TestCopyWithoutAddressSpace(t *testing.T) {
	e := newTestEnv(t, nil)
	if err := e.newThread(nil).CopyIn(0x1000, make([]byte, 1)); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyIn = %v, want EFAULT", err)
	}
	if err := e.k.IdleThread(e.cpu).CopyOut(0x1000, []byte{1}); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyOut = %v, want EFAULT", err)
	}
}

func TestCopyRetryStopsWithoutProgress(t *testing.T) {
	e := newTestEnv(t, nil)
	// FaultIn always succeeds but CopyIn never does.
	as := &fakeAddressSpace{}
	th := e.newThread(as)
	if err := th.CopyIn(0x5000, make([]byte, 8)); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyIn = %v, want EFAULT", err)
	}
	if len(as.calls) != 1 {
		t.Errorf("%d FaultIn calls, want 1", len(as.calls))
	}
}

func TestTeardownWaitsForPins(t *testing.T) {
	e := newTestEnv(t, nil)
	th := e.newThread(&fakeAddressSpace{})
	p := th.Process()

	_, unpin := p.pinAddressSpace()
	done := make(chan struct{})
	go func() {
		p.Teardown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("Teardown returned with a pin outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	unpin()
	<-done
	if p.AddressSpace() != nil {
		t.Errorf("address space survived Teardown")
	}
}

// blockingAddressSpace holds CopyIn until release is closed.
type blockingAddressSpace struct {
	fakeAddressSpace
	entered chan struct{}
	release chan struct{}
}

func (as *blockingAddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	close(as.entered)
	<-as.release
	return len(dst), nil
}

func TestCopyPinsAddressSpace(t *testing.T) {
	e := newTestEnv(t, nil)
	as := &fakeAddressSpace{}
	th := e.newThread(as)
	if err := th.CopyIn(0x5000, make([]byte, 8)); !errors.Is(err, kernerr.EFAULT) {
		t.Errorf("CopyIn = %v, want EFAULT", err)
	}
	// The copy and the fault resolver each hold a pin.
	if len(as.calls) != 1 || as.calls[0].Pins != 2 {
		t.Errorf("FaultIn calls = %+v, want one with 2 pins", as.calls)
	}
	if n := th.Process().Pins(); n != 0 {
		t.Errorf("%d pins left after the copy", n)
	}
}

func TestTeardownWaitsForCopy(t *testing.T) {
	e := newTestEnv(t, nil)
	as := &blockingAddressSpace{entered: make(chan struct{}), release: make(chan struct{})}
	th := e.newThread(as)
	p := th.Process()

	copied := make(chan error)
	go func() {
		copied <- th.CopyIn(0x5000, make([]byte, 8))
	}()
	<-as.entered

	done := make(chan struct{})
	go func() {
		p.Teardown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("Teardown returned during a copy")
	case <-time.After(50 * time.Millisecond):
	}
	close(as.release)
	if err := <-copied; err != nil {
		t.Errorf("CopyIn = %v", err)
	}
	<-done
	if p.AddressSpace() != nil {
		t.Errorf("address space survived Teardown")
	}
}

func TestGiant(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.newThread(nil)
	b := e.newThread(nil)
	g := e.k.Giant()

	g.Lock(a)
	if !g.HeldBy(a) || g.HeldBy(b) {
		t.Errorf("HeldBy after Lock(a): a=%t b=%t", g.HeldBy(a), g.HeldBy(b))
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Unlock by a non-owner did not panic")
			}
		}()
		g.Unlock(b)
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("recursive Lock did not panic")
			}
		}()
		g.Lock(a)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Lock(b)
		g.Unlock(b)
	}()
	g.Unlock(a)
	wg.Wait()
	if g.Held() || g.Acquisitions() != 2 {
		t.Errorf("held = %t, acquisitions = %d, want false, 2", g.Held(), g.Acquisitions())
	}
}
