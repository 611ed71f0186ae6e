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

package mm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
)

const (
	testMin = hostarch.Addr(0x10000)
	testMax = hostarch.Addr(0x7fff00000000)
)

func testMemoryManager() *MemoryManager {
	return NewMemoryManager("test", testMin, testMax)
}

func mustMMap(t *testing.T, mm *MemoryManager, opts MMapOpts) hostarch.Addr {
	t.Helper()
	addr, err := mm.MMap(context.Background(), opts)
	if err != nil {
		t.Fatalf("MMap(%+v) got err %v want nil", opts, err)
	}
	return addr
}

func TestMMapPlacement(t *testing.T) {
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: 1, Perms: hostarch.ReadWrite})
	if a != testMin {
		t.Errorf("first mapping at %v, want %v", a, testMin)
	}
	b := mustMMap(t, mm, MMapOpts{Length: 2 * hostarch.PageSize, Perms: hostarch.Read})
	if b != a+hostarch.PageSize {
		t.Errorf("second mapping at %v, want %v", b, a+hostarch.PageSize)
	}
	hint := hostarch.Addr(0x400000)
	if c := mustMMap(t, mm, MMapOpts{Addr: hint, Length: hostarch.PageSize}); c != hint {
		t.Errorf("hinted mapping at %v, want %v", c, hint)
	}
	if d := mustMMap(t, mm, MMapOpts{Addr: hint, Length: hostarch.PageSize}); d != hint+hostarch.PageSize {
		t.Errorf("mapping at occupied hint placed at %v, want %v", d, hint+hostarch.PageSize)
	}
	if _, err := mm.MMap(context.Background(), MMapOpts{}); !errors.Is(err, kernerr.EINVAL) {
		t.Errorf("zero length MMap got err %v want EINVAL", err)
	}
	if got := mm.Stat(); got.VMAs != 4 || got.Mapped != 5*hostarch.PageSize {
		t.Errorf("Stat = %+v", got)
	}
}

func TestFaultIn(t *testing.T) {
	ctx := context.Background()
	mm := testMemoryManager()
	rw := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	ro := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.Read, Private: true})

	if err := mm.FaultIn(ctx, rw+8, hostarch.Write, FaultDirty); err != nil {
		t.Errorf("write fault on rw mapping: %v", err)
	}
	if err := mm.FaultIn(ctx, ro, hostarch.Read, FaultNormal); err != nil {
		t.Errorf("read fault on ro mapping: %v", err)
	}

	err := mm.FaultIn(ctx, ro, hostarch.Write, FaultDirty)
	if !IsProtectionFault(err) {
		t.Errorf("write fault on ro mapping got %v, want protection fault", err)
	}
	err = mm.FaultIn(ctx, 0x9000000, hostarch.Read, FaultNormal)
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Kind != NoMapping || IsProtectionFault(err) {
		t.Errorf("fault on unmapped address got %v, want no mapping", err)
	}

	if got := mm.Stat(); got.Resident != 2 || got.Dirty != 1 || got.Faults != 2 {
		t.Errorf("Stat = %+v", got)
	}
}

func TestFaultInCanceled(t *testing.T) {
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mm.FaultIn(ctx, a, hostarch.Read, FaultNormal); !errors.Is(err, context.Canceled) {
		t.Errorf("FaultIn with canceled context got %v", err)
	}
}

func TestCopyFaultsUntilBacked(t *testing.T) {
	ctx := context.Background()
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})

	src := []byte("hello")
	_, err := mm.CopyOut(a, src)
	var af *AccessFault
	if !errors.As(err, &af) {
		t.Fatalf("CopyOut to unbacked page got %v, want AccessFault", err)
	}
	if af.ErrorCode() != abi.PGEX_W {
		t.Errorf("ErrorCode = %#x, want %#x", af.ErrorCode(), abi.PGEX_W)
	}

	if err := mm.FaultIn(ctx, af.Addr, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	if n, err := mm.CopyOut(a, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut after fault = (%d, %v)", n, err)
	}
	dst := make([]byte, len(src))
	if n, err := mm.CopyIn(a, dst); err != nil || n != len(dst) {
		t.Fatalf("CopyIn = (%d, %v)", n, err)
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	// Straddle into the second, unbacked page.
	edge := a + hostarch.PageSize - 2
	n, err := mm.CopyIn(edge, make([]byte, 4))
	if !errors.As(err, &af) || n != 2 || af.Addr != a+hostarch.PageSize {
		t.Errorf("straddling CopyIn = (%d, %v)", n, err)
	}
}

func TestCopyOutReadOnlyPage(t *testing.T) {
	ctx := context.Background()
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.Read})
	if err := mm.FaultIn(ctx, a, hostarch.Read, FaultNormal); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	_, err := mm.CopyOut(a, []byte{1})
	var af *AccessFault
	if !errors.As(err, &af) || af.ErrorCode() != abi.PGEX_P|abi.PGEX_W {
		t.Errorf("CopyOut to read-only page got %v", err)
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	parent := testMemoryManager()
	a := mustMMap(t, parent, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err := parent.FaultIn(ctx, a, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	if _, err := parent.CopyOut(a, []byte("parent")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	child := parent.Fork(ctx, "child")

	// Both sides now fault on write.
	if _, err := child.CopyOut(a, []byte("child!")); err == nil {
		t.Fatalf("CopyOut to a shared copy-on-write page succeeded")
	}
	if err := child.FaultIn(ctx, a, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("child FaultIn: %v", err)
	}
	if _, err := child.CopyOut(a, []byte("child!")); err != nil {
		t.Fatalf("child CopyOut: %v", err)
	}

	got := make([]byte, 6)
	if _, err := parent.CopyIn(a, got); err != nil {
		t.Fatalf("parent CopyIn: %v", err)
	}
	if string(got) != "parent" {
		t.Errorf("parent sees %q after child write, want %q", got, "parent")
	}
	if _, err := child.CopyIn(a, got); err != nil {
		t.Fatalf("child CopyIn: %v", err)
	}
	if string(got) != "child!" {
		t.Errorf("child sees %q, want %q", got, "child!")
	}
	if s := child.Stat(); s.CowBreaks != 1 {
		t.Errorf("child CowBreaks = %d, want 1", s.CowBreaks)
	}

	// The parent is now the only user of its page; a write fault does not
	// copy.
	if err := parent.FaultIn(ctx, a, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("parent FaultIn: %v", err)
	}
	if s := parent.Stat(); s.CowBreaks != 0 {
		t.Errorf("parent CowBreaks = %d, want 0", s.CowBreaks)
	}
}

func TestForkShared(t *testing.T) {
	ctx := context.Background()
	parent := testMemoryManager()
	a := mustMMap(t, parent, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err := parent.FaultIn(ctx, a, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	child := parent.Fork(ctx, "child")
	if _, err := child.CopyOut(a, []byte("shared")); err != nil {
		t.Fatalf("child CopyOut to shared mapping: %v", err)
	}
	got := make([]byte, 6)
	if _, err := parent.CopyIn(a, got); err != nil || string(got) != "shared" {
		t.Errorf("parent CopyIn = (%q, %v), want shared", got, err)
	}
}

func TestMUnmapSplits(t *testing.T) {
	ctx := context.Background()
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: 3 * hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err := mm.MUnmap(ctx, a+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if err := mm.FaultIn(ctx, a+hostarch.PageSize, hostarch.Read, FaultNormal); IsProtectionFault(err) || err == nil {
		t.Errorf("fault in hole got %v, want no mapping", err)
	}
	for _, addr := range []hostarch.Addr{a, a + 2*hostarch.PageSize} {
		if err := mm.FaultIn(ctx, addr, hostarch.Read, FaultNormal); err != nil {
			t.Errorf("fault at %v after split: %v", addr, err)
		}
	}
	if got := mm.Stat().VMAs; got != 2 {
		t.Errorf("VMAs = %d, want 2", got)
	}
}

func TestMProtect(t *testing.T) {
	ctx := context.Background()
	mm := testMemoryManager()
	a := mustMMap(t, mm, MMapOpts{Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err := mm.FaultIn(ctx, a, hostarch.Write, FaultDirty); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	if err := mm.MProtect(ctx, a, hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect: %v", err)
	}
	if _, err := mm.CopyOut(a, []byte{1}); err == nil {
		t.Errorf("CopyOut after MProtect(read) succeeded")
	}
	if err := mm.FaultIn(ctx, a, hostarch.Write, FaultDirty); !IsProtectionFault(err) {
		t.Errorf("write fault after MProtect(read) got %v", err)
	}
	if err := mm.FaultIn(ctx, a+hostarch.PageSize, hostarch.Write, FaultDirty); err != nil {
		t.Errorf("write fault on untouched half: %v", err)
	}
	if err := mm.MProtect(ctx, a, 4*hostarch.PageSize, hostarch.Read); !errors.Is(err, kernerr.ENOMEM) {
		t.Errorf("MProtect past the mapping got %v, want ENOMEM", err)
	}
}
