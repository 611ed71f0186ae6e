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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/trapsim/trapsim/pkg/sentry/arch"
)

const (
	maxTestSyscall = 1000
)

func createSyscallTable(t testing.TB) *SyscallTable {
	m := make(map[uintptr]Syscall)
	for i := uintptr(0); i <= maxTestSyscall; i++ {
		j := i
		m[i] = Syscall{
			Fn: func(_ *Thread, _ arch.SyscallArguments, rv *arch.SyscallReturn) error {
				rv[0] = uint64(j)
				return nil
			},
		}
	}

	s := &SyscallTable{
		OS:    "test",
		Size:  maxTestSyscall + 1,
		Table: m,
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestTable(t *testing.T) {
	table := createSyscallTable(t)

	// Go through all functions and check that they return the right value.
	for i := uintptr(0); i <= maxTestSyscall; i++ {
		var rv arch.SyscallReturn
		if err := table.Lookup(i).Fn(nil, arch.SyscallArguments{}, &rv); err != nil {
			t.Errorf("Syscall %v failed: %v", i, err)
		}
		if rv[0] != uint64(i) {
			t.Errorf("Wrong return value for syscall %v: expected %v, got %v", i, i, rv[0])
		}
	}

	// Check that values outside the range use slot 0.
	for i := uintptr(maxTestSyscall + 1); i < maxTestSyscall+100; i++ {
		var rv arch.SyscallReturn
		table.Lookup(i).Fn(nil, arch.SyscallArguments{}, &rv)
		if rv[0] != 0 {
			t.Errorf("Syscall %v did not use slot 0: got %v", i, rv[0])
		}
	}
}

func TestTableMask(t *testing.T) {
	table := &SyscallTable{
		OS:   "masked",
		Size: 8,
		Mask: 0x7,
		Table: map[uintptr]Syscall{
			0: {Name: "nosys", Fn: nosysForTest},
			3: {Name: "three", NArgs: 2, Fn: nosysForTest},
		},
	}
	if err := table.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, tc := range []struct {
		sysno uintptr
		want  string
	}{
		{3, "three"},
		{0x13, "three"},
		{0x4, "nosys"},
		{0xfff8, "nosys"},
	} {
		if got := table.Lookup(tc.sysno).Name; got != tc.want {
			t.Errorf("Lookup(%#x) = %q, want %q", tc.sysno, got, tc.want)
		}
	}
	if diff := cmp.Diff([]uintptr{0, 3}, table.Numbers()); diff != "" {
		t.Errorf("Numbers mismatch (-want +got):\n%s", diff)
	}
}

func TestTableMissing(t *testing.T) {
	missing := Syscall{Name: "missing", Fn: nosysForTest}
	table := &SyscallTable{
		OS:      "slot0",
		Size:    4,
		Missing: &missing,
		Table: map[uintptr]Syscall{
			0: {Name: "read", NArgs: 3, Fn: nosysForTest},
		},
	}
	if err := table.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for sysno, want := range map[uintptr]string{0: "read", 1: "missing", 4: "missing", 1 << 40: "missing"} {
		if got := table.Lookup(sysno).Name; got != want {
			t.Errorf("Lookup(%#x) = %q, want %q", sysno, got, want)
		}
	}

	table = &SyscallTable{OS: "x", Size: 4, Missing: &Syscall{Name: "broken"}, Table: map[uintptr]Syscall{}}
	if err := table.Init(); err == nil {
		t.Errorf("Init accepted a Missing descriptor without an implementation")
	}
}

func nosysForTest(*Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
	return nil
}

func TestTableInitErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		table SyscallTable
		want  string
	}{
		{
			name:  "no slot 0",
			table: SyscallTable{OS: "x", Size: 4, Table: map[uintptr]Syscall{1: {Fn: nosysForTest}}},
			want:  "no slot 0",
		},
		{
			name:  "empty",
			table: SyscallTable{OS: "x", Table: map[uintptr]Syscall{0: {Fn: nosysForTest}}},
			want:  "size 0",
		},
		{
			name:  "outside",
			table: SyscallTable{OS: "x", Size: 4, Table: map[uintptr]Syscall{0: {Fn: nosysForTest}, 4: {Name: "four", Fn: nosysForTest}}},
			want:  "outside the table",
		},
		{
			name:  "no implementation",
			table: SyscallTable{OS: "x", Size: 4, Table: map[uintptr]Syscall{0: {Fn: nosysForTest}, 2: {Name: "two"}}},
			want:  "no implementation",
		},
		{
			name:  "too many arguments",
			table: SyscallTable{OS: "x", Size: 4, Table: map[uintptr]Syscall{0: {Fn: nosysForTest}, 2: {Name: "two", NArgs: 9, Fn: nosysForTest}}},
			want:  "at most 8",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.table.Init()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Init() = %v, want an error containing %q", err, tc.want)
			}
		})
	}
}

func TestRegisterABI(t *testing.T) {
	a := &ABI{
		Name: "registry-test",
		Table: &SyscallTable{
			OS:    "registry-test",
			Size:  1,
			Table: map[uintptr]Syscall{0: {Name: "nosys", Fn: nosysForTest}},
		},
	}
	if err := RegisterABI(a); err != nil {
		t.Fatalf("RegisterABI: %v", err)
	}
	if got, ok := LookupABI("registry-test"); !ok || got != a {
		t.Errorf("LookupABI = %v, %t", got, ok)
	}
	if err := RegisterABI(a); err == nil {
		t.Errorf("second RegisterABI succeeded")
	}
	found := false
	for _, name := range ABIs() {
		if name == "registry-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("ABIs() = %v, missing registry-test", ABIs())
	}
}

func BenchmarkTableLookup(b *testing.B) {
	table := createSyscallTable(b)

	b.ResetTimer()

	j := uintptr(0)
	for i := 0; i < b.N; i++ {
		table.Lookup(j)
		j = (j + 1) % 310
	}
}
