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
	"bytes"
	"encoding/binary"
	"time"

	"github.com/lunixbochs/struc"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// Timespec is struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// TimespecSize is the encoded size of Timespec.
const TimespecSize = 16

// Duration returns ts as a time.Duration.
func (ts Timespec) Duration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// Valid returns true if ts is a valid relative time.
func (ts Timespec) Valid() bool {
	return ts.Sec >= 0 && ts.Nsec >= 0 && ts.Nsec < int64(time.Second)
}

func copyInTimespec(t *kernel.Thread, addr hostarch.Addr) (Timespec, error) {
	buf := make([]byte, TimespecSize)
	if err := t.CopyIn(addr, buf); err != nil {
		return Timespec{}, err
	}
	var ts Timespec
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), &ts, binary.LittleEndian); err != nil {
		return Timespec{}, kernerr.EFAULT
	}
	return ts, nil
}

func copyOutTimespec(t *kernel.Thread, addr hostarch.Addr, d time.Duration) error {
	if addr == 0 {
		return nil
	}
	ts := Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &ts, binary.LittleEndian); err != nil {
		return kernerr.EFAULT
	}
	return t.CopyOut(addr, buf.Bytes())
}

// Nanosleep implements nanosleep(2). A thread with a signal pending does not
// sleep; the call is restarted once the signal has been handled. A thread
// whose context is canceled wakes early with EINTR and the remaining time.
func Nanosleep(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	ts, err := copyInTimespec(t, args[0].Pointer())
	if err != nil {
		return err
	}
	if !ts.Valid() {
		return kernerr.EINVAL
	}
	if t.HasPendingSignal() {
		return kernerr.ErrRestart
	}

	d := ts.Duration()
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return copyOutTimespec(t, args[1].Pointer(), 0)
	case <-t.Context().Done():
		left := d - time.Since(start)
		if left < 0 {
			left = 0
		}
		if err := copyOutTimespec(t, args[1].Pointer(), left); err != nil {
			return err
		}
		return kernerr.EINTR
	}
}
