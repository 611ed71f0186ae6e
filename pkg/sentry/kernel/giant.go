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
	"fmt"
	"sync"
	"sync/atomic"
)

// Giant is the global lock held around system calls that are not MP-safe.
// It records its owner so that misuse is caught at the point it happens.
type Giant struct {
	mu    sync.Mutex
	owner atomic.Pointer[Thread]

	// acquisitions counts Lock calls.
	acquisitions atomic.Uint64
}

// Lock acquires Giant on behalf of t.
func (g *Giant) Lock(t *Thread) {
	if g.owner.Load() == t {
		panic(fmt.Sprintf("Giant recursively locked by %v", t))
	}
	g.mu.Lock()
	g.owner.Store(t)
	g.acquisitions.Add(1)
}

// Unlock releases Giant. t must hold it.
func (g *Giant) Unlock(t *Thread) {
	if owner := g.owner.Load(); owner != t {
		panic(fmt.Sprintf("Giant released by %v, held by %v", t, owner))
	}
	g.owner.Store(nil)
	g.mu.Unlock()
}

// HeldBy returns true if t holds Giant.
func (g *Giant) HeldBy(t *Thread) bool {
	return g.owner.Load() == t
}

// Held returns true if any thread holds Giant.
func (g *Giant) Held() bool {
	return g.owner.Load() != nil
}

// Acquisitions returns the number of times Giant was acquired.
func (g *Giant) Acquisitions() uint64 {
	return g.acquisitions.Load()
}
