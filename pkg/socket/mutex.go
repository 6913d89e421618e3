// Copyright 2026 The Onyx Authors.
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
package socket

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"onyx.dev/netstack/pkg/tcpip"
)

// InterruptibleMutex is a mutual exclusion lock whose Lock can be abandoned
// when the caller's context is done. It guards socket state transitions that
// may block for a long time while holding the lock, such as connect.
//
// The zero value is an unlocked mutex.
type InterruptibleMutex struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (m *InterruptibleMutex) init() {
	m.once.Do(func() {
		m.sem = semaphore.NewWeighted(1)
	})
}

// Lock acquires m. It returns ErrInterrupted, without the lock, if ctx is done
// first.
func (m *InterruptibleMutex) Lock(ctx context.Context) *tcpip.Error {
	m.init()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return tcpip.ErrInterrupted
	}
	return nil
}

// TryLock acquires m if it is free and reports whether it did.
func (m *InterruptibleMutex) TryLock() bool {
	m.init()
	return m.sem.TryAcquire(1)
}

// Unlock releases m.
func (m *InterruptibleMutex) Unlock() {
	m.init()
	m.sem.Release(1)
}
