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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"onyx.dev/netstack/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (*NullClock) NowNanoseconds() int64 {
	return 0
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() int64 {
	return 0
}

// AfterFunc implements tcpip.Clock.AfterFunc. The returned timer never fires.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool         { return false }
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Work scheduled with AfterFunc runs synchronously on the goroutine calling
// Advance, in deadline order. Work scheduled for the same deadline runs in
// the order it was scheduled.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	now time.Time

	// times is min-heap of timers. A heap is used for quick retrieval of the
	// next upcoming time of scheduled work.
	times timeHeap

	// seq orders timers that share a deadline.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		now: time.Unix(0, 0).UTC(),
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now returns the current fake time.
func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (mc *ManualClock) NowNanoseconds() int64 {
	return mc.Now().UnixNano()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() int64 {
	return mc.NowNanoseconds()
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{
		clock: mc,
		f:     f,
		index: -1,
	}
	mc.mu.Lock()
	mc.scheduleLocked(t, d)
	mc.mu.Unlock()
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.times.Len()
}

// +checklocks:mc.mu
func (mc *ManualClock) scheduleLocked(t *manualTimer, d time.Duration) {
	t.until = mc.now.Add(d)
	t.seq = mc.seq
	mc.seq++
	heap.Push(&mc.times, t)
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all work has completed execution.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.times.Len() != 0 {
		t := mc.times[0]
		if t.until.After(until) {
			// No work to do
			break
		}
		heap.Pop(&mc.times)
		mc.now = t.until
		mc.mu.Unlock()

		t.f()

		mc.mu.Lock()
	}
	if until.After(mc.now) {
		mc.now = until
	}
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&t.clock.times, t.index)
	}
	t.clock.scheduleLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.times, t.index)
	return true
}

type timeHeap []*manualTimer

var _ heap.Interface = (*timeHeap)(nil)

func (h timeHeap) Len() int {
	return len(h)
}

func (h timeHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	last.index = -1
	return last
}
