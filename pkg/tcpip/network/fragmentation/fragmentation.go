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

// Package fragmentation implements IP datagram reassembly.
package fragmentation

import (
	"errors"
	"sync"
	"time"

	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
)

const (
	// DefaultReassembleTimeout is the time a partially reassembled datagram
	// is kept waiting for its missing fragments (RFC 791 suggests 15
	// seconds as a lower bound, Linux uses 30).
	DefaultReassembleTimeout = 30 * time.Second

	// HighFragThreshold is the default memory limit, in bytes, after which
	// reassemblers are dropped.
	HighFragThreshold = 4 << 20
)

// ErrInvalidArgs indicates a fragment whose last byte precedes its first.
var ErrInvalidArgs = errors.New("invalid fragment bounds")

// Fragmentation is the main structure that other modules of the stack should
// use to implement IP reassembly.
type Fragmentation struct {
	mu           sync.Mutex
	highLimit    int
	reassemblers map[uint32]*reassembler
	size         int
	timeout      time.Duration
	clock        tcpip.Clock
}

// NewFragmentation creates a new Fragmentation.
//
// highMemoryLimit bounds the bytes held by pending reassemblers; a fragment
// that would exceed it is dropped. timeout bounds how long a datagram may
// take to reassemble.
func NewFragmentation(highMemoryLimit int, timeout time.Duration, clock tcpip.Clock) *Fragmentation {
	if highMemoryLimit <= 0 {
		highMemoryLimit = HighFragThreshold
	}
	return &Fragmentation{
		reassemblers: make(map[uint32]*reassembler),
		highLimit:    highMemoryLimit,
		timeout:      timeout,
		clock:        clock,
	}
}

// Process processes an incoming fragment belonging to an ID and returns a
// complete packet when all the packets belonging to that ID have been
// received.
func (f *Fragmentation) Process(id uint32, first, last uint16, more bool, data []byte) ([]byte, bool, error) {
	if first > last {
		return nil, false, ErrInvalidArgs
	}

	f.mu.Lock()
	if f.size+len(data) > f.highLimit {
		f.mu.Unlock()
		if log.IsLogging(log.Debug) {
			log.Debugf("fragmentation: dropping fragment of %#x, %d bytes pending", id, f.size)
		}
		return nil, false, nil
	}
	r, ok := f.reassemblers[id]
	if !ok {
		r = newReassembler(id)
		f.reassemblers[id] = r
		r.timer = f.clock.AfterFunc(f.timeout, func() {
			f.release(r)
		})
	}
	f.mu.Unlock()

	res, done, consumed, err := r.process(first, last, more, data)
	if err != nil {
		f.release(r)
		return nil, false, err
	}

	f.mu.Lock()
	// A released reassembler already gave back everything it held.
	if cur, ok := f.reassemblers[id]; ok && cur == r {
		f.size += consumed
	}
	f.mu.Unlock()

	if done {
		r.timer.Stop()
		f.release(r)
	}
	return res, done, nil
}

// Pending returns the number of datagrams waiting for fragments.
func (f *Fragmentation) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reassemblers)
}

// MemSize returns the number of bytes held by pending reassemblers.
func (f *Fragmentation) MemSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *Fragmentation) release(r *reassembler) {
	// Before releasing a fragment we need to check if r is already marked as
	// done. Otherwise, we would delete it twice.
	if r.checkDoneOrMark() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.reassemblers[r.id]; ok && cur == r {
		delete(f.reassemblers, r.id)
	}
	f.size -= r.size
	if f.size < 0 {
		log.Warningf("memory counter < 0 (%d) after releasing fragments of %#x", f.size, r.id)
		f.size = 0
	}
}
