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

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/ilist"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/waiter"
)

// RecvRecord is one unit of received data.
type RecvRecord struct {
	ilist.Entry[*RecvRecord]

	// From is the address the data came from.
	From tcpip.FullAddress

	// Data is the payload. The record owns it.
	Data []byte

	// read is the number of bytes of Data already consumed.
	read int
}

// Remaining returns the number of bytes not consumed yet.
func (r *RecvRecord) Remaining() int {
	return len(r.Data) - r.read
}

// RecvQueue is an ordered queue of received records. Readers block on it
// until data arrives; writers notify EventIn on the waiter queue it was
// created with.
//
// In stream mode a read may span several records and a record is removed
// once fully consumed. In datagram mode a read consumes at most one record,
// which is removed afterwards whatever its remaining length.
type RecvQueue struct {
	wq       *waiter.Queue
	datagram bool

	mu      sync.Mutex
	records ilist.List[*RecvRecord]
	// size is the number of unconsumed bytes in records.
	size int
	// shut is set once no more data will be enqueued.
	shut bool
	// shutErr is returned to readers of an empty shut down queue. Nil
	// means end of stream.
	shutErr *tcpip.Error
}

// NewRecvQueue returns an empty queue that notifies wq.
func NewRecvQueue(wq *waiter.Queue, datagram bool) *RecvQueue {
	return &RecvQueue{wq: wq, datagram: datagram}
}

// Enqueue appends data received from from to the queue. Data is owned by the
// queue afterwards.
func (q *RecvQueue) Enqueue(from tcpip.FullAddress, data []byte) {
	q.mu.Lock()
	if q.shut {
		q.mu.Unlock()
		return
	}
	q.records.PushBack(&RecvRecord{From: from, Data: data})
	q.size += len(data)
	q.mu.Unlock()

	q.wq.Notify(waiter.EventIn)
}

// Shutdown stops the queue from accepting data. Queued data can still be
// read; once it is gone, readers get err, or end of stream if err is nil.
func (q *RecvQueue) Shutdown(err *tcpip.Error) {
	q.mu.Lock()
	if !q.shut {
		q.shut = true
		q.shutErr = err
	}
	q.mu.Unlock()

	q.wq.Notify(waiter.EventIn | waiter.EventHUp)
}

// Len returns the number of queued records.
func (q *RecvQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records.Len()
}

// Size returns the number of unconsumed bytes.
func (q *RecvQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Readable returns true if a read would not block.
func (q *RecvQueue) Readable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.records.Empty() || q.shut
}

// Clear drops every queued record.
func (q *RecvQueue) Clear() {
	q.mu.Lock()
	q.records.Reset()
	q.size = 0
	q.mu.Unlock()
}

// readyLocked reports whether a read with the given flags for want bytes can
// proceed.
func (q *RecvQueue) readyLocked(flags, want int) bool {
	if q.shut {
		return true
	}
	if flags&unix.MSG_WAITALL != 0 && !q.datagram {
		return q.size >= want
	}
	return !q.records.Empty()
}

// Dequeue reads queued data into dst, honoring MSG_DONTWAIT, MSG_PEEK,
// MSG_TRUNC and MSG_WAITALL in flags. It returns the number of bytes read
// (or, with MSG_TRUNC, the length of the data that was available), the
// message flags and the sender of the first record read.
//
// An empty queue blocks until data arrives or ctx is done, in which case
// ErrInterrupted is returned. With MSG_DONTWAIT it fails with ErrWouldBlock
// instead.
func (q *RecvQueue) Dequeue(ctx context.Context, dst [][]byte, flags int) (int, int, tcpip.FullAddress, *tcpip.Error) {
	want := 0
	for _, b := range dst {
		want += len(b)
	}

	q.mu.Lock()
	for !q.readyLocked(flags, want) {
		q.mu.Unlock()
		if flags&unix.MSG_DONTWAIT != 0 {
			return 0, 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
		}
		err := q.wq.WaitFor(ctx, waiter.EventIn, func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			return q.readyLocked(flags, want)
		})
		if err != nil {
			return 0, 0, tcpip.FullAddress{}, tcpip.ErrInterrupted
		}
		// Another reader may have emptied the queue in between.
		q.mu.Lock()
	}
	defer q.mu.Unlock()

	if q.records.Empty() {
		return 0, 0, tcpip.FullAddress{}, q.shutErr
	}
	n, msgFlags, from := q.readLocked(dst, flags)
	return n, msgFlags, from, nil
}

// readLocked copies records into dst.
func (q *RecvQueue) readLocked(dst [][]byte, flags int) (int, int, tcpip.FullAddress) {
	peek := flags&unix.MSG_PEEK != 0
	w := iovecWriter{dst: dst}
	from := q.records.Front().From
	var n, msgFlags int

	for r := q.records.Front(); r != nil; {
		next := r.Next()
		avail := r.Data[r.read:]
		copied := w.write(avail)
		n += copied

		left := len(avail) - copied
		if left > 0 {
			msgFlags |= unix.MSG_TRUNC
			if flags&unix.MSG_TRUNC != 0 {
				n += left
			}
		}

		if !peek {
			r.read += copied
			q.size -= copied
			if r.Remaining() == 0 || q.datagram {
				q.size -= r.Remaining()
				q.records.Remove(r)
			}
		}

		if q.datagram || w.full() {
			break
		}
		r = next
	}
	return n, msgFlags, from
}

// iovecWriter fills a sequence of buffers in order.
type iovecWriter struct {
	dst [][]byte
	off int
}

func (w *iovecWriter) write(b []byte) int {
	n := 0
	for len(b) > 0 && len(w.dst) > 0 {
		c := copy(w.dst[0][w.off:], b)
		b = b[c:]
		n += c
		w.off += c
		if w.off == len(w.dst[0]) {
			w.dst = w.dst[1:]
			w.off = 0
		}
	}
	return n
}

func (w *iovecWriter) full() bool {
	for len(w.dst) > 0 && len(w.dst[0]) == w.off {
		w.dst = w.dst[1:]
		w.off = 0
	}
	return len(w.dst) == 0
}
