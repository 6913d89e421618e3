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
// Package socket provides the generic socket base shared by protocol
// implementations: the receive queues, the connection request queue of
// listening sockets, socket-level options and the syscall-shaped entry points
// that translate between the stack's errors and errnos.
package socket

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/syserr"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/waiter"
)

// Socket is the interface containing socket syscalls used by the syscall layer
// to redirect them to the appropriate implementation.
type Socket interface {
	waiter.Waitable

	// Base returns the generic socket state.
	Base() *Base

	// Bind implements the bind(2) linux syscall.
	Bind(ctx context.Context, addr tcpip.FullAddress) *syserr.Error

	// Connect implements the connect(2) linux syscall. It blocks until the
	// connection is established, fails, or ctx is done.
	Connect(ctx context.Context, addr tcpip.FullAddress) *syserr.Error

	// Listen puts the socket in the listening state. It is called by
	// SysListen with the state lock held and the backlog already set.
	Listen() *syserr.Error

	// AcceptRequest completes the connection described by req and returns
	// the new socket. It is called by SysAccept.
	AcceptRequest(req *ConnRequest) (Socket, *syserr.Error)

	// SendMsg implements the sendmsg(2) linux syscall. to is nil for
	// connected sends.
	SendMsg(ctx context.Context, src [][]byte, to *tcpip.FullAddress, flags int) (int, *syserr.Error)

	// RecvMsg implements the recvmsg(2) linux syscall. It returns the
	// number of bytes read, the message flags and the sender address.
	RecvMsg(ctx context.Context, dst [][]byte, flags int) (int, int, tcpip.FullAddress, *syserr.Error)

	// GetSockName implements the getsockname(2) linux syscall.
	GetSockName() (tcpip.FullAddress, *syserr.Error)

	// GetPeerName implements the getpeername(2) linux syscall.
	GetPeerName() (tcpip.FullAddress, *syserr.Error)

	// GetSockOpt implements the getsockopt(2) linux syscall for integer
	// options.
	GetSockOpt(level, name int) (int32, *syserr.Error)

	// SetSockOpt implements the setsockopt(2) linux syscall.
	SetSockOpt(level, name int, optVal []byte) *syserr.Error

	// Shutdown implements the shutdown(2) linux syscall.
	Shutdown(how int) *syserr.Error

	// Close releases the file's reference on the socket.
	Close()
}

// Base holds the state every socket has regardless of its protocol.
type Base struct {
	// Family, Type and Protocol are the arguments the socket was created
	// with. They are immutable.
	Family   int
	Type     int
	Protocol int

	// StateLock serializes bind, connect, listen and accept. It is
	// interruptible because connect and accept can hold it for a long
	// time.
	StateLock InterruptibleMutex

	// Queue is notified of readiness changes.
	Queue waiter.Queue

	// InBand and OOB are the normal and out-of-band receive queues.
	InBand *RecvQueue
	OOB    *RecvQueue

	// Requests is the connection request queue of a listening socket.
	Requests ConnRequestQueue

	mu sync.Mutex
	// backlog is non-zero while the socket is listening.
	backlog int
	// sockErr is the pending error reported through SO_ERROR.
	sockErr *tcpip.Error
}

// Init initializes b for a socket of the given family, type and protocol.
func (b *Base) Init(family, skType, protocol int) {
	b.Family = family
	b.Type = skType
	b.Protocol = protocol
	datagram := skType != unix.SOCK_STREAM
	b.InBand = NewRecvQueue(&b.Queue, datagram)
	b.OOB = NewRecvQueue(&b.Queue, datagram)
}

// Listening returns true if the socket is in the listening state.
func (b *Base) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backlog != 0
}

// SetBacklog sets the listen backlog. Zero leaves the listening state.
func (b *Base) SetBacklog(backlog int) {
	b.mu.Lock()
	b.backlog = backlog
	b.mu.Unlock()
}

// SetSockError records err as the pending socket error and wakes waiters.
func (b *Base) SetSockError(err *tcpip.Error) {
	b.mu.Lock()
	b.sockErr = err
	b.mu.Unlock()

	if err != nil {
		b.Queue.Notify(waiter.EventErr)
	}
}

// PeekSockError returns the pending socket error without clearing it.
func (b *Base) PeekSockError() *tcpip.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sockErr
}

// TakeSockError returns and clears the pending socket error.
func (b *Base) TakeSockError() *tcpip.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.sockErr
	b.sockErr = nil
	return err
}

// RecvQueue returns the queue a receive with the given flags reads from.
func (b *Base) RecvQueue(flags int) *RecvQueue {
	if flags&unix.MSG_OOB != 0 {
		return b.OOB
	}
	return b.InBand
}

// Readiness returns the events in mask the socket is ready for. Sockets are
// always writable.
func (b *Base) Readiness(mask waiter.EventMask) waiter.EventMask {
	ready := waiter.EventOut
	if b.InBand.Readable() || b.OOB.Readable() {
		ready |= waiter.EventIn
	}
	if b.PeekSockError() != nil {
		ready |= waiter.EventErr
	}
	return ready & mask
}

// EventRegister implements waiter.Waitable.EventRegister.
func (b *Base) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	b.Queue.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (b *Base) EventUnregister(e *waiter.Entry) {
	b.Queue.EventUnregister(e)
}
