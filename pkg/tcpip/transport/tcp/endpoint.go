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
package tcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/ilist"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/socket"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

// EndpointState represents the state of a TCP endpoint.
type EndpointState uint8

// Endpoint states. Only CLOSED, LISTEN, SYN-SENT and ESTABLISHED are ever
// entered; the others complete the RFC 793 state set.
const (
	StateClosed EndpointState = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRecv:
		return "SYN-RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT1"
	case StateFinWait2:
		return "FIN-WAIT2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return fmt.Sprintf("EndpointState(%d)", uint8(s))
	}
}

var netProtos = []tcpip.NetworkProtocolNumber{header.IPv4ProtocolNumber}

// Endpoint represents a TCP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal
// to have concurrent goroutines make calls into the endpoint, they are
// properly synchronized.
//
// Locks are acquired in the following order, outermost first:
//
//   - the socket state lock (sk.StateLock), held by bind, connect and listen
//     for their whole duration. It is interruptible.
//   - segMu, held while one inbound segment is processed and while the
//     endpoint's own state is changed or a segment is built and sent.
//   - pendingMu, sndBufMu and the receive queue lock. These are leaves: no
//     other lock is acquired while holding them. Waiters are woken after the
//     leaf is released.
//
// References are held by the file (dropped by Close), by the stack's demuxer
// while a segment is handled and by every armed retransmission timer. The
// last reference tears the endpoint down, which requires it to be CLOSED.
type Endpoint struct {
	stack *stack.Stack
	proto *protocol

	// sk holds the socket-level state: receive queues, the pending socket
	// error and the state lock.
	sk socket.Base

	refs atomic.Int64

	segMu sync.Mutex
	// +checklocks:segMu
	state EndpointState
	// +checklocks:segMu
	bound bool
	// +checklocks:segMu
	bindNIC tcpip.NICID
	// +checklocks:segMu
	bindAddr tcpip.Address
	// +checklocks:segMu
	connected bool
	// registered is true while id is in the stack's demuxer.
	// +checklocks:segMu
	registered bool
	// +checklocks:segMu
	id stack.TransportEndpointID
	// route is resolved by connect and immutable afterwards.
	// +checklocks:segMu
	route *stack.Route
	// hardError is the reason the last connection attempt failed.
	// +checklocks:segMu
	hardError *tcpip.Error
	// +checklocks:segMu
	shutdownFlags tcpip.ShutdownFlags

	// iss is the initial send sequence number, sndNxt the sequence number
	// of the next segment built and sndUna the oldest unacknowledged one.
	// rcvNxt is the next byte expected from the peer.
	//
	// +checklocks:segMu
	iss seqnum.Value
	// +checklocks:segMu
	sndNxt seqnum.Value
	// +checklocks:segMu
	sndUna seqnum.Value
	// +checklocks:segMu
	rcvNxt seqnum.Value

	// sndWnd is the peer's advertised window, scaled by sndWndScale.
	// +checklocks:segMu
	sndWnd seqnum.Size
	// +checklocks:segMu
	sndWndScale uint8

	// rcvWnd is the window advertised to the peer; rcvWndScale is always
	// zero since no window scale option is sent.
	// +checklocks:segMu
	rcvWnd seqnum.Size
	// +checklocks:segMu
	rcvWndScale uint8

	// mss is the peer's maximum segment size.
	// +checklocks:segMu
	mss uint16

	sndBufMu sync.Mutex
	// +checklocks:sndBufMu
	sndBuf sendBuffer

	pendingMu sync.Mutex
	// +checklocks:pendingMu
	pending ilist.List[*pendingSegment]
}

// NewEndpoint creates a new TCP endpoint on s, holding the file reference.
func NewEndpoint(s *stack.Stack) (*Endpoint, *tcpip.Error) {
	proto, ok := s.TransportProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	e := &Endpoint{
		stack:  s,
		proto:  proto,
		rcvWnd: seqnum.Size(proto.cfg.ReceiveWindow),
		mss:    proto.cfg.DefaultMSS,
	}
	e.sk.Init(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	e.refs.Store(1)
	return e, nil
}

// IncRef adds a reference to e.
func (e *Endpoint) IncRef() {
	if e.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("tcp: IncRef on released endpoint %p", e))
	}
}

// TryIncRef implements stack.TransportEndpoint.TryIncRef. It fails once the
// endpoint is being released.
func (e *Endpoint) TryIncRef() bool {
	for {
		v := e.refs.Load()
		if v <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRef implements stack.TransportEndpoint.DecRef.
func (e *Endpoint) DecRef() {
	switch v := e.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("tcp: DecRef on released endpoint %p", e))
	case v == 0:
		e.release()
	}
}

// release tears down an endpoint nobody references anymore. No lock is
// taken: the caller may hold segMu, and nothing else can reach e.
func (e *Endpoint) release() {
	if e.state != StateClosed {
		panic(fmt.Sprintf("tcp: releasing endpoint %p in state %s", e, e.state))
	}
	if e.registered {
		e.stack.UnregisterTransportEndpoint(netProtos, ProtocolNumber, e.id, e)
		e.registered = false
	}
	if e.bound {
		e.stack.PortManager().ReleasePort(ProtocolNumber, e.bindAddr, e.id.LocalPort)
		e.bound = false
	}
}

// Bind binds the endpoint to a specific local port and optionally address.
// Port 0 picks an ephemeral port.
func (e *Endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	e.segMu.Lock()
	defer e.segMu.Unlock()

	if e.bound {
		return tcpip.ErrAlreadyBound
	}
	return e.bindLocked(addr)
}

// +checklocks:e.segMu
func (e *Endpoint) bindLocked(addr tcpip.FullAddress) *tcpip.Error {
	if len(addr.Addr) != 0 {
		if len(addr.Addr) != header.IPv4AddressSize {
			return tcpip.ErrBadAddress
		}
		nic := e.stack.CheckLocalAddress(addr.NIC, header.IPv4ProtocolNumber, addr.Addr)
		if nic == 0 {
			return tcpip.ErrBadLocalAddress
		}
		addr.NIC = nic
	}

	port, err := e.stack.PortManager().ReservePort(ProtocolNumber, addr.Addr, addr.Port, nil)
	if err != nil {
		return err
	}
	e.bound = true
	e.bindNIC = addr.NIC
	e.bindAddr = addr.Addr
	e.id = stack.TransportEndpointID{LocalPort: port, LocalAddress: addr.Addr}
	return nil
}

// Listen puts the endpoint in LISTEN state. An unbound endpoint is bound to
// an ephemeral port first. Incoming SYNs are not answered.
func (e *Endpoint) Listen() *tcpip.Error {
	e.segMu.Lock()
	defer e.segMu.Unlock()

	if !e.bound {
		if err := e.bindLocked(tcpip.FullAddress{}); err != nil {
			return tcpip.ErrPortInUse
		}
	}
	if e.connected {
		return tcpip.ErrInvalidEndpointState
	}
	if e.state == StateListen {
		return nil
	}
	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, e.id, e); err != nil {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		return err
	}
	e.registered = true
	e.state = StateListen
	return nil
}

// Read reads data queued from the peer into dst. It blocks as described by
// socket.RecvQueue.Dequeue. A pending socket error is returned first.
func (e *Endpoint) Read(ctx context.Context, dst [][]byte, flags int) (int, int, tcpip.FullAddress, *tcpip.Error) {
	e.segMu.Lock()
	connected := e.connected
	e.segMu.Unlock()
	if !connected {
		return 0, 0, tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	if err := e.sk.TakeSockError(); err != nil {
		return 0, 0, tcpip.FullAddress{}, err
	}

	n, msgFlags, from, err := e.sk.RecvQueue(flags).Dequeue(ctx, dst, flags)
	if err != nil {
		return 0, 0, tcpip.FullAddress{}, err
	}
	if n == 0 {
		// The queue may have been shut by a reset while we waited.
		if err := e.sk.TakeSockError(); err != nil {
			return 0, 0, tcpip.FullAddress{}, err
		}
	}
	return n, msgFlags, from, nil
}

// Shutdown closes the given halves of the connection locally. No FIN is
// sent: writes fail with ErrClosedForSend and reads drain the receive queue
// and then see end of stream.
func (e *Endpoint) Shutdown(flags tcpip.ShutdownFlags) {
	e.segMu.Lock()
	e.shutdownFlags |= flags
	e.segMu.Unlock()

	if flags&tcpip.ShutdownRead != 0 {
		e.sk.InBand.Shutdown(nil)
		e.sk.OOB.Shutdown(nil)
	}
}

// Close shuts the endpoint down, aborts any connection in progress and drops
// the file reference.
func (e *Endpoint) Close() {
	e.Shutdown(tcpip.ShutdownRead | tcpip.ShutdownWrite)

	e.segMu.Lock()
	if e.state != StateClosed {
		log.Debugf("tcp: aborting %s:%d in state %s", e.id.LocalAddress, e.id.LocalPort, e.state)
		e.state = StateClosed
		e.flushPending(outcomeAborted)
	}
	e.segMu.Unlock()

	e.DecRef()
}

// HandlePacket is called by the stack when new packets arrive to this
// transport endpoint.
func (e *Endpoint) HandlePacket(r *stack.Route, id stack.TransportEndpointID, pkt *buffer.Packet) {
	s := header.TCP(pkt.Bytes())
	if !verifyChecksum(r, s) {
		return
	}
	r.Stats().TCP.ValidSegmentsReceived.Increment()

	if log.IsLogging(log.Debug) {
		log.Debugf("tcp: %s:%d <- %s:%d %s seq=%d ack=%d len=%d", id.LocalAddress, id.LocalPort, id.RemoteAddress, id.RemotePort, s.Flags(), s.SequenceNumber(), s.AckNumber(), len(s.Payload()))
	}

	e.segMu.Lock()
	e.handleSegment(s)
	e.segMu.Unlock()
}

// GetLocalAddress returns the address to which the endpoint is bound.
func (e *Endpoint) GetLocalAddress() tcpip.FullAddress {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	return tcpip.FullAddress{NIC: e.bindNIC, Addr: e.id.LocalAddress, Port: e.id.LocalPort}
}

// GetRemoteAddress returns the address to which the endpoint is connected.
func (e *Endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	if !e.connected {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{NIC: e.bindNIC, Addr: e.id.RemoteAddress, Port: e.id.RemotePort}, nil
}

// State returns the current state of the endpoint.
func (e *Endpoint) State() EndpointState {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	return e.state
}

// HardError returns the reason the last connection attempt failed, if any.
func (e *Endpoint) HardError() *tcpip.Error {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	return e.hardError
}

// Info is a snapshot of an endpoint's connection state.
type Info struct {
	State  EndpointState
	ID     stack.TransportEndpointID
	ISS    seqnum.Value
	SndNxt seqnum.Value
	SndUna seqnum.Value
	RcvNxt seqnum.Value
	SndWnd seqnum.Size
	MSS    uint16

	// Pending is the number of segments waiting for an ACK.
	Pending int
}

// Info returns a snapshot of the endpoint's connection state.
func (e *Endpoint) Info() Info {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	return Info{
		State:   e.state,
		ID:      e.id,
		ISS:     e.iss,
		SndNxt:  e.sndNxt,
		SndUna:  e.sndUna,
		RcvNxt:  e.rcvNxt,
		SndWnd:  e.sndWnd,
		MSS:     e.mss,
		Pending: e.pendingCount(),
	}
}
