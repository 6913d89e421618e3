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

	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

// Connect performs an active open to addr and blocks until the connection is
// established, fails or ctx is done. An unbound endpoint is bound to an
// ephemeral port first.
//
// The SYN is tracked like any other segment, so the handshake completes when
// it is acknowledged and fails when it is reset or its retransmissions run
// out.
func (e *Endpoint) Connect(ctx context.Context, addr tcpip.FullAddress) *tcpip.Error {
	// The handshake may outlive a concurrent Close.
	e.IncRef()
	defer e.DecRef()

	syn, err := e.startConnect(addr)
	if err != nil {
		return err
	}
	return e.finishConnect(syn, syn.wait(ctx))
}

// startConnect installs SYN-SENT state and sends the SYN.
func (e *Endpoint) startConnect(addr tcpip.FullAddress) (*pendingSegment, *tcpip.Error) {
	e.segMu.Lock()
	defer e.segMu.Unlock()

	if !e.bound {
		if err := e.bindLocked(tcpip.FullAddress{}); err != nil {
			return nil, tcpip.ErrPortInUse
		}
	}
	if e.connected {
		return nil, tcpip.ErrAlreadyConnected
	}
	if e.state != StateClosed {
		return nil, tcpip.ErrInvalidEndpointState
	}
	if len(addr.Addr) != header.IPv4AddressSize {
		return nil, tcpip.ErrBadAddress
	}

	r, err := e.stack.FindRoute(e.bindNIC, e.bindAddr, addr.Addr, header.IPv4ProtocolNumber)
	if err != nil {
		return nil, err
	}
	id := stack.TransportEndpointID{
		LocalPort:     e.id.LocalPort,
		LocalAddress:  r.LocalAddress,
		RemotePort:    addr.Port,
		RemoteAddress: addr.Addr,
	}
	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, id, e); err != nil {
		return nil, err
	}
	e.id = id
	e.registered = true
	e.route = r
	e.connected = true
	e.hardError = nil

	e.iss = e.stack.NewISN()
	e.sndNxt = e.iss
	e.sndUna = e.iss
	e.state = StateSynSent

	mss := header.OptionMSS{MSS: uint16(r.LinkMTU() - synOverhead)}
	pkt, seq, size, err := e.buildSegment(nil, header.TCPFlagSyn, []header.TCPOption{mss})
	if err != nil {
		e.failConnectLocked(tcpip.ErrNoBufferSpace)
		return nil, tcpip.ErrNoBufferSpace
	}
	syn, err := e.sendTracked(pkt, seq, size, header.TCPFlagSyn)
	if err != nil {
		e.failConnectLocked(err)
		return nil, err
	}
	return syn, nil
}

// finishConnect turns the outcome of the SYN into the result of Connect.
func (e *Endpoint) finishConnect(syn *pendingSegment, outcome pendingOutcome) *tcpip.Error {
	e.segMu.Lock()
	defer e.segMu.Unlock()

	var err *tcpip.Error
	switch outcome {
	case outcomeAcked:
		if e.state == StateEstablished {
			e.stack.Stats().TCP.ActiveConnectionOpenings.Increment()
			return nil
		}
		// The handshake failed after the SYN was acknowledged.
		err = e.hardError
	case outcomeReset:
		err = tcpip.ErrConnectionReset
	case outcomeExhausted:
		err = tcpip.ErrTimeout
	case outcomeAborted:
		err = e.hardError
	case outcomePending:
		var rs removedSegments
		e.pendingMu.Lock()
		rs.removeLocked(e, syn, outcomeAborted)
		e.pendingMu.Unlock()
		rs.release()
		err = tcpip.ErrInterrupted
	}
	if err == nil {
		err = tcpip.ErrConnectionAborted
	}
	e.failConnectLocked(err)
	return err
}

// failConnectLocked returns the endpoint to CLOSED after a failed connection
// attempt. The binding is kept so the endpoint can connect again.
//
// +checklocks:e.segMu
func (e *Endpoint) failConnectLocked(err *tcpip.Error) {
	e.flushPending(outcomeAborted)
	e.state = StateClosed
	e.hardError = err
	if e.registered {
		e.stack.UnregisterTransportEndpoint(netProtos, ProtocolNumber, e.id, e)
		e.registered = false
	}
	e.connected = false
	e.id.LocalAddress = e.bindAddr
	e.id.RemoteAddress = ""
	e.id.RemotePort = 0
	e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
	log.Infof("tcp: connection attempt from port %d failed: %s", e.id.LocalPort, err)
}

// abortHandshakeLocked fails the handshake from the inbound path. The
// connecting goroutine is woken and reports err.
//
// +checklocks:e.segMu
func (e *Endpoint) abortHandshakeLocked(err *tcpip.Error) {
	e.hardError = err
	e.state = StateClosed
	e.flushPending(outcomeAborted)
}

// handleSynSent processes a segment received in SYN-SENT state. Only a
// SYN-ACK acknowledging our SYN moves the connection forward.
//
// +checklocks:e.segMu
func (e *Endpoint) handleSynSent(s header.TCP) {
	if s.Flags()&0xff != header.TCPFlagSyn|header.TCPFlagAck {
		log.Debugf("tcp: dropping %s segment in state %s", s.Flags(), e.state)
		return
	}
	ack := seqnum.Value(s.AckNumber())
	if ack != e.iss.Add(1) {
		log.Debugf("tcp: dropping SYN-ACK for %d, want %d", ack, e.iss.Add(1))
		return
	}

	// The window of a SYN is never scaled.
	e.sndWnd = seqnum.Size(s.WindowSize())
	opts, ok := header.ParseTCPOptions(s.Options(), true)
	if !ok {
		log.Infof("tcp: malformed options in SYN-ACK from %s", e.id.RemoteAddress)
		e.abortHandshakeLocked(tcpip.ErrMalformedHeader)
		return
	}
	e.mss = e.proto.cfg.DefaultMSS
	e.sndWndScale = 0
	for _, o := range opts {
		switch o := o.(type) {
		case header.OptionMSS:
			e.mss = o.MSS
		case header.OptionWindowScale:
			e.sndWndScale = min(o.Shift, header.TCPMaxWindowScale)
		}
	}

	e.rcvNxt = seqnum.Value(s.SequenceNumber()).Add(1)
	e.handleAck(ack)
	if err := e.sendAck(); err != nil {
		e.abortHandshakeLocked(err)
		return
	}
	e.state = StateEstablished
}
