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
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
)

// handleSegment dispatches one inbound segment on the endpoint's state.
//
// +checklocks:e.segMu
func (e *Endpoint) handleSegment(s header.TCP) {
	if s.Flags().Contains(header.TCPFlagRst) {
		e.stack.Stats().TCP.ResetsReceived.Increment()
		e.handleReset()
		return
	}

	switch e.state {
	case StateSynSent:
		e.handleSynSent(s)
	case StateEstablished:
		e.handleEstablished(s)
	case StateListen:
		// Passive opens are not supported, SYNs are ignored.
	default:
		log.Debugf("tcp: dropping %s segment in state %s", s.Flags(), e.state)
	}
}

// handleReset processes a RST. Every pending segment is woken with the reset.
// During the handshake the connecting goroutine reports it; afterwards it is
// left as the socket error and readers see the end of the stream. The state
// is not changed.
//
// +checklocks:e.segMu
func (e *Endpoint) handleReset() {
	log.Infof("tcp: connection %s:%d -> %s:%d reset by peer", e.id.LocalAddress, e.id.LocalPort, e.id.RemoteAddress, e.id.RemotePort)
	if e.state == StateSynSent {
		e.hardError = tcpip.ErrConnectionReset
		e.flushPending(outcomeReset)
		return
	}
	e.sk.SetSockError(tcpip.ErrConnectionReset)
	e.flushPending(outcomeReset)
	e.sk.InBand.Shutdown(nil)
}

// handleEstablished processes a segment received in ESTABLISHED state. Data
// is queued in arrival order and acknowledged with one bare ACK; a segment
// with nothing but ACK set acknowledges pending segments.
//
// +checklocks:e.segMu
func (e *Endpoint) handleEstablished(s header.TCP) {
	flags := s.Flags()
	if !flags.Contains(header.TCPFlagAck) || flags.Contains(header.TCPFlagSyn) {
		log.Debugf("tcp: dropping %s segment in state %s", flags, e.state)
		return
	}

	payload := s.Payload()
	fin := flags.Contains(header.TCPFlagFin)
	e.sndWnd = seqnum.Size(s.WindowSize()) << e.sndWndScale
	e.rcvNxt = seqnum.Value(s.SequenceNumber()).Add(seqnum.Size(len(payload)))
	if fin {
		e.rcvNxt = e.rcvNxt.Add(1)
	}

	if len(payload) > 0 || fin {
		if len(payload) > 0 {
			from := tcpip.FullAddress{NIC: e.bindNIC, Addr: e.id.RemoteAddress, Port: e.id.RemotePort}
			e.sk.InBand.Enqueue(from, append([]byte(nil), payload...))
		}
		if fin {
			e.sk.InBand.Shutdown(nil)
		}
		if err := e.sendAck(); err != nil {
			e.sk.SetSockError(err)
		}
		return
	}

	if flags == header.TCPFlagAck {
		e.handleAck(seqnum.Value(s.AckNumber()))
	}
}
