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
// Package tcp contains the implementation of the TCP transport protocol: a
// connection state machine driving active opens, a segment builder, and
// retransmission of unacknowledged segments on a fixed exponential backoff.
//
// Congestion control, Nagle's algorithm, passive opens and the closing half
// of the state machine are not implemented.
package tcp

import (
	"time"

	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// synOverhead is the size of the Ethernet, IPv4 and TCP headers that
	// precede the payload of a full-sized segment. The MSS advertised in a
	// SYN is the link MTU minus this.
	synOverhead = header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize

	// maxSendSize is the largest message a single send may carry. Every
	// send is transmitted as one segment, which must fit in one IPv4
	// datagram along with the TCP and IPv4 headers.
	maxSendSize = 0xffff - header.IPv4MinimumSize - header.TCPMinimumSize

	// resetLogInterval bounds how often dropped resets are logged.
	resetLogInterval = time.Second
)

type protocol struct {
	stack *stack.Stack
	cfg   config.TCP

	// rstLog reports resets suppressed by the stack's rate limiter.
	rstLog log.Logger
}

// Number returns the tcp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid tcp packet size.
func (*protocol) MinimumPacketSize() int {
	return header.TCPMinimumSize
}

// ParsePorts returns the source and destination ports stored in the given tcp
// packet. Segments whose data offset does not fit the segment are rejected.
func (p *protocol) ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error) {
	h := header.TCP(v)
	if !h.IsValid() {
		p.stack.Stats().TCP.InvalidSegmentsReceived.Increment()
		return 0, 0, tcpip.ErrMalformedHeader
	}
	return h.SourcePort(), h.DestinationPort(), nil
}

// HandleUnknownDestinationPacket handles packets targeted at this protocol but
// that don't match any existing endpoint.
//
// RFC 793, page 36, states that "If the connection does not exist (CLOSED),
// then a reset is sent in response to any incoming segment except another
// reset."
func (p *protocol) HandleUnknownDestinationPacket(r *stack.Route, id stack.TransportEndpointID, pkt *buffer.Packet) bool {
	s := header.TCP(pkt.Bytes())
	if !verifyChecksum(r, s) {
		return true
	}
	if s.Flags().Contains(header.TCPFlagRst) {
		return true
	}
	if !p.stack.AllowReset() {
		p.rstLog.Infof("tcp: reset rate limit reached, not replying to %s:%d", r.RemoteAddress, id.RemotePort)
		return true
	}
	replyWithReset(r, id)
	return true
}

// replyWithReset sends a bare RST back to the sender of a segment that matched
// no endpoint. id is the identity of the segment from the receiver's side.
func replyWithReset(r *stack.Route, id stack.TransportEndpointID) {
	log.Debugf("tcp: resetting segment from %s:%d to port %d", r.RemoteAddress, id.RemotePort, id.LocalPort)

	pkt := buffer.NewPacket(int(r.MaxHeaderLength())+header.TCPMinimumSize, nil)
	defer pkt.DecRef()
	if err := buildTCPHdr(r, &tcpFields{
		id:    id,
		flags: header.TCPFlagRst,
	}, pkt); err != nil {
		log.Warningf("tcp: building reset: %s", err)
		return
	}
	sendTCP(r, pkt, header.TCPFlagRst)
}

// verifyChecksum returns true if the segment checksum is correct or the NIC
// already verified it. Failures are counted.
func verifyChecksum(r *stack.Route, s header.TCP) bool {
	if r.Capabilities()&stack.CapabilityRXChecksumOffload != 0 {
		return true
	}
	if s.IsChecksumValid(r.RemoteAddress, r.LocalAddress) {
		return true
	}
	stats := r.Stats()
	stats.TCP.ChecksumErrors.Increment()
	stats.TCP.InvalidSegmentsReceived.Increment()
	log.Infof("tcp: dropping segment from %s with a bad checksum", r.RemoteAddress)
	return false
}

// NewProtocolFactory returns a factory for TCP protocol instances configured
// by cfg.
func NewProtocolFactory(cfg config.TCP) stack.TransportProtocolFactory {
	return func(s *stack.Stack) stack.TransportProtocol {
		return &protocol{
			stack:  s,
			cfg:    cfg,
			rstLog: log.BasicRateLimitedLogger(resetLogInterval),
		}
	}
}

// NewProtocol returns a TCP transport protocol with the default
// configuration.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolFactory(config.Default().TCP)(s)
}
