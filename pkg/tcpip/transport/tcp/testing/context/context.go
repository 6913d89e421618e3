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
// Package context provides a test context for use in tcp tests. It also
// provides helper methods to assert/check certain behaviours.
package context

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/checker"
	"onyx.dev/netstack/pkg/tcpip/faketime"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/link/channel"
	"onyx.dev/netstack/pkg/tcpip/network/ipv4"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
	"onyx.dev/netstack/pkg/tcpip/transport/tcp"
)

const (
	// StackAddr is the IPv4 address assigned to the stack.
	StackAddr = "\x0a\x00\x00\x01"

	// StackPort is used as the listening port in tests.
	StackPort = 1234

	// TestAddr is the source address for packets sent to the stack via the
	// link layer endpoint.
	TestAddr = "\x0a\x00\x00\x02"

	// TestPort is the TCP port used for packets sent to the stack
	// via the link layer endpoint.
	TestPort = 4096

	// TestInitialSequenceNumber is the initial sequence number sent in the
	// SYN-ACK answering the endpoint's SYN.
	TestInitialSequenceNumber = 789

	// DefaultMTU is the link MTU used by New.
	DefaultMTU = 1500

	// readTimeout bounds how long a blocking read of an outbound packet
	// waits.
	readTimeout = 5 * time.Second
)

// Headers is used to represent the TCP header fields when building a
// new packet.
type Headers struct {
	// SrcPort holds the src port value to be used in the packet.
	SrcPort uint16

	// DstPort holds the destination port value to be used in the packet.
	DstPort uint16

	// SeqNum is the value of the sequence number field in the TCP header.
	SeqNum seqnum.Value

	// AckNum represents the acknowledgement number field in the TCP header.
	AckNum seqnum.Value

	// Flags are the TCP flags in the TCP header.
	Flags header.TCPFlags

	// RcvWnd is the window to be advertised in the ReceiveWindow field of
	// the TCP header.
	RcvWnd seqnum.Size

	// TCPOpts holds the options to be sent in the option field of the TCP
	// header. Its length must be a multiple of 4.
	TCPOpts []byte
}

// Options contains options for creating a new test context.
type Options struct {
	// MTU is the mtu that the link endpoint will be initialized with.
	MTU uint32

	// Capabilities are the capabilities advertised by the link endpoint.
	Capabilities stack.LinkEndpointCapabilities

	// TCP overrides the default protocol configuration.
	TCP *config.TCP
}

// Context provides an initialized Network stack and a link layer endpoint
// for use in TCP tests.
type Context struct {
	t      *testing.T
	linkEP *channel.Endpoint
	s      *stack.Stack

	// Clock drives the stack's timers. It only advances when told to.
	Clock *faketime.ManualClock

	// IRS holds the initial sequence number in the SYN sent by endpoint in
	// case of an active connect.
	IRS seqnum.Value

	// Port holds the port bound by EP below in case of an active connect.
	Port uint16

	// Sock and EP are the socket and endpoint under test, once created.
	Sock *tcp.Socket
	EP   *tcp.Endpoint
}

// New allocates and initializes a test context containing a new
// stack and a link-layer endpoint.
func New(t *testing.T, mtu uint32) *Context {
	return NewWithOpts(t, Options{MTU: mtu})
}

// NewWithOpts allocates and initializes a test context containing a new
// stack and a link-layer endpoint with specific options.
func NewWithOpts(t *testing.T, opts Options) *Context {
	t.Helper()

	if opts.MTU == 0 {
		opts.MTU = DefaultMTU
	}
	cfg := config.Default().TCP
	if opts.TCP != nil {
		cfg = *opts.TCP
	}

	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocolFactory(cfg)},
		Clock:              clock,
		ResetLimit:         rate.Inf,
	})

	// Allow minimal sizes for queues so that tests can see what happens
	// when they are exhausted.
	linkEP := channel.New(1000, opts.MTU, "")
	linkEP.LinkEPCapabilities = opts.Capabilities
	if err := s.CreateNIC(1, linkEP); err != nil {
		t.Fatalf("CreateNIC failed: %v", err)
	}
	if err := s.AddAddress(1, ipv4.ProtocolNumber, StackAddr); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}
	subnet, err := tcpip.NewSubnet("\x00\x00\x00\x00", "\x00\x00\x00\x00")
	if err != nil {
		t.Fatalf("NewSubnet failed: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: 1}})

	return &Context{
		t:      t,
		s:      s,
		linkEP: linkEP,
		Clock:  clock,
	}
}

// Cleanup closes the socket under test, if any. Pending retransmission
// timers are stopped by the close.
func (c *Context) Cleanup() {
	if c.Sock != nil {
		c.Sock.Close()
		c.Sock = nil
		c.EP = nil
	}
}

// Stack returns a reference to the stack in the Context.
func (c *Context) Stack() *stack.Stack {
	return c.s
}

// LinkEP returns the link endpoint the stack writes to.
func (c *Context) LinkEP() *channel.Endpoint {
	return c.linkEP
}

// CheckNoPacketTimeout verifies that no packet is received during the time
// specified by wait.
func (c *Context) CheckNoPacketTimeout(errMsg string, wait time.Duration) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if _, ok := c.linkEP.ReadContext(ctx); ok {
		c.t.Fatal(errMsg)
	}
}

// CheckNoPacket verifies that no packet is queued. Outbound packets are
// written synchronously, so nothing needs to be waited for.
func (c *Context) CheckNoPacket(errMsg string) {
	c.t.Helper()

	if n := c.linkEP.NumQueued(); n != 0 {
		c.t.Fatalf("%s: %d packets queued", errMsg, n)
	}
}

// GetPacket reads a packet from the link layer endpoint and verifies that
// it is an IPv4 packet with the expected source and destination addresses.
// It blocks until a packet is written or the read times out.
func (c *Context) GetPacket() []byte {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	p, ok := c.linkEP.ReadContext(ctx)
	if !ok {
		c.t.Fatalf("Packet wasn't written out")
		return nil
	}
	if p.Proto != ipv4.ProtocolNumber {
		c.t.Fatalf("Bad network protocol: got %v, wanted %v", p.Proto, ipv4.ProtocolNumber)
	}

	b := p.Payload()
	checker.IPv4(c.t, b, checker.SrcAddr(StackAddr), checker.DstAddr(TestAddr))
	return b
}

// GetFrame reads a complete Ethernet frame from the link layer endpoint
// without checking it.
func (c *Context) GetFrame() []byte {
	c.t.Helper()

	p, ok := c.linkEP.Read()
	if !ok {
		c.t.Fatalf("Frame wasn't written out")
	}
	return p.Frame
}

// BuildSegment builds a TCP segment based on the given Headers and payload,
// sent from TestAddr to StackAddr, and returns it starting at the IPv4
// header.
func (c *Context) BuildSegment(payload []byte, h *Headers) []byte {
	return BuildSegmentWithAddrs(payload, h, TestAddr, StackAddr)
}

// BuildSegmentWithAddrs builds a TCP segment based on the given Headers,
// payload and source and destination IPv4 addresses.
func BuildSegmentWithAddrs(payload []byte, h *Headers, src, dst tcpip.Address) []byte {
	tcpLen := header.TCPMinimumSize + len(h.TCPOpts)
	buf := make([]byte, header.IPv4MinimumSize+tcpLen+len(payload))
	copy(buf[header.IPv4MinimumSize+tcpLen:], payload)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(buf)),
		TTL:         65,
		Protocol:    uint8(tcp.ProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	t := header.TCP(buf[header.IPv4MinimumSize:])
	t.Encode(&header.TCPFields{
		SrcPort:    h.SrcPort,
		DstPort:    h.DstPort,
		SeqNum:     uint32(h.SeqNum),
		AckNum:     uint32(h.AckNum),
		DataOffset: uint8(tcpLen),
		Flags:      h.Flags,
		WindowSize: uint16(h.RcvWnd),
	})
	copy(buf[header.IPv4MinimumSize+header.TCPMinimumSize:], h.TCPOpts)

	xsum := header.PseudoHeaderChecksum(tcp.ProtocolNumber, src, dst, uint16(len(t)))
	t.SetChecksum(^t.CalculateChecksum(xsum))
	return buf
}

// SendSegment sends a raw IPv4 packet to the stack. The stack processes it
// before SendSegment returns.
func (c *Context) SendSegment(b []byte) {
	pkt := buffer.NewPacketFromBytes(b)
	c.linkEP.InjectInbound(ipv4.ProtocolNumber, pkt)
	pkt.DecRef()
}

// SendPacket builds and sends a TCP segment (with the provided payload &
// TCP headers) in an IPv4 packet via the link layer endpoint.
func (c *Context) SendPacket(payload []byte, h *Headers) {
	c.SendSegment(c.BuildSegment(payload, h))
}

// SendAck sends an ACK packet acknowledging bytesReceived bytes sent by the
// endpoint after its SYN.
func (c *Context) SendAck(seq seqnum.Value, bytesReceived int) {
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  seq,
		AckNum:  c.IRS.Add(1 + seqnum.Size(bytesReceived)),
		RcvWnd:  30000,
	})
}

// CreateEndpoint creates the socket under test without connecting it.
func (c *Context) CreateEndpoint() {
	c.t.Helper()

	sock, err := tcp.NewSocket(c.s)
	if err != nil {
		c.t.Fatalf("NewSocket failed: %v", err)
	}
	c.Sock = sock
	c.EP = sock.Endpoint()
}

// Connect starts an active open from the socket under test to
// TestAddr:TestPort on another goroutine and returns the IPv4 packet
// carrying the SYN it sent. The result of the connect is delivered on the
// returned channel.
func (c *Context) Connect(ctx context.Context) ([]byte, <-chan *tcpip.Error) {
	c.t.Helper()

	if c.EP == nil {
		c.CreateEndpoint()
	}
	done := make(chan *tcpip.Error, 1)
	go func() {
		done <- c.EP.Connect(ctx, tcpip.FullAddress{Addr: TestAddr, Port: TestPort})
	}()

	b := c.GetPacket()
	syn := header.TCP(header.IPv4(b).Payload())
	c.IRS = seqnum.Value(syn.SequenceNumber())
	c.Port = syn.SourcePort()
	return b, done
}

// CreateConnected creates a connected TCP endpoint. The scripted peer
// answers the SYN with a SYN-ACK carrying iss, rcvWnd and synOpts, and the
// final ACK is checked.
func (c *Context) CreateConnected(iss seqnum.Value, rcvWnd seqnum.Size, synOpts []byte) {
	c.t.Helper()

	mss := uint16(c.linkEP.MTU() - header.EthernetMinimumSize - header.IPv4MinimumSize - header.TCPMinimumSize)
	syn, done := c.Connect(context.Background())
	checker.IPv4(c.t, syn,
		checker.TCP(
			checker.DstPort(TestPort),
			checker.TCPFlags(header.TCPFlagSyn),
			checker.TCPSynOptions(header.TCPSynOptions{MSS: mss, WS: -1}),
		),
	)

	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS.Add(1),
		RcvWnd:  rcvWnd,
		TCPOpts: synOpts,
	})

	// Receive ACK packet.
	checker.IPv4(c.t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPAckNum(uint32(iss)+1),
		),
	)

	if err := <-done; err != nil {
		c.t.Fatalf("Connect failed: %v", err)
	}
	if got := c.EP.State(); got != tcp.StateEstablished {
		c.t.Fatalf("got EP.State() = %s, want = %s", got, tcp.StateEstablished)
	}
}

// WaitForTimers blocks until at least n timers are armed on the clock.
// Retransmission timers are armed after the segment is written, so a test
// that has read a segment may still have to wait for its timer.
func (c *Context) WaitForTimers(n int) {
	c.t.Helper()

	deadline := time.Now().Add(readTimeout)
	for c.Clock.Pending() < n {
		if time.Now().After(deadline) {
			c.t.Fatalf("got %d armed timers, want >= %d", c.Clock.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}
