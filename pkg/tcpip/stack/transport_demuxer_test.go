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

package stack_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/link/channel"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

const (
	fakeTransNumber    tcpip.TransportProtocolNumber = 1
	fakeTransHeaderLen                               = 4
)

// fakeTransportEndpoint records the ids of the packets it receives. Once
// closed it refuses new references, like an endpoint being released.
type fakeTransportEndpoint struct {
	closed  bool
	refs    int
	maxRefs int
	got     []stack.TransportEndpointID
}

func (f *fakeTransportEndpoint) TryIncRef() bool {
	if f.closed {
		return false
	}
	f.refs++
	if f.refs > f.maxRefs {
		f.maxRefs = f.refs
	}
	return true
}

func (f *fakeTransportEndpoint) DecRef() {
	f.refs--
}

func (f *fakeTransportEndpoint) HandlePacket(r *stack.Route, id stack.TransportEndpointID, pkt *buffer.Packet) {
	f.got = append(f.got, id)
}

// fakeTransportProtocol carries only ports in its header: source then
// destination, two bytes each.
type fakeTransportProtocol struct {
	unknown []stack.TransportEndpointID
	accept  bool
}

func (*fakeTransportProtocol) Number() tcpip.TransportProtocolNumber {
	return fakeTransNumber
}

func (*fakeTransportProtocol) MinimumPacketSize() int {
	return fakeTransHeaderLen
}

func (*fakeTransportProtocol) ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error) {
	return binary.BigEndian.Uint16(v), binary.BigEndian.Uint16(v[2:]), nil
}

func (f *fakeTransportProtocol) HandleUnknownDestinationPacket(r *stack.Route, id stack.TransportEndpointID, pkt *buffer.Packet) bool {
	f.unknown = append(f.unknown, id)
	return f.accept
}

func fakeTransFactory(*stack.Stack) stack.TransportProtocol {
	return &fakeTransportProtocol{accept: true}
}

type demuxContext struct {
	t      *testing.T
	s      *stack.Stack
	linkEP *channel.Endpoint
}

func newDemuxContext(t *testing.T) *demuxContext {
	linkEP := channel.New(10, defaultMTU, "")
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{fakeNetFactory},
		TransportProtocols: []stack.TransportProtocolFactory{fakeTransFactory},
	})
	if err := s.CreateNIC(1, linkEP); err != nil {
		t.Fatalf("CreateNIC failed: %v", err)
	}
	if err := s.AddAddress(1, fakeNetNumber, "\x01"); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}
	return &demuxContext{t: t, s: s, linkEP: linkEP}
}

// inject delivers a packet from src:srcPort to address 1 at dstPort.
func (c *demuxContext) inject(src byte, srcPort, dstPort uint16) {
	c.linkEP.InjectInbound(fakeNetNumber, fakeNetPacket(1, src, fakeTransNumber, fakeTransportHeader(srcPort, dstPort)))
}

func (c *demuxContext) register(id stack.TransportEndpointID, ep stack.TransportEndpoint) {
	c.t.Helper()
	if err := c.s.RegisterTransportEndpoint([]tcpip.NetworkProtocolNumber{fakeNetNumber}, fakeTransNumber, id, ep); err != nil {
		c.t.Fatalf("RegisterTransportEndpoint(%+v) failed: %v", id, err)
	}
}

func TestDemuxConnectedBeforeListener(t *testing.T) {
	c := newDemuxContext(t)

	listener := &fakeTransportEndpoint{}
	c.register(stack.TransportEndpointID{LocalPort: 80}, listener)
	connected := &fakeTransportEndpoint{}
	connID := stack.TransportEndpointID{LocalPort: 80, LocalAddress: "\x01", RemotePort: 1000, RemoteAddress: "\x02"}
	c.register(connID, connected)

	c.inject(2, 1000, 80)
	c.inject(2, 1001, 80)
	c.inject(3, 1000, 80)

	if diff := cmp.Diff([]stack.TransportEndpointID{connID}, connected.got); diff != "" {
		t.Errorf("connected endpoint packets mismatch (-want +got):\n%s", diff)
	}
	want := []stack.TransportEndpointID{
		{LocalPort: 80, LocalAddress: "\x01", RemotePort: 1001, RemoteAddress: "\x02"},
		{LocalPort: 80, LocalAddress: "\x01", RemotePort: 1000, RemoteAddress: "\x03"},
	}
	if diff := cmp.Diff(want, listener.got); diff != "" {
		t.Errorf("listener packets mismatch (-want +got):\n%s", diff)
	}

	// References are only held while a packet is handled.
	if connected.refs != 0 || listener.refs != 0 {
		t.Errorf("got refs = %d, %d after delivery, want = 0, 0", connected.refs, listener.refs)
	}
	if connected.maxRefs != 1 {
		t.Errorf("got maxRefs = %d, want = 1", connected.maxRefs)
	}
}

func TestDemuxBoundAddressFallback(t *testing.T) {
	c := newDemuxContext(t)

	bound := &fakeTransportEndpoint{}
	c.register(stack.TransportEndpointID{LocalPort: 80, LocalAddress: "\x01"}, bound)
	wildcard := &fakeTransportEndpoint{}
	c.register(stack.TransportEndpointID{LocalPort: 80}, wildcard)

	c.inject(2, 1000, 80)
	if len(bound.got) != 1 || len(wildcard.got) != 0 {
		t.Errorf("got deliveries bound = %d, wildcard = %d, want = 1, 0", len(bound.got), len(wildcard.got))
	}
}

func TestDemuxDuplicateRegistration(t *testing.T) {
	c := newDemuxContext(t)

	id := stack.TransportEndpointID{LocalPort: 80}
	first := &fakeTransportEndpoint{}
	c.register(id, first)

	second := &fakeTransportEndpoint{}
	netProtos := []tcpip.NetworkProtocolNumber{fakeNetNumber}
	if err := c.s.RegisterTransportEndpoint(netProtos, fakeTransNumber, id, second); err != tcpip.ErrPortInUse {
		t.Fatalf("RegisterTransportEndpoint of a duplicate id = %v, want = %v", err, tcpip.ErrPortInUse)
	}

	// Unregistering with the wrong endpoint leaves the first in place.
	c.s.UnregisterTransportEndpoint(netProtos, fakeTransNumber, id, second)
	c.inject(2, 1000, 80)
	if len(first.got) != 1 {
		t.Errorf("got %d packets at the first endpoint, want = 1", len(first.got))
	}

	c.s.UnregisterTransportEndpoint(netProtos, fakeTransNumber, id, first)
	c.register(id, second)
	c.inject(2, 1000, 80)
	if len(second.got) != 1 {
		t.Errorf("got %d packets at the second endpoint, want = 1", len(second.got))
	}

	if err := c.s.RegisterTransportEndpoint([]tcpip.NetworkProtocolNumber{fakeNetNumber - 1}, fakeTransNumber, id, first); err != tcpip.ErrUnknownProtocol {
		t.Errorf("RegisterTransportEndpoint with an unknown protocol = %v, want = %v", err, tcpip.ErrUnknownProtocol)
	}
}

func TestDemuxUnknownDestination(t *testing.T) {
	c := newDemuxContext(t)
	proto := c.s.TransportProtocolInstance(fakeTransNumber).(*fakeTransportProtocol)

	// A closing endpoint refuses the reference and the packet is handled
	// as if nobody were listening.
	closing := &fakeTransportEndpoint{closed: true}
	c.register(stack.TransportEndpointID{LocalPort: 80}, closing)

	c.inject(2, 1000, 80)
	c.inject(2, 1000, 81)

	if len(closing.got) != 0 {
		t.Errorf("closing endpoint got %d packets, want = 0", len(closing.got))
	}
	want := []stack.TransportEndpointID{
		{LocalPort: 80, LocalAddress: "\x01", RemotePort: 1000, RemoteAddress: "\x02"},
		{LocalPort: 81, LocalAddress: "\x01", RemotePort: 1000, RemoteAddress: "\x02"},
	}
	if diff := cmp.Diff(want, proto.unknown); diff != "" {
		t.Errorf("unknown destination packets mismatch (-want +got):\n%s", diff)
	}
	if got := c.s.Stats().MalformedRcvdPackets.Value(); got != 0 {
		t.Errorf("MalformedRcvdPackets = %d, want = 0", got)
	}

	// Packets the protocol refuses are counted as malformed.
	proto.accept = false
	c.inject(2, 1000, 82)
	if got := c.s.Stats().MalformedRcvdPackets.Value(); got != 1 {
		t.Errorf("MalformedRcvdPackets = %d, want = 1", got)
	}

	// So are packets too short for the transport header.
	c.linkEP.InjectInbound(fakeNetNumber, fakeNetPacket(1, 2, fakeTransNumber, []byte{0, 1}))
	if got := c.s.Stats().MalformedRcvdPackets.Value(); got != 2 {
		t.Errorf("MalformedRcvdPackets = %d, want = 2", got)
	}
}

func TestFindTransportEndpoint(t *testing.T) {
	c := newDemuxContext(t)
	ep := &fakeTransportEndpoint{}
	c.register(stack.TransportEndpointID{LocalPort: 80}, ep)

	id := stack.TransportEndpointID{LocalPort: 80, LocalAddress: "\x01", RemotePort: 5, RemoteAddress: "\x02"}
	got := c.s.FindTransportEndpoint(fakeNetNumber, fakeTransNumber, id)
	if got != ep {
		t.Fatalf("FindTransportEndpoint(%+v) = %v, want = %v", id, got, ep)
	}
	if ep.refs != 1 {
		t.Errorf("got refs = %d, want = 1", ep.refs)
	}
	got.DecRef()

	id.LocalPort = 81
	if got := c.s.FindTransportEndpoint(fakeNetNumber, fakeTransNumber, id); got != nil {
		t.Errorf("FindTransportEndpoint(%+v) = %v, want = nil", id, got)
	}
}
