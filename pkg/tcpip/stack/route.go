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

package stack

import (
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// Route represents a route through the networking stack to a given
// destination. A Route holds no resources, so it may be kept for the life of
// a connection and used from any goroutine.
type Route struct {
	// RemoteAddress is the final destination of the route.
	RemoteAddress tcpip.Address

	// RemoteLinkAddress is the link-layer (MAC) address of the
	// final destination of the route.
	RemoteLinkAddress tcpip.LinkAddress

	// LocalAddress is the local address where the route starts.
	LocalAddress tcpip.Address

	// LocalLinkAddress is the link-layer (MAC) address of the
	// where the route starts.
	LocalLinkAddress tcpip.LinkAddress

	// NextHop is the next node in the path to the destination.
	NextHop tcpip.Address

	// NetProto is the network-layer protocol.
	NetProto tcpip.NetworkProtocolNumber

	nic *NIC
	ep  NetworkEndpoint
}

// makeRoute initializes a new route. It takes ownership of nothing.
func makeRoute(netProto tcpip.NetworkProtocolNumber, localAddr, remoteAddr tcpip.Address, localLinkAddr tcpip.LinkAddress, nic *NIC, ep NetworkEndpoint) Route {
	return Route{
		NetProto:         netProto,
		LocalAddress:     localAddr,
		LocalLinkAddress: localLinkAddr,
		RemoteAddress:    remoteAddr,
		nic:              nic,
		ep:               ep,
	}
}

// NICID returns the id of the NIC from which this route originates.
func (r *Route) NICID() tcpip.NICID {
	return r.ep.NICID()
}

// MaxHeaderLength forwards the call to the network endpoint's implementation.
func (r *Route) MaxHeaderLength() uint16 {
	return r.ep.MaxHeaderLength()
}

// Stats returns the stats of the stack that owns this route.
func (r *Route) Stats() *tcpip.Stats {
	return r.nic.stack.Stats()
}

// PseudoHeaderChecksum forwards the call to the network endpoint's
// implementation.
func (r *Route) PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(protocol, r.LocalAddress, r.RemoteAddress, totalLen)
}

// Capabilities returns the link-layer capabilities of the route.
func (r *Route) Capabilities() LinkEndpointCapabilities {
	return r.ep.Capabilities()
}

// WritePacket writes the packet through the given route. The packet starts
// at the transport header and is left there once the write returns, whether
// or not it succeeded.
func (r *Route) WritePacket(pkt *buffer.Packet, params NetworkHeaderParams) *tcpip.Error {
	pkt.MarkTransportHeader()
	err := r.ep.WritePacket(r, pkt, params)
	pkt.RewindToTransportHeader()
	if err != nil {
		r.Stats().IP.OutgoingPacketErrors.Increment()
	}
	return err
}

// DefaultTTL returns the default TTL of the underlying network endpoint.
func (r *Route) DefaultTTL() uint8 {
	return r.ep.DefaultTTL()
}

// MTU returns the MTU of the underlying network endpoint, that is the
// largest transport segment that can be sent without fragmentation.
func (r *Route) MTU() uint32 {
	return r.ep.MTU()
}

// LinkMTU returns the MTU of the NIC the route goes through.
func (r *Route) LinkMTU() uint32 {
	return r.nic.linkEP.MTU()
}

// RequiresFragmentation returns true if a transport segment of the given size
// does not fit in one network packet.
func (r *Route) RequiresFragmentation(transportSize int) bool {
	return transportSize > int(r.MTU())
}

// Stack returns the instance of the Stack that owns this route.
func (r *Route) Stack() *Stack {
	return r.nic.stack
}
