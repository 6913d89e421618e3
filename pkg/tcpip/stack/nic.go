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
	"sync"

	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// NIC represents a "network interface card" to which the networking stack is
// attached.
type NIC struct {
	stack  *Stack
	id     tcpip.NICID
	name   string
	linkEP LinkEndpoint

	mu sync.RWMutex
	// endpoints holds one network endpoint, and so one address, per
	// network protocol.
	endpoints map[tcpip.NetworkProtocolNumber]NetworkEndpoint
	// neighbors is the static neighbor table used to fill the remote
	// link address of outgoing routes.
	neighbors map[tcpip.Address]tcpip.LinkAddress
}

func newNIC(stack *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *NIC {
	return &NIC{
		stack:     stack,
		id:        id,
		name:      name,
		linkEP:    ep,
		endpoints: make(map[tcpip.NetworkProtocolNumber]NetworkEndpoint),
		neighbors: make(map[tcpip.Address]tcpip.LinkAddress),
	}
}

// attachLinkEndpoint attaches the NIC to the endpoint, which will enable it
// to start delivering packets.
func (n *NIC) attachLinkEndpoint() {
	n.linkEP.Attach(n)
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID {
	return n.id
}

// Name returns the name of n.
func (n *NIC) Name() string {
	return n.name
}

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

// addAddress creates the network endpoint of the given protocol with the
// given address. A NIC holds at most one address per protocol.
func (n *NIC) addAddress(protocol tcpip.NetworkProtocolNumber, addr tcpip.Address) *tcpip.Error {
	netProto, ok := n.stack.networkProtocols[protocol]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[protocol]; ok {
		return tcpip.ErrDuplicateAddress
	}
	ep, err := netProto.NewEndpoint(n.id, addr, n, n.linkEP)
	if err != nil {
		return err
	}
	n.endpoints[protocol] = ep
	return nil
}

// primaryEndpoint returns the network endpoint of the given protocol, or nil.
func (n *NIC) primaryEndpoint(protocol tcpip.NetworkProtocolNumber) NetworkEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[protocol]
}

// hasAddress returns true if addr is the address of the network endpoint of
// the given protocol.
func (n *NIC) hasAddress(protocol tcpip.NetworkProtocolNumber, addr tcpip.Address) bool {
	ep := n.primaryEndpoint(protocol)
	return ep != nil && ep.ID().LocalAddress == addr
}

func (n *NIC) addNeighbor(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.neighbors[addr] = linkAddr
}

// resolve returns the link address of addr from the static neighbor table. It
// falls back to the broadcast address, which the channel link accepts.
func (n *NIC) resolve(addr tcpip.Address) tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if linkAddr, ok := n.neighbors[addr]; ok {
		return linkAddr
	}
	return header.EthernetBroadcastAddress
}

// DeliverNetworkPacket finds the appropriate network protocol endpoint and
// hands the packet over for further processing. This function is called when
// the NIC receives a packet from the physical interface.
// Note that the ownership of the packet is retained by the caller.
func (n *NIC) DeliverNetworkPacket(linkEP LinkEndpoint, remote, local tcpip.LinkAddress, protocol tcpip.NetworkProtocolNumber, pkt *buffer.Packet) {
	netProto, ok := n.stack.networkProtocols[protocol]
	if !ok {
		n.stack.stats.UnknownProtocolRcvdPackets.Increment()
		return
	}

	if protocol == header.IPv4ProtocolNumber {
		n.stack.stats.IP.PacketsReceived.Increment()
	}

	if pkt.Size() < netProto.MinimumPacketSize() {
		n.stack.stats.MalformedRcvdPackets.Increment()
		return
	}

	src, dst := netProto.ParseAddresses(pkt.Bytes())

	ep := n.primaryEndpoint(protocol)
	if ep == nil || ep.ID().LocalAddress != dst {
		n.stack.stats.IP.InvalidAddressesReceived.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("nic %d: dropping packet for %s from %s", n.id, dst, src)
		}
		return
	}

	r := makeRoute(protocol, dst, src, linkEP.LinkAddress(), n, ep)
	r.RemoteLinkAddress = remote
	ep.HandlePacket(&r, pkt)
}

// DeliverTransportPacket delivers the packets to the appropriate transport
// protocol endpoint.
func (n *NIC) DeliverTransportPacket(r *Route, protocol tcpip.TransportProtocolNumber, pkt *buffer.Packet) {
	transProto, ok := n.stack.transportProtocols[protocol]
	if !ok {
		n.stack.stats.UnknownProtocolRcvdPackets.Increment()
		return
	}

	if pkt.Size() < transProto.MinimumPacketSize() {
		n.stack.stats.MalformedRcvdPackets.Increment()
		return
	}

	srcPort, dstPort, err := transProto.ParsePorts(pkt.Bytes())
	if err != nil {
		n.stack.stats.MalformedRcvdPackets.Increment()
		return
	}

	id := TransportEndpointID{dstPort, r.LocalAddress, srcPort, r.RemoteAddress}
	if n.stack.demux.deliverPacket(r, protocol, pkt, id) {
		return
	}

	// We could not find an appropriate destination for this packet, so
	// deliver it to the global handler.
	if !transProto.HandleUnknownDestinationPacket(r, id, pkt) {
		n.stack.stats.MalformedRcvdPackets.Increment()
	}
}
