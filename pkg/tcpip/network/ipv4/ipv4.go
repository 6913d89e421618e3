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

// Package ipv4 contains the implementation of the ipv4 network protocol. To use
// it in the networking stack, pass ipv4.NewProtocol as one of the network
// protocols when calling stack.New(). Then addresses can be added to NICs by
// passing ipv4.ProtocolNumber as the network protocol number when calling
// Stack.AddAddress().
package ipv4

import (
	"sync/atomic"

	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/checksum"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/network/fragmentation"
	"onyx.dev/netstack/pkg/tcpip/network/hash"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// MaxTotalSize is maximum size that can be encoded in the 16-bit
	// TotalLength field of the ipv4 header.
	MaxTotalSize = 0xffff

	// buckets is the number of identifier buckets.
	buckets = 2048
)

type endpoint struct {
	nicid         tcpip.NICID
	id            stack.NetworkEndpointID
	linkEP        stack.LinkEndpoint
	dispatcher    stack.TransportDispatcher
	fragmentation *fragmentation.Fragmentation
	protocol      *protocol
}

// NewEndpoint creates a new ipv4 endpoint.
func (p *protocol) NewEndpoint(nicid tcpip.NICID, addr tcpip.Address, dispatcher stack.TransportDispatcher, linkEP stack.LinkEndpoint) (stack.NetworkEndpoint, *tcpip.Error) {
	if len(addr) != header.IPv4AddressSize {
		return nil, tcpip.ErrBadAddress
	}
	e := &endpoint{
		nicid:         nicid,
		id:            stack.NetworkEndpointID{LocalAddress: addr},
		linkEP:        linkEP,
		dispatcher:    dispatcher,
		fragmentation: fragmentation.NewFragmentation(fragmentation.HighFragThreshold, fragmentation.DefaultReassembleTimeout, p.stack.Clock()),
		protocol:      p,
	}

	return e, nil
}

// DefaultTTL is the default time-to-live value for this endpoint.
func (e *endpoint) DefaultTTL() uint8 {
	return header.IPv4DefaultTTL
}

// MTU implements stack.NetworkEndpoint.MTU. It returns the link-layer MTU minus
// the network layer max header length.
func (e *endpoint) MTU() uint32 {
	return calculateMTU(e.linkEP.MTU())
}

// Capabilities implements stack.NetworkEndpoint.Capabilities.
func (e *endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.linkEP.Capabilities()
}

// NICID returns the ID of the NIC this endpoint belongs to.
func (e *endpoint) NICID() tcpip.NICID {
	return e.nicid
}

// ID returns the ipv4 endpoint ID.
func (e *endpoint) ID() *stack.NetworkEndpointID {
	return &e.id
}

// MaxHeaderLength returns the maximum length needed by ipv4 headers (and
// underlying protocols).
func (e *endpoint) MaxHeaderLength() uint16 {
	return e.linkEP.MaxHeaderLength() + header.IPv4MinimumSize
}

// writePacketFragments calls e.linkEP.WritePacket with each fragment of pkt,
// whose front is the IP header. mtu includes the IP header and options. This
// does not support the DontFragment IP flag.
func (e *endpoint) writePacketFragments(r *stack.Route, pkt *buffer.Packet, mtu int) *tcpip.Error {
	// This packet is too big, it needs to be fragmented.
	ip := header.IPv4(pkt.Bytes())
	flags := ip.Flags()
	hlen := int(ip.HeaderLength())

	// A checksum left for the device covers the whole transport segment,
	// which no fragment carries on its own.
	if pkt.NeedsChecksum() {
		start, offset := pkt.ChecksumOffload()
		region := pkt.Bytes()[start:]
		checksum.Put(region[offset:], ^checksum.Checksum(region, 0))
		pkt.ClearChecksumOffload()
	}

	// Update mtu to take into account the header, which will exist in all
	// fragments anyway.
	innerMTU := mtu - hlen

	// Round the MTU down to align to 8 bytes. Then calculate the number of
	// fragments. Calculate fragment sizes as in RFC791.
	innerMTU &^= 7
	payload := ip.Payload()
	n := (len(payload) + innerMTU - 1) / innerMTU

	offset := ip.FragmentOffset()
	for i := 0; i < n; i++ {
		data := payload
		if len(data) > innerMTU {
			data = data[:innerMTU]
		}
		payload = payload[len(data):]

		frag := buffer.NewPacket(int(e.MaxHeaderLength()), data)
		h := header.IPv4(frag.Prepend(hlen))
		copy(h, ip[:hlen])
		h.SetTotalLength(uint16(hlen + len(data)))
		if i != n-1 {
			h.SetFlagsFragmentOffset(flags|header.IPv4FlagMoreFragments, offset)
		} else {
			h.SetFlagsFragmentOffset(flags, offset)
		}
		h.SetChecksum(0)
		h.SetChecksum(^h.CalculateChecksum())
		offset += uint16(innerMTU)

		err := e.linkEP.WritePacket(r, frag, ProtocolNumber)
		frag.DecRef()
		if err != nil {
			return err
		}
		r.Stats().IP.PacketsSent.Increment()
		r.Stats().IP.FragmentsSent.Increment()
	}
	return nil
}

// WritePacket writes a packet to the given destination address and protocol.
// pkt starts at the transport header.
func (e *endpoint) WritePacket(r *stack.Route, pkt *buffer.Packet, params stack.NetworkHeaderParams) *tcpip.Error {
	length := pkt.Size() + header.IPv4MinimumSize
	if length > MaxTotalSize {
		return tcpip.ErrMessageTooLong
	}
	b := pkt.Prepend(header.IPv4MinimumSize)
	if b == nil {
		return tcpip.ErrNoBufferSpace
	}
	ip := header.IPv4(b)
	id := uint32(0)
	if length > header.IPv4MaximumHeaderSize+8 {
		// Packets of 68 bytes or less are required by RFC 791 to not be
		// fragmented, so we only assign ids to larger packets.
		id = atomic.AddUint32(&e.protocol.ids[hashRoute(r, params.Protocol, e.protocol.hashIV)%buckets], 1)
	}
	ttl := params.TTL
	if ttl == 0 {
		ttl = e.DefaultTTL()
	}
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TOS:         params.TOS,
		TotalLength: uint16(length),
		ID:          uint16(id),
		TTL:         ttl,
		Protocol:    uint8(params.Protocol),
		SrcAddr:     r.LocalAddress,
		DstAddr:     r.RemoteAddress,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	pkt.NetworkProtocol = ProtocolNumber
	pkt.TransportProtocol = params.Protocol

	if length > int(e.linkEP.MTU()) {
		return e.writePacketFragments(r, pkt, int(e.linkEP.MTU()))
	}
	if err := e.linkEP.WritePacket(r, pkt, ProtocolNumber); err != nil {
		return err
	}
	r.Stats().IP.PacketsSent.Increment()
	return nil
}

// HandlePacket is called by the link layer when new ipv4 packets arrive for
// this endpoint.
func (e *endpoint) HandlePacket(r *stack.Route, pkt *buffer.Packet) {
	h := header.IPv4(pkt.Bytes())
	if !h.IsValid(pkt.Size()) || !h.IsChecksumValid() {
		r.Stats().IP.InvalidPacketsReceived.Increment()
		return
	}

	hlen := int(h.HeaderLength())
	tlen := int(h.TotalLength())
	pkt.CapLength(tlen)
	pkt.TrimFront(hlen)
	pkt.NetworkProtocol = ProtocolNumber

	more := (h.Flags() & header.IPv4FlagMoreFragments) != 0
	if more || h.FragmentOffset() != 0 {
		if pkt.Size() == 0 {
			// Drop the packet as it's marked as a fragment but has no
			// payload.
			r.Stats().IP.InvalidPacketsReceived.Increment()
			return
		}
		// The packet is a fragment, let's try to reassemble it.
		last := h.FragmentOffset() + uint16(pkt.Size()) - 1
		if last < h.FragmentOffset() {
			r.Stats().IP.InvalidPacketsReceived.Increment()
			return
		}
		data, ready, err := e.fragmentation.Process(hash.IPv4FragmentHash(h), h.FragmentOffset(), last, more, pkt.Bytes())
		if err != nil {
			r.Stats().IP.InvalidPacketsReceived.Increment()
			log.Infof("ipv4: dropping fragment from %s: %v", h.SourceAddress(), err)
			return
		}
		if !ready {
			return
		}
		whole := buffer.NewPacketFromBytes(data)
		whole.NetworkProtocol = ProtocolNumber
		defer whole.DecRef()
		pkt = whole
	}

	r.Stats().IP.PacketsDelivered.Increment()
	e.dispatcher.DeliverTransportPacket(r, h.TransportProtocol(), pkt)
}

// Close cleans up resources associated with the endpoint.
func (e *endpoint) Close() {}

type protocol struct {
	stack *stack.Stack

	// ids is the set of IP identifier counters, one per bucket of
	// (source, destination, protocol) tuples.
	ids    []uint32
	hashIV uint32
}

// NewProtocol creates a new ipv4 protocol descriptor. It is passed to
// stack.New through stack.Options.NetworkProtocols.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	ids := make([]uint32, buckets)

	// Randomly initialize hashIV and the ids.
	r := hash.RandN32(1 + buckets)
	for i := range ids {
		ids[i] = r[i]
	}
	return &protocol{
		stack:  s,
		ids:    ids,
		hashIV: r[buckets],
	}
}

// Number returns the ipv4 protocol number.
func (p *protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv4 packet size.
func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// ParseAddresses implements NetworkProtocol.ParseAddresses.
func (*protocol) ParseAddresses(v []byte) (src, dst tcpip.Address) {
	h := header.IPv4(v)
	return h.SourceAddress(), h.DestinationAddress()
}

// calculateMTU calculates the network-layer payload MTU based on the link-layer
// payload mtu.
func calculateMTU(mtu uint32) uint32 {
	if mtu > MaxTotalSize {
		mtu = MaxTotalSize
	}
	return mtu - header.IPv4MinimumSize
}

// hashRoute calculates a hash value for the given route. It uses the source &
// destination address, the transport protocol number, and a random initial
// value (generated once on initialization) to generate the hash.
func hashRoute(r *stack.Route, protocol tcpip.TransportProtocolNumber, hashIV uint32) uint32 {
	t := r.LocalAddress
	a := uint32(t[0]) | uint32(t[1])<<8 | uint32(t[2])<<16 | uint32(t[3])<<24
	t = r.RemoteAddress
	b := uint32(t[0]) | uint32(t[1])<<8 | uint32(t[2])<<16 | uint32(t[3])<<24
	return hash.Hash3Words(a, b, uint32(protocol), hashIV)
}
