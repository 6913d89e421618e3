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

// Package buffer provides the reference counted packet buffer that carries
// segments through the stack.
package buffer

import (
	"fmt"
	"sync/atomic"

	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/checksum"
)

// Packet is a buffer that grows backwards, that is, more data can be
// prepended to it. It is useful when building networking packets, where each
// protocol adds its own headers to the front of the higher-level protocol
// header and payload; for example, TCP prepends its header to the payload,
// then IP prepends its own, then ethernet.
//
// A Packet is reference counted. NewPacket returns a packet holding one
// reference; the last DecRef releases the backing store.
type Packet struct {
	refs atomic.Int32

	// buf is the backing store. Headers live in front of usedIdx and the
	// payload sits at the end.
	buf []byte

	// usedIdx is the index where the used part of the buffer begins.
	usedIdx int

	// transportIdx is the index of the transport header, or -1 if no
	// transport header was marked.
	transportIdx int

	// NetworkProtocol is the protocol of the network header, once present.
	NetworkProtocol tcpip.NetworkProtocolNumber

	// TransportProtocol is the protocol of the transport header.
	TransportProtocol tcpip.TransportProtocolNumber

	// needsCsum, csumStart and csumOffset describe a checksum left for the
	// device to compute. csumStart is an index into buf; csumOffset is the
	// offset of the checksum field from csumStart.
	needsCsum  bool
	csumStart  int
	csumOffset int
}

// NewPacket allocates a packet carrying payload with headroom bytes reserved
// in front of it for headers.
func NewPacket(headroom int, payload []byte) *Packet {
	p := &Packet{
		buf:          make([]byte, headroom+len(payload)),
		usedIdx:      headroom,
		transportIdx: -1,
	}
	copy(p.buf[headroom:], payload)
	p.refs.Store(1)
	return p
}

// NewPacketFromBytes wraps a received frame. The packet has no headroom and
// takes ownership of b.
func NewPacketFromBytes(b []byte) *Packet {
	p := &Packet{
		buf:          b,
		transportIdx: -1,
	}
	p.refs.Store(1)
	return p
}

// IncRef increments the reference count.
func (p *Packet) IncRef() {
	if p.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("IncRef called on released packet %p", p))
	}
}

// DecRef decrements the reference count, releasing the backing store when it
// drops to zero.
func (p *Packet) DecRef() {
	switch n := p.refs.Add(-1); {
	case n < 0:
		panic(fmt.Sprintf("DecRef called on released packet %p", p))
	case n == 0:
		p.buf = nil
	}
}

// ReadRefs returns the current reference count.
func (p *Packet) ReadRefs() int32 {
	return p.refs.Load()
}

// Prepend reserves the requested space in front of the buffer, returning a
// slice that represents the reserved space. It returns nil if there is not
// enough headroom.
func (p *Packet) Prepend(size int) []byte {
	if size > p.usedIdx {
		return nil
	}

	p.usedIdx -= size
	return p.buf[p.usedIdx:][:size:size]
}

// TrimFront removes count bytes from the front of the packet, for example
// once a received header has been consumed.
func (p *Packet) TrimFront(count int) {
	p.usedIdx += count
}

// CapLength irreversibly reduces the length of the packet to length bytes
// past the current front.
func (p *Packet) CapLength(length int) {
	if length < 0 || p.usedIdx+length > len(p.buf) {
		return
	}
	p.buf = p.buf[:p.usedIdx+length]
}

// Bytes returns the used part of the buffer.
func (p *Packet) Bytes() []byte {
	return p.buf[p.usedIdx:]
}

// Size returns the number of used bytes.
func (p *Packet) Size() int {
	return len(p.buf) - p.usedIdx
}

// AvailableHeaderBytes returns the number of bytes that can still be
// prepended.
func (p *Packet) AvailableHeaderBytes() int {
	return p.usedIdx
}

// MarkTransportHeader records the current front of the packet as the start
// of the transport header.
func (p *Packet) MarkTransportHeader() {
	p.transportIdx = p.usedIdx
}

// TransportHeader returns the packet bytes starting at the transport header,
// or nil if none was marked.
func (p *Packet) TransportHeader() []byte {
	if p.transportIdx < 0 {
		return nil
	}
	return p.buf[p.transportIdx:]
}

// RewindToTransportHeader drops every header prepended in front of the
// transport header, so the same transport segment can be handed to the
// network layer again.
func (p *Packet) RewindToTransportHeader() {
	if p.transportIdx >= 0 {
		p.usedIdx = p.transportIdx
	}
}

// SetChecksumOffload records that the checksum of the data starting at the
// current front of the packet is to be computed by the device, and that it
// must be stored offset bytes from that point. The checksum field must hold
// the partial pseudo-header checksum.
func (p *Packet) SetChecksumOffload(offset int) {
	p.needsCsum = true
	p.csumStart = p.usedIdx
	p.csumOffset = offset
}

// ClearChecksumOffload cancels a previous SetChecksumOffload.
func (p *Packet) ClearChecksumOffload() {
	p.needsCsum = false
}

// NeedsChecksum returns true if the device must compute a checksum.
func (p *Packet) NeedsChecksum() bool {
	return p.needsCsum
}

// ChecksumOffload returns the start of the checksummed region relative to the
// current front of the packet and the offset of the checksum field within it.
func (p *Packet) ChecksumOffload() (start, offset int) {
	return p.csumStart - p.usedIdx, p.csumOffset
}

// Flatten returns a copy of the used bytes. If a checksum was left for the
// device, it is computed on the copy, as checksum offload hardware would.
// The packet itself is left untouched so it can be sent again.
func (p *Packet) Flatten() []byte {
	b := append([]byte(nil), p.Bytes()...)
	if p.needsCsum {
		start, offset := p.ChecksumOffload()
		region := b[start:]
		// The field holds the pseudo-header sum, which is part of the
		// sum over the region.
		checksum.Put(region[offset:], ^checksum.Checksum(region, 0))
	}
	return b
}
