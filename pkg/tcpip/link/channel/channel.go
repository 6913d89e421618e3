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

// Package channel provides the implemention of channel-based data-link layer
// endpoints. Such endpoints allow injection of inbound packets and store
// outbound Ethernet frames in a channel.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

// PacketInfo holds all the information about an outbound packet.
type PacketInfo struct {
	// Frame is the complete Ethernet frame. Checksums left to the device
	// have been computed.
	Frame []byte

	// Proto is the network protocol of the frame payload.
	Proto tcpip.NetworkProtocolNumber

	// RemoteAddress and LocalAddress are the network addresses of the route
	// the packet was written through.
	RemoteAddress tcpip.Address
	LocalAddress  tcpip.Address
}

// Payload returns the frame without its Ethernet header.
func (p PacketInfo) Payload() []byte {
	return p.Frame[header.EthernetMinimumSize:]
}

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is link layer endpoint that frames outbound packets with an
// Ethernet header, stores them in a channel and allows injection of inbound
// packets.
type Endpoint struct {
	dispatcher         stack.NetworkDispatcher
	mtu                atomic.Uint32
	linkAddr           tcpip.LinkAddress
	LinkEPCapabilities stack.LinkEndpointCapabilities

	// Outbound packet queue.
	q *queue
}

// New creates a new channel endpoint holding up to size outbound frames.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	e := &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
		linkAddr: linkAddr,
	}
	e.mtu.Store(mtu)
	return e
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// InjectInbound injects an inbound packet that starts at the network header.
func (e *Endpoint) InjectInbound(protocol tcpip.NetworkProtocolNumber, pkt *buffer.Packet) {
	e.InjectLinkAddr(protocol, "", pkt)
}

// InjectLinkAddr injects an inbound packet with a remote link address.
func (e *Endpoint) InjectLinkAddr(protocol tcpip.NetworkProtocolNumber, remote tcpip.LinkAddress, pkt *buffer.Packet) {
	e.dispatcher.DeliverNetworkPacket(e, remote, "" /* local */, protocol, pkt)
}

// InjectFrame injects a complete inbound Ethernet frame. Frames too short to
// hold an Ethernet header are dropped and false is returned.
func (e *Endpoint) InjectFrame(frame []byte) bool {
	if len(frame) < header.EthernetMinimumSize {
		return false
	}
	eth := header.Ethernet(frame)
	pkt := buffer.NewPacketFromBytes(frame)
	pkt.TrimFront(header.EthernetMinimumSize)
	e.dispatcher.DeliverNetworkPacket(e, eth.SourceAddress(), eth.DestinationAddress(), eth.Type(), pkt)
	pkt.DecRef()
	return true
}

// Attach saves the stack network-layer dispatcher for use later when packets
// are injected.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	return e.mtu.Load()
}

// SetMTU changes the MTU of the endpoint.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mtu.Store(mtu)
}

// Capabilities implements stack.LinkEndpoint.Capabilities.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.LinkEPCapabilities
}

// MaxHeaderLength returns the maximum size of the link layer header, that is
// the Ethernet header.
func (*Endpoint) MaxHeaderLength() uint16 {
	return header.EthernetMinimumSize
}

// LinkAddress returns the link address of this endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.linkAddr
}

// WritePacket frames the packet and stores the frame into the channel. The
// packet is left as it was passed in. It fails with ErrNoBufferSpace when the
// channel is full.
func (e *Endpoint) WritePacket(r *stack.Route, pkt *buffer.Packet, protocol tcpip.NetworkProtocolNumber) *tcpip.Error {
	eth := header.Ethernet(pkt.Prepend(header.EthernetMinimumSize))
	if eth == nil {
		return tcpip.ErrNoBufferSpace
	}
	ethHdr := &header.EthernetFields{
		DstAddr: r.RemoteLinkAddress,
		Type:    protocol,
	}
	// Preserve the src address if it's set in the route.
	if r.LocalLinkAddress != "" {
		ethHdr.SrcAddr = r.LocalLinkAddress
	} else {
		ethHdr.SrcAddr = e.linkAddr
	}
	eth.Encode(ethHdr)
	frame := pkt.Flatten()
	pkt.TrimFront(header.EthernetMinimumSize)

	p := PacketInfo{
		Frame:         frame,
		Proto:         protocol,
		RemoteAddress: r.RemoteAddress,
		LocalAddress:  r.LocalAddress,
	}
	if !e.q.Write(p) {
		return tcpip.ErrNoBufferSpace
	}
	return nil
}

// Wait implements stack.LinkEndpoint.Wait.
func (*Endpoint) Wait() {}

// AddNotify adds a notification target for receiving event about outgoing
// packets.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.q.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.q.RemoveNotify(handle)
}
