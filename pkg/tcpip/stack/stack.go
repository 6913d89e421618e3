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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// A Stack owns the NICs, the route table, the transport demultiplexer and the
// port manager. Protocols are plugged in through the factories in Options.
package stack

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/ports"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
)

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// TransportProtocols lists the transport protocols to enable.
	TransportProtocols []TransportProtocolFactory

	// Clock is an optional clock used for timekeeping.
	//
	// If Clock is nil, tcpip.NewStdClock() will be used.
	Clock tcpip.Clock

	// SecureRNG is a cryptographically secure random number generator,
	// used for initial sequence numbers.
	//
	// If SecureRNG is nil, crypto/rand.Reader is used.
	SecureRNG io.Reader

	// ResetLimit is the number of resets per second sent in reply to
	// segments that match no endpoint, and ResetBurst the number that may
	// be sent back to back. rate.Inf disables limiting. If both are zero,
	// 1000 per second with a burst of 100 is used.
	ResetLimit rate.Limit
	ResetBurst int
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	transportProtocols map[tcpip.TransportProtocolNumber]TransportProtocol
	networkProtocols   map[tcpip.NetworkProtocolNumber]NetworkProtocol

	demux *transportDemuxer

	stats tcpip.Stats

	mu         sync.RWMutex
	nics       map[tcpip.NICID]*NIC
	routeTable []tcpip.Route

	// clock is used to generate user-visible times and to schedule
	// timers.
	clock tcpip.Clock

	// portManager tracks the ports reserved by transport endpoints.
	portManager *ports.PortManager

	// resetRateLimiter limits resets generated for unknown destinations.
	resetRateLimiter *ResetRateLimiter

	// secureRNG is the source of initial sequence numbers.
	secureRNG io.Reader
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	rng := opts.SecureRNG
	if rng == nil {
		rng = rand.Reader
	}
	limit, burst := opts.ResetLimit, opts.ResetBurst
	if limit == 0 && burst == 0 {
		limit, burst = resetLimit, resetBurst
	}

	s := &Stack{
		transportProtocols: make(map[tcpip.TransportProtocolNumber]TransportProtocol),
		networkProtocols:   make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		nics:               make(map[tcpip.NICID]*NIC),
		clock:              clock,
		portManager:        ports.NewPortManager(),
		resetRateLimiter:   NewResetRateLimiter(limit, burst),
		secureRNG:          rng,
	}

	// Add specified network protocols.
	for _, netProtoFactory := range opts.NetworkProtocols {
		netProto := netProtoFactory(s)
		s.networkProtocols[netProto.Number()] = netProto
	}

	// Add specified transport protocols.
	for _, transProtoFactory := range opts.TransportProtocols {
		transProto := transProtoFactory(s)
		s.transportProtocols[transProto.Number()] = transProto
	}

	// Create the global transport demuxer.
	s.demux = newTransportDemuxer(s)

	return s
}

// NetworkProtocolInstance returns the protocol instance in the stack for the
// specified network protocol. This method is public for protocol implementers
// and tests to use.
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	if p, ok := s.networkProtocols[num]; ok {
		return p
	}
	return nil
}

// TransportProtocolInstance returns the protocol instance in the stack for the
// specified transport protocol. This method is public for protocol implementers
// and tests to use.
func (s *Stack) TransportProtocolInstance(num tcpip.TransportProtocolNumber) TransportProtocol {
	if p, ok := s.transportProtocols[num]; ok {
		return p
	}
	return nil
}

// Clock returns the Stack's clock for retrieving the current time and
// scheduling work.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Stats returns the stack's statistics. The counters are updated in place.
func (s *Stack) Stats() *tcpip.Stats {
	return &s.stats
}

// PortManager returns the port manager shared by the transport endpoints of
// the stack.
func (s *Stack) PortManager() *ports.PortManager {
	return s.portManager
}

// SetRouteTable assigns the route table to be used by this stack. It
// specifies which NIC to use for given destination address ranges.
func (s *Stack) SetRouteTable(table []tcpip.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routeTable = table
}

// GetRouteTable returns the route table which is currently in use.
func (s *Stack) GetRouteTable() []tcpip.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tcpip.Route(nil), s.routeTable...)
}

// AddRoute appends a route to the route table.
func (s *Stack) AddRoute(route tcpip.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routeTable = append(s.routeTable, route)
}

// CreateNIC creates a NIC with the provided id and link-layer endpoint.
func (s *Stack) CreateNIC(id tcpip.NICID, ep LinkEndpoint) *tcpip.Error {
	return s.CreateNamedNIC(id, "", ep)
}

// CreateNamedNIC creates a NIC with the provided id and link-layer endpoint,
// and a human-readable name.
func (s *Stack) CreateNamedNIC(id tcpip.NICID, name string, ep LinkEndpoint) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make sure id is unique.
	if _, ok := s.nics[id]; ok {
		return tcpip.ErrDuplicateNICID
	}

	n := newNIC(s, id, name, ep)
	s.nics[id] = n
	n.attachLinkEndpoint()

	return nil
}

// NICInfo captures the name and addresses assigned to a NIC.
type NICInfo struct {
	Name              string
	LinkAddress       tcpip.LinkAddress
	ProtocolAddresses map[tcpip.NetworkProtocolNumber]tcpip.Address

	// MTU is the maximum transmission unit.
	MTU uint32
}

// NICInfo returns a map of NICIDs to their associated information.
func (s *Stack) NICInfo() map[tcpip.NICID]NICInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nics := make(map[tcpip.NICID]NICInfo)
	for id, nic := range s.nics {
		addrs := make(map[tcpip.NetworkProtocolNumber]tcpip.Address)
		nic.mu.RLock()
		for proto, ep := range nic.endpoints {
			addrs[proto] = ep.ID().LocalAddress
		}
		nic.mu.RUnlock()
		nics[id] = NICInfo{
			Name:              nic.name,
			LinkAddress:       nic.linkEP.LinkAddress(),
			ProtocolAddresses: addrs,
			MTU:               nic.linkEP.MTU(),
		}
	}
	return nics
}

// AddAddress adds a new network-layer address to the specified NIC.
func (s *Stack) AddAddress(id tcpip.NICID, protocol tcpip.NetworkProtocolNumber, addr tcpip.Address) *tcpip.Error {
	s.mu.RLock()
	nic, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return tcpip.ErrUnknownNICID
	}

	return nic.addAddress(protocol, addr)
}

// AddStaticNeighbor records the link address of a neighbor reachable through
// the specified NIC.
func (s *Stack) AddStaticNeighbor(id tcpip.NICID, addr tcpip.Address, linkAddr tcpip.LinkAddress) *tcpip.Error {
	s.mu.RLock()
	nic, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	nic.addNeighbor(addr, linkAddr)
	return nil
}

// FindRoute creates a route to the given destination address, leaving through
// the given nic and local address (if provided). The returned route holds no
// references and may be kept and reused for every packet to remoteAddr.
func (s *Stack) FindRoute(id tcpip.NICID, localAddr, remoteAddr tcpip.Address, netProto tcpip.NetworkProtocolNumber) (*Route, *tcpip.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.routeTable {
		route := &s.routeTable[i]
		if (id != 0 && id != route.NIC) || (len(remoteAddr) != 0 && !route.Destination.Contains(remoteAddr)) {
			continue
		}

		nic, ok := s.nics[route.NIC]
		if !ok {
			continue
		}
		ep := nic.primaryEndpoint(netProto)
		if ep == nil {
			continue
		}
		if len(localAddr) != 0 && ep.ID().LocalAddress != localAddr {
			continue
		}

		r := makeRoute(netProto, ep.ID().LocalAddress, remoteAddr, nic.linkEP.LinkAddress(), nic, ep)
		if len(route.Gateway) > 0 {
			r.NextHop = route.Gateway
		}
		nextHop := r.NextHop
		if len(nextHop) == 0 {
			nextHop = remoteAddr
		}
		r.RemoteLinkAddress = nic.resolve(nextHop)
		return &r, nil
	}

	return nil, tcpip.ErrNoRoute
}

// CheckLocalAddress determines if the given local address exists, and if it
// does, returns the id of the NIC it's bound to. Returns 0 if the address
// does not exist.
func (s *Stack) CheckLocalAddress(nicID tcpip.NICID, protocol tcpip.NetworkProtocolNumber, addr tcpip.Address) tcpip.NICID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// If a NIC is specified, we try to find the address there only.
	if nicID != 0 {
		nic, ok := s.nics[nicID]
		if !ok || !nic.hasAddress(protocol, addr) {
			return 0
		}
		return nic.id
	}

	// Go through all the NICs.
	for _, nic := range s.nics {
		if nic.hasAddress(protocol, addr) {
			return nic.id
		}
	}

	return 0
}

// RegisterTransportEndpoint registers the given endpoint with the stack
// transport dispatcher. Received packets that match the provided id will be
// delivered to the given endpoint. It fails with ErrPortInUse if another
// endpoint is registered with the same id.
func (s *Stack) RegisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint) *tcpip.Error {
	return s.demux.registerEndpoint(netProtos, protocol, id, ep)
}

// UnregisterTransportEndpoint removes the endpoint with the given id from the
// stack transport dispatcher.
func (s *Stack) UnregisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint) {
	s.demux.unregisterEndpoint(netProtos, protocol, id, ep)
}

// FindTransportEndpoint finds the endpoint that would receive a packet with
// the given id, falling back to listeners bound to the local port. The
// returned endpoint carries a reference the caller must release with DecRef.
func (s *Stack) FindTransportEndpoint(netProto tcpip.NetworkProtocolNumber, transProto tcpip.TransportProtocolNumber, id TransportEndpointID) TransportEndpoint {
	return s.demux.findTransportEndpoint(netProto, transProto, id)
}

// AllowReset returns true if the rate limiter allows a reset to be sent in
// reply to a segment that matched no endpoint.
func (s *Stack) AllowReset() bool {
	return s.resetRateLimiter.Allow()
}

// ResetLimit returns the maximum number of resets that can be sent in one
// second.
func (s *Stack) ResetLimit() rate.Limit {
	return s.resetRateLimiter.Limit()
}

// SetResetLimit sets the maximum number of resets that can be sent in one
// second.
func (s *Stack) SetResetLimit(newLimit rate.Limit) {
	s.resetRateLimiter.SetLimit(newLimit)
}

// NewISN returns a random initial sequence number.
func (s *Stack) NewISN() seqnum.Value {
	var b [4]byte
	if _, err := io.ReadFull(s.secureRNG, b[:]); err != nil {
		panic(fmt.Sprintf("reading initial sequence number: %v", err))
	}
	return seqnum.Value(binary.LittleEndian.Uint32(b[:]))
}

// Wait waits for all link endpoint goroutines to stop.
func (s *Stack) Wait() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nics {
		n.linkEP.Wait()
	}
}
