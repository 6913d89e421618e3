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

// Package ports provides PortManager that manages allocating, reserving and releasing ports.
package ports

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"onyx.dev/netstack/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 16000

	// numEphemeralPorts it the mnumber of available ephemeral ports to
	// Netstack.
	numEphemeralPorts = math.MaxUint16 - FirstEphemeral + 1

	anyIPAddress tcpip.Address = ""

	// btreeDegree is the degree of the reservation tree.
	btreeDegree = 8
)

// reservation is one reserved (protocol, port, address) triple. Reservations
// are ordered by protocol, then port, then address, so every reservation of a
// port is found in one contiguous run of the tree.
type reservation struct {
	transport tcpip.TransportProtocolNumber
	port      uint16
	addr      tcpip.Address
}

func reservationLess(a, b reservation) bool {
	if a.transport != b.transport {
		return a.transport < b.transport
	}
	if a.port != b.port {
		return a.port < b.port
	}
	return a.addr < b.addr
}

// PortManager manages allocating, reserving and releasing ports.
type PortManager struct {
	mu       sync.Mutex
	reserved *btree.BTreeG[reservation]

	// hint is used to pick ports ephemeral ports in a stable order for
	// a given port offset.
	hint atomic.Uint32
}

// NewPortManager creates new PortManager.
func NewPortManager() *PortManager {
	return &PortManager{reserved: btree.NewG(btreeDegree, reservationLess)}
}

// normalize maps every unspecified address to anyIPAddress.
func normalize(addr tcpip.Address) tcpip.Address {
	if addr.Unspecified() {
		return anyIPAddress
	}
	return addr
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decide whether a given port
// is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	offset := uint32(rand.Int31n(numEphemeralPorts))
	return s.pickEphemeralPort(offset, numEphemeralPorts, testPort)
}

// PickEphemeralPortStable starts at the specified offset + s.hint and
// iterates over all ephemeral ports, allowing the caller to decide whether a
// given port is suitable for its needs and stopping when a port is found or an
// error occurs.
func (s *PortManager) PickEphemeralPortStable(offset uint32, testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	p, err := s.pickEphemeralPort(s.hint.Load()+offset, numEphemeralPorts, testPort)
	if err == nil {
		s.hint.Add(1)
	}
	return p, err
}

// pickEphemeralPort starts at the offset specified from the FirstEphemeral port
// and iterates over the number of ports specified by count and allows the
// caller to decide whether a given port is suitable for its needs, and stopping
// when a port is found or an error occurs.
func (s *PortManager) pickEphemeralPort(offset, count uint32, testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	for i := uint32(0); i < count; i++ {
		port = uint16(FirstEphemeral + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}

		if ok {
			return port, nil
		}
	}

	return 0, tcpip.ErrNoPortAvailable
}

// IsPortAvailable tests if the given port is available for addr.
func (s *PortManager) IsPortAvailable(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPortAvailableLocked(transport, normalize(addr), port)
}

// isPortAvailableLocked reports whether no reservation of port conflicts with
// addr. A reservation on the unspecified address conflicts with every
// address and vice versa.
func (s *PortManager) isPortAvailableLocked(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) bool {
	available := true
	s.reserved.AscendGreaterOrEqual(reservation{transport: transport, port: port}, func(r reservation) bool {
		if r.transport != transport || r.port != port {
			return false
		}
		if r.addr == anyIPAddress || addr == anyIPAddress || r.addr == addr {
			available = false
			return false
		}
		return true
	})
	return available
}

// ReservePort marks a port/IP combination as reserved so that it cannot be
// reserved by another endpoint. If port is zero, ReservePort will search for
// an unreserved ephemeral port and reserve it, returning its value in the
// "port" return value.
//
// An optional testPort closure can be passed in which if provided will be used
// to test if the picked port can be used. The function should return true if
// the port is safe to use, false otherwise.
func (s *PortManager) ReservePort(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16, testPort func(port uint16) bool) (reservedPort uint16, err *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr = normalize(addr)

	// If a port is specified, just try to reserve it.
	if port != 0 {
		if !s.reserveSpecificPortLocked(transport, addr, port) {
			return 0, tcpip.ErrPortInUse
		}
		if testPort != nil && !testPort(port) {
			s.releasePortLocked(transport, addr, port)
			return 0, tcpip.ErrPortInUse
		}
		return port, nil
	}

	// A port wasn't specified, so try to find one.
	return s.PickEphemeralPort(func(p uint16) (bool, *tcpip.Error) {
		if !s.reserveSpecificPortLocked(transport, addr, p) {
			return false, nil
		}
		if testPort != nil && !testPort(p) {
			s.releasePortLocked(transport, addr, p)
			return false, nil
		}
		return true, nil
	})
}

// reserveSpecificPortLocked tries to reserve the given port.
func (s *PortManager) reserveSpecificPortLocked(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) bool {
	if !s.isPortAvailableLocked(transport, addr, port) {
		return false
	}
	s.reserved.ReplaceOrInsert(reservation{transport: transport, port: port, addr: addr})
	return true
}

// ReleasePort releases the reservation on a port/IP combination so that it can
// be reserved by other endpoints.
func (s *PortManager) ReleasePort(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasePortLocked(transport, normalize(addr), port)
}

func (s *PortManager) releasePortLocked(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) {
	s.reserved.Delete(reservation{transport: transport, port: port, addr: addr})
}

// Len returns the number of reservations held.
func (s *PortManager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved.Len()
}
