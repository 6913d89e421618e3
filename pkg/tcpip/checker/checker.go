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

// Package checker provides helper functions to check networking packets for
// validity.
package checker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// NetworkChecker is a function to check a property of a network packet.
type NetworkChecker func(*testing.T, header.IPv4)

// TransportChecker is a function to check a property of a transport packet.
type TransportChecker func(*testing.T, header.TCP)

// IPv4 checks the validity and properties of the given IPv4 packet. It is
// expected to be used in conjunction with other network checkers for specific
// properties. For example, to check the source and destination address, one
// would call:
//
// checker.IPv4(t, b, checker.SrcAddr(x), checker.DstAddr(y))
func IPv4(t *testing.T, b []byte, checkers ...NetworkChecker) {
	t.Helper()

	ipv4 := header.IPv4(b)

	if !ipv4.IsValid(len(b)) {
		t.Fatal("Not a valid IPv4 packet")
	}

	if !ipv4.IsChecksumValid() {
		t.Errorf("Bad checksum, got = %d", ipv4.Checksum())
	}

	for _, f := range checkers {
		f(t, ipv4)
	}
	if t.Failed() {
		t.FailNow()
	}
}

// SrcAddr creates a checker that checks the source address.
func SrcAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if a := h.SourceAddress(); a != addr {
			t.Errorf("Bad source address, got %v, want %v", a, addr)
		}
	}
}

// DstAddr creates a checker that checks the destination address.
func DstAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if a := h.DestinationAddress(); a != addr {
			t.Errorf("Bad destination address, got %v, want %v", a, addr)
		}
	}
}

// TTL creates a checker that checks the TTL.
func TTL(ttl uint8) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.TTL(); v != ttl {
			t.Errorf("Bad TTL, got = %d, want = %d", v, ttl)
		}
	}
}

// IPFullLength creates a checker for the full IP packet length. The
// expected size is checked against both the Total Length in the
// header and the number of bytes received.
func IPFullLength(packetLength uint16) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if l := uint16(len(h)); l != packetLength {
			t.Errorf("bad packet length, got = %d, want = %d", l, packetLength)
		}
		if v := h.TotalLength(); v != packetLength {
			t.Errorf("unexpected packet length in header, got = %d, want = %d", v, packetLength)
		}
	}
}

// PayloadLen creates a checker that checks the payload length.
func PayloadLen(payloadLength int) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if l := len(h.Payload()); l != payloadLength {
			t.Errorf("Bad payload length, got = %d, want = %d", l, payloadLength)
		}
	}
}

// IPPayload creates a checker that checks the payload.
func IPPayload(payload []byte) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		got := h.Payload()

		// cmp.Diff does not consider nil slices equal to empty slices, but we do.
		if len(got) == 0 && len(payload) == 0 {
			return
		}

		if diff := cmp.Diff(payload, got); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}

// FragmentOffset creates a checker that checks the FragmentOffset field.
func FragmentOffset(offset uint16) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.FragmentOffset(); v != offset {
			t.Errorf("Bad fragment offset, got = %d, want = %d", v, offset)
		}
	}
}

// FragmentFlags creates a checker that checks the fragment flags field.
func FragmentFlags(flags uint8) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.Flags(); v != flags {
			t.Errorf("Bad fragment flags, got = %d, want = %d", v, flags)
		}
	}
}

// TCP creates a checker that checks that the transport protocol is TCP and
// potentially additional transport header fields. The segment checksum is
// verified against the pseudo-header of the enclosing packet.
func TCP(checkers ...TransportChecker) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if p := h.TransportProtocol(); p != header.TCPProtocolNumber {
			t.Errorf("Bad protocol, got = %d, want = %d", p, header.TCPProtocolNumber)
		}

		tcp := header.TCP(h.Payload())
		if !tcp.IsValid() {
			t.Fatalf("Not a valid TCP segment: %x", []byte(tcp))
		}
		if !tcp.IsChecksumValid(h.SourceAddress(), h.DestinationAddress()) {
			t.Errorf("Bad checksum, got = %d", tcp.Checksum())
		}

		// Run the transport checkers.
		for _, f := range checkers {
			f(t, tcp)
		}
		if t.Failed() {
			t.FailNow()
		}
	}
}

// SrcPort creates a checker that checks the source port.
func SrcPort(port uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if p := h.SourcePort(); p != port {
			t.Errorf("Bad source port, got = %d, want = %d", p, port)
		}
	}
}

// DstPort creates a checker that checks the destination port.
func DstPort(port uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if p := h.DestinationPort(); p != port {
			t.Errorf("Bad destination port, got = %d, want = %d", p, port)
		}
	}
}

// TCPSeqNum creates a checker that checks the sequence number.
func TCPSeqNum(seq uint32) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if s := h.SequenceNumber(); s != seq {
			t.Errorf("Bad sequence number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPAckNum creates a checker that checks the ack number.
func TCPAckNum(seq uint32) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if s := h.AckNumber(); s != seq {
			t.Errorf("Bad ack number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPWindow creates a checker that checks the tcp window.
func TCPWindow(window uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if w := h.WindowSize(); w != window {
			t.Errorf("Bad window, got %d, want %d", w, window)
		}
	}
}

// TCPFlags creates a checker that checks the tcp flags.
func TCPFlags(flags header.TCPFlags) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if got := h.Flags(); got != flags {
			t.Errorf("got tcp.Flags() = %s, want %s", got, flags)
		}
	}
}

// TCPFlagsMatch creates a checker that checks that the tcp flags, masked by the
// given mask, match the supplied flags.
func TCPFlagsMatch(flags, mask header.TCPFlags) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if got := h.Flags(); (got & mask) != (flags & mask) {
			t.Errorf("got tcp.Flags() = %s, want %s, mask %s", got, flags, mask)
		}
	}
}

// TCPSynOptions creates a checker that checks the options of a SYN segment.
//
// If wantOpts.WS is negative, the window scale option must not be present.
func TCPSynOptions(wantOpts header.TCPSynOptions) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		opts, ok := header.ParseTCPOptions(h.Options(), true)
		if !ok {
			t.Fatalf("Malformed options: %x", h.Options())
		}
		foundMSS := false
		foundWS := false
		for _, o := range opts {
			switch o := o.(type) {
			case header.OptionMSS:
				if o.MSS != wantOpts.MSS {
					t.Errorf("Bad MSS, got = %d, want = %d", o.MSS, wantOpts.MSS)
				}
				foundMSS = true
			case header.OptionWindowScale:
				if wantOpts.WS < 0 {
					t.Error("WS present when it shouldn't be")
				}
				if int(o.Shift) != wantOpts.WS {
					t.Errorf("Bad WS, got = %d, want = %d", o.Shift, wantOpts.WS)
				}
				foundWS = true
			}
		}

		if !foundMSS {
			t.Errorf("MSS option not found. Options: %x", h.Options())
		}
		if !foundWS && wantOpts.WS >= 0 {
			t.Errorf("WS option not found. Options: %x", h.Options())
		}
	}
}

// TCPNoOptions creates a checker that checks the segment carries no options.
func TCPNoOptions() TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		if opts := h.Options(); len(opts) != 0 {
			t.Errorf("got options %x, want none", opts)
		}
	}
}

// Payload creates a checker that checks the payload.
func Payload(want []byte) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()

		got := h.Payload()
		if len(got) == 0 && len(want) == 0 {
			return
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}
