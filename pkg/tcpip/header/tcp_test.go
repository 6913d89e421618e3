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

package header_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
)

func TestTCPFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags header.TCPFlags
		want  string
	}{
		{0, ""},
		{header.TCPFlagFin, "F"},
		{header.TCPFlagSyn | header.TCPFlagAck, " S  A"},
		{header.TCPFlagRst | header.TCPFlagAck, "  R A"},
		{header.TCPFlagPsh | header.TCPFlagAck | header.TCPFlagNs, "   PA   N"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("TCPFlags(%#x).String() = %q, want = %q", uint16(tc.flags), got, tc.want)
		}
	}
}

func TestTCPEncode(t *testing.T) {
	b := make([]byte, header.TCPMinimumSize+4)
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:       49152,
		DstPort:       80,
		SeqNum:        0xdeadbeef,
		AckNum:        7,
		DataOffset:    header.TCPMinimumSize,
		Flags:         header.TCPFlagPsh | header.TCPFlagAck,
		WindowSize:    4096,
		UrgentPointer: 3,
	})
	copy(b[header.TCPMinimumSize:], "data")

	if got, want := tcp.SourcePort(), uint16(49152); got != want {
		t.Errorf("SourcePort() = %d, want = %d", got, want)
	}
	if got, want := tcp.DestinationPort(), uint16(80); got != want {
		t.Errorf("DestinationPort() = %d, want = %d", got, want)
	}
	if got, want := tcp.SequenceNumber(), uint32(0xdeadbeef); got != want {
		t.Errorf("SequenceNumber() = %#x, want = %#x", got, want)
	}
	if got, want := tcp.AckNumber(), uint32(7); got != want {
		t.Errorf("AckNumber() = %d, want = %d", got, want)
	}
	if got, want := tcp.Flags(), header.TCPFlagPsh|header.TCPFlagAck; got != want {
		t.Errorf("Flags() = %s, want = %s", got, want)
	}
	if got, want := tcp.WindowSize(), uint16(4096); got != want {
		t.Errorf("WindowSize() = %d, want = %d", got, want)
	}
	if got, want := tcp.UrgentPointer(), uint16(3); got != want {
		t.Errorf("UrgentPointer() = %d, want = %d", got, want)
	}
	if got, want := string(tcp.Payload()), "data"; got != want {
		t.Errorf("Payload() = %q, want = %q", got, want)
	}
	if got := len(tcp.Options()); got != 0 {
		t.Errorf("len(Options()) = %d, want = 0", got)
	}
	seq, l := tcp.SequenceRange()
	if seq != seqnum.Value(0xdeadbeef) || l != 4 {
		t.Errorf("SequenceRange() = (%d, %d), want = (%d, 4)", seq, l, uint32(0xdeadbeef))
	}
}

func TestTCPNSFlag(t *testing.T) {
	b := make([]byte, header.TCPMinimumSize)
	header.TCP(b).Encode(&header.TCPFields{
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagNs | header.TCPFlagSyn | header.TCPFlagFin,
	})
	tcp := header.TCP(b)
	if got, want := tcp.DataOffset(), uint8(header.TCPMinimumSize); got != want {
		t.Errorf("DataOffset() = %d, want = %d", got, want)
	}
	if got, want := tcp.Flags(), header.TCPFlagNs|header.TCPFlagSyn|header.TCPFlagFin; got != want {
		t.Errorf("Flags() = %s, want = %s", got, want)
	}
	// SYN and FIN each occupy one sequence number.
	if _, l := tcp.SequenceRange(); l != 2 {
		t.Errorf("SequenceRange() length = %d, want = 2", l)
	}
}

func TestTCPIsValid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		size    int
		dataOff uint8
		want    bool
	}{
		{"short", header.TCPMinimumSize - 1, header.TCPMinimumSize, false},
		{"minimum", header.TCPMinimumSize, header.TCPMinimumSize, true},
		{"offset below minimum", header.TCPMinimumSize, 16, false},
		{"offset past end", header.TCPMinimumSize, 24, false},
		{"options", 24, 24, true},
		{"payload", 100, 24, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := make([]byte, tc.size)
			if tc.size > header.TCPDataOffset {
				b[header.TCPDataOffset] = (tc.dataOff / 4) << 4
			}
			if got := header.TCP(b).IsValid(); got != tc.want {
				t.Errorf("IsValid() = %t, want = %t", got, tc.want)
			}
		})
	}
}

func TestTCPChecksum(t *testing.T) {
	src := tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	dst := tcpip.AddrFrom4([4]byte{10, 0, 0, 2})
	b := make([]byte, header.TCPMinimumSize+5)
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    1000,
		DstPort:    2000,
		SeqNum:     1,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagSyn,
		WindowSize: 1024,
	})
	copy(tcp.Payload(), "hello")
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(b)))
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))

	if !tcp.IsChecksumValid(src, dst) {
		t.Fatalf("IsChecksumValid(%s, %s) = false, want = true", src, dst)
	}
	b[len(b)-1] ^= 0xff
	if tcp.IsChecksumValid(src, dst) {
		t.Errorf("IsChecksumValid after corrupting the payload = true, want = false")
	}
}

func TestTCPOptionsRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []header.TCPOption
		want []byte
	}{
		{
			name: "MSS",
			opts: []header.TCPOption{header.OptionMSS{MSS: 1460}},
			want: []byte{2, 4, 0x05, 0xb4},
		},
		{
			name: "MSS and window scale",
			opts: []header.TCPOption{header.OptionMSS{MSS: 1460}, header.OptionWindowScale{Shift: 7}},
			want: []byte{2, 4, 0x05, 0xb4, 3, 3, 7, 0},
		},
		{
			name: "SACK permitted and timestamp",
			opts: []header.TCPOption{header.OptionSACKPermitted{}, header.OptionTimestamp{TSVal: 1, TSEcr: 2}},
			want: []byte{4, 2, 8, 10, 0, 0, 0, 1, 0, 0, 0, 2},
		},
		{
			name: "SACK blocks",
			opts: []header.TCPOption{header.OptionSACK{Blocks: []header.SACKBlock{{Start: 10, End: 20}}}},
			want: []byte{5, 10, 0, 0, 0, 10, 0, 0, 0, 20, 0, 0},
		},
		{
			name: "unknown kind",
			opts: []header.TCPOption{header.OptionUnknown{Type: 30, Data: []byte{1, 2}}},
			want: []byte{30, 4, 1, 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got, want := header.TCPOptionsSize(tc.opts), len(tc.want); got != want {
				t.Fatalf("TCPOptionsSize() = %d, want = %d", got, want)
			}
			b := make([]byte, len(tc.want))
			if got := header.SerializeTCPOptions(tc.opts, b); got != len(tc.want) {
				t.Fatalf("SerializeTCPOptions() = %d, want = %d", got, len(tc.want))
			}
			if diff := cmp.Diff(tc.want, b); diff != "" {
				t.Fatalf("serialized options mismatch (-want +got):\n%s", diff)
			}
			got, ok := header.ParseTCPOptions(b, true)
			if !ok {
				t.Fatalf("ParseTCPOptions(%v, true) failed", b)
			}
			if diff := cmp.Diff(tc.opts, got); diff != "" {
				t.Errorf("parsed options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseTCPOptions(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    []byte
		syn  bool
		want []header.TCPOption
		ok   bool
	}{
		{
			name: "empty",
			ok:   true,
		},
		{
			name: "NOPs are skipped",
			b:    []byte{1, 1, 2, 4, 0x05, 0xb4},
			syn:  true,
			want: []header.TCPOption{header.OptionMSS{MSS: 1460}},
			ok:   true,
		},
		{
			name: "end of list stops parsing",
			b:    []byte{0, 2, 4, 0x05, 0xb4},
			syn:  true,
			ok:   true,
		},
		{
			name: "MSS outside SYN is ignored",
			b:    []byte{2, 4, 0x05, 0xb4, 3, 3, 2, 0},
			ok:   true,
		},
		{
			name: "bad MSS length",
			b:    []byte{2, 3, 5, 0},
			syn:  true,
		},
		{
			name: "bad window scale length",
			b:    []byte{3, 4, 7, 0},
			syn:  true,
		},
		{
			name: "bad SACK permitted length",
			b:    []byte{4, 3, 0, 0},
		},
		{
			name: "empty SACK",
			b:    []byte{5, 2, 0, 0},
		},
		{
			name: "bad timestamp length",
			b:    []byte{8, 6, 0, 0, 0, 0},
		},
		{
			name: "length below two",
			b:    []byte{30, 1, 0, 0},
		},
		{
			name: "option overruns area",
			b:    []byte{8, 10, 0, 0},
		},
		{
			name: "missing length byte",
			b:    []byte{1, 1, 1, 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := header.ParseTCPOptions(tc.b, tc.syn)
			if ok != tc.ok {
				t.Fatalf("ParseTCPOptions(%v, %t) ok = %t, want = %t", tc.b, tc.syn, ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseTCPOptions(%v, %t) mismatch (-want +got):\n%s", tc.b, tc.syn, diff)
			}
		})
	}
}

func TestParseSynOptions(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    []byte
		want header.TCPSynOptions
	}{
		{
			name: "defaults",
			want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1},
		},
		{
			name: "all",
			b:    []byte{2, 4, 0x05, 0xb4, 3, 3, 7, 4, 2, 8, 10, 0, 0, 0, 1, 0, 0, 0, 1},
			want: header.TCPSynOptions{MSS: 1460, WS: 7, SACKPermitted: true, TS: true},
		},
		{
			name: "window scale is capped",
			b:    []byte{3, 3, 20, 0},
			want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: header.TCPMaxWindowScale},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := header.ParseSynOptions(tc.b)
			if !ok {
				t.Fatalf("ParseSynOptions(%v) failed", tc.b)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseSynOptions(%v) mismatch (-want +got):\n%s", tc.b, diff)
			}
		})
	}

	if _, ok := header.ParseSynOptions([]byte{2, 2}); ok {
		t.Errorf("ParseSynOptions with a malformed MSS succeeded")
	}
}
