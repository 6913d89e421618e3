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
package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// synBytes returns a SYN from 10.0.0.1:16000 to 10.0.0.2:80 with seq 1 and an
// MSS of 1446.
func synBytes() []byte {
	b := make([]byte, header.IPv4MinimumSize+header.TCPMinimumSize+4)
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(b)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     "\x0a\x00\x00\x01",
		DstAddr:     "\x0a\x00\x00\x02",
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	tcp := header.TCP(b[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    16000,
		DstPort:    80,
		SeqNum:     1,
		DataOffset: header.TCPMinimumSize + 4,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	header.SerializeTCPOptions([]header.TCPOption{header.OptionMSS{MSS: 1446}}, tcp[header.TCPMinimumSize:])
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(tcp)))
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return b
}

func TestParseHex(t *testing.T) {
	want := []byte{0x45, 0x00, 0xab}
	for _, in := range []string{"4500ab", "45 00 ab", "45:00:ab", "0x4500ab", "45\n00\tab"} {
		got, err := parseHex(in)
		if err != nil {
			t.Errorf("parseHex(%q) failed: %v", in, err)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parseHex(%q) mismatch (-want +got):\n%s", in, diff)
		}
	}
	if _, err := parseHex("4g"); err == nil {
		t.Errorf("parseHex(%q) succeeded, want error", "4g")
	}
}

func TestSummarize(t *testing.T) {
	got := summarize(synBytes(), layers.LayerTypeIPv4)
	want := "10.0.0.1:16000 > 10.0.0.2:80 [SYN] seq=1 ack=0 win=65535 len=0 <mss=1446>"
	if got != want {
		t.Errorf("got summarize(...) = %q, want = %q", got, want)
	}

	if got := summarize([]byte{0x60, 0}, layers.LayerTypeIPv4); !strings.HasPrefix(got, "not an IPv4 packet") {
		t.Errorf("got summarize(garbage) = %q, want a decode error", got)
	}
	// The IPv4 header is complete but the TCP header is cut short.
	if got := summarize(synBytes()[:header.IPv4MinimumSize+10], layers.LayerTypeIPv4); !strings.HasPrefix(got, "malformed TCP segment") {
		t.Errorf("got summarize(truncated) = %q, want a TCP decode error", got)
	}
}

func TestDumpPacket(t *testing.T) {
	b := synBytes()
	var out bytes.Buffer
	if err := dumpPacket(&out, b, layers.LayerTypeIPv4); err != nil {
		t.Fatalf("dumpPacket failed: %v", err)
	}
	for _, want := range []string{"IPv4 10.0.0.1 > 10.0.0.2", "TCP 16000 > 80", "flags=SYN", "option mss=1446"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}
	if n := strings.Count(out.String(), "(valid)"); n != 2 {
		t.Errorf("got %d valid checksums in %q, want = 2", n, out.String())
	}

	// Corrupt the TCP checksum.
	b[header.IPv4MinimumSize+header.TCPChecksumOffset] ^= 0xff
	out.Reset()
	if err := dumpPacket(&out, b, layers.LayerTypeIPv4); err != nil {
		t.Fatalf("dumpPacket failed: %v", err)
	}
	if !strings.Contains(out.String(), "(bad)") {
		t.Errorf("output %q does not report the bad checksum", out.String())
	}
}

func TestDecodeHexRoundTrip(t *testing.T) {
	b, err := parseHex(hex.EncodeToString(synBytes()))
	if err != nil {
		t.Fatalf("parseHex failed: %v", err)
	}
	if diff := cmp.Diff(synBytes(), b); diff != "" {
		t.Errorf("decoded bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestResetLimit(t *testing.T) {
	for _, tc := range []struct {
		name      string
		limit     float64
		burst     int
		wantLimit rate.Limit
		wantBurst int
	}{
		{"disabled", 0, 5, rate.Inf, 0},
		{"limited", 10, 2, 10, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := config.Default().TCP
			conf.RSTRateLimit = tc.limit
			conf.RSTBurst = tc.burst
			limit, burst := resetLimit(conf)
			if limit != tc.wantLimit || burst != tc.wantBurst {
				t.Errorf("got resetLimit(...) = %v, %d, want = %v, %d", limit, burst, tc.wantLimit, tc.wantBurst)
			}
		})
	}
}

func TestRunHandshake(t *testing.T) {
	for _, offload := range []bool{false, true} {
		conf := config.Default()
		conf.Stack.ChecksumOffload = offload

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var out bytes.Buffer
		got, err := runHandshake(ctx, conf, 80, []byte("ping"), &out)
		cancel()
		if err != nil {
			t.Fatalf("runHandshake(offload=%t) failed: %v", offload, err)
		}
		if string(got) != "ping" {
			t.Errorf("got echo %q, want = %q", got, "ping")
		}

		transcript := out.String()
		for _, want := range []string{"[SYN]", "[SYN|ACK]", "[PSH|ACK]"} {
			if !strings.Contains(transcript, want) {
				t.Errorf("transcript does not contain %q:\n%s", want, transcript)
			}
		}
		if strings.Contains(transcript, "RST") {
			t.Errorf("transcript contains a reset:\n%s", transcript)
		}
	}
}

func TestNewNetStackOffload(t *testing.T) {
	conf := config.Default()
	conf.Stack.ChecksumOffload = true
	ns, err := newNetStack(conf, nil)
	if err != nil {
		t.Fatalf("newNetStack failed: %v", err)
	}
	if ns.linkEP.Capabilities() == 0 {
		t.Errorf("checksum offload was not advertised")
	}
	if got, want := ns.peer.String(), conf.Stack.Peer; got != want {
		t.Errorf("got peer = %s, want = %s", got, want)
	}
}
