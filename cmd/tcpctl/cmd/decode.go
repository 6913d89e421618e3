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
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/subcommands"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	ethernet bool
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode a hex-encoded IPv4/TCP packet"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [flags] <hex> - print the IPv4 and TCP headers and options of a packet.

Whitespace and colons in <hex> are ignored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.ethernet, "ethernet", false, "the packet starts with an Ethernet header.")
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	b, err := parseHex(strings.Join(f.Args(), ""))
	if err != nil {
		Fatalf("decoding hex: %v", err)
	}
	first := layers.LayerTypeIPv4
	if d.ethernet {
		first = layers.LayerTypeEthernet
	}
	if err := dumpPacket(os.Stdout, b, first); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// decodeTCP decodes b starting at layer first and returns its IPv4 and TCP
// layers. The TCP layer is nil for packets that carry no TCP header, such as
// later fragments.
func decodeTCP(b []byte, first gopacket.LayerType) (*layers.IPv4, *layers.TCP, error) {
	pkt := gopacket.NewPacket(b, first, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	// A layer that failed to decode is still added to the packet, so the
	// error layer has to be checked first.
	if el := pkt.ErrorLayer(); el != nil {
		if tcp != nil {
			return nil, nil, fmt.Errorf("malformed TCP segment: %v", el.Error())
		}
		return nil, nil, fmt.Errorf("not an IPv4 packet: %v", el.Error())
	}
	if !ok {
		return nil, nil, fmt.Errorf("not an IPv4 packet")
	}
	return ip, tcp, nil
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"},
		{tcp.FIN, "FIN"},
		{tcp.RST, "RST"},
		{tcp.PSH, "PSH"},
		{tcp.ACK, "ACK"},
		{tcp.URG, "URG"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, "|")
}

func tcpOption(o layers.TCPOption) string {
	switch o.OptionType {
	case layers.TCPOptionKindMSS:
		if len(o.OptionData) == 2 {
			return fmt.Sprintf("mss=%d", binary.BigEndian.Uint16(o.OptionData))
		}
	case layers.TCPOptionKindWindowScale:
		if len(o.OptionData) == 1 {
			return fmt.Sprintf("wscale=%d", o.OptionData[0])
		}
	case layers.TCPOptionKindNop:
		return "nop"
	case layers.TCPOptionKindEndList:
		return "eol"
	}
	return fmt.Sprintf("kind=%d data=%x", uint8(o.OptionType), o.OptionData)
}

// summarize returns a one-line description of a TCP packet.
func summarize(b []byte, first gopacket.LayerType) string {
	ip, tcp, err := decodeTCP(b, first)
	if err != nil {
		return err.Error()
	}
	if tcp == nil {
		return fmt.Sprintf("%s > %s fragment off=%d len=%d", ip.SrcIP, ip.DstIP, int(ip.FragOffset)*8, len(ip.Payload))
	}
	var opts []string
	for _, o := range tcp.Options {
		opts = append(opts, tcpOption(o))
	}
	s := fmt.Sprintf("%s:%d > %s:%d [%s] seq=%d ack=%d win=%d len=%d", ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort, tcpFlags(tcp), tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
	if len(opts) > 0 {
		s += " <" + strings.Join(opts, ",") + ">"
	}
	return s
}

// dumpPacket writes every IPv4 and TCP header field of b to w, checking
// both checksums.
func dumpPacket(w io.Writer, b []byte, first gopacket.LayerType) error {
	ip, tcp, err := decodeTCP(b, first)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "IPv4 %s > %s\n", ip.SrcIP, ip.DstIP)
	fmt.Fprintf(w, "  ihl=%d tos=%d length=%d id=%d flags=%s frag=%d ttl=%d proto=%s\n",
		ip.IHL*4, ip.TOS, ip.Length, ip.Id, ip.Flags, int(ip.FragOffset)*8, ip.TTL, ip.Protocol)
	ipHdr := header.IPv4(append(append([]byte(nil), ip.Contents...), ip.Payload...))
	fmt.Fprintf(w, "  checksum=%#04x (%s)\n", ip.Checksum, checksumState(ipHdr.IsChecksumValid()))

	if tcp == nil {
		fmt.Fprintf(w, "  no TCP header, %d bytes of payload\n", len(ip.Payload))
		return nil
	}
	fmt.Fprintf(w, "TCP %d > %d\n", tcp.SrcPort, tcp.DstPort)
	fmt.Fprintf(w, "  seq=%d ack=%d offset=%d flags=%s window=%d urgent=%d\n",
		tcp.Seq, tcp.Ack, int(tcp.DataOffset)*4, tcpFlags(tcp), tcp.Window, tcp.Urgent)
	seg := header.TCP(ip.Payload)
	valid := seg.IsChecksumValid(tcpip.Address(ip.SrcIP.To4()), tcpip.Address(ip.DstIP.To4()))
	fmt.Fprintf(w, "  checksum=%#04x (%s)\n", tcp.Checksum, checksumState(valid))
	for _, o := range tcp.Options {
		fmt.Fprintf(w, "  option %s\n", tcpOption(o))
	}
	if len(tcp.Payload) > 0 {
		fmt.Fprintf(w, "  payload %d bytes: %q\n", len(tcp.Payload), tcp.Payload)
	}
	return nil
}

func checksumState(valid bool) string {
	if valid {
		return "valid"
	}
	return "bad"
}
