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
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/network/ipv4"
	"onyx.dev/netstack/pkg/tcpip/transport/tcp"
)

const (
	// peerISS is the initial sequence number of the scripted peer.
	peerISS = 1000

	// peerWindow is the window the scripted peer advertises.
	peerWindow = 65535
)

// Handshake implements subcommands.Command for the "handshake" command.
type Handshake struct {
	payload string
	port    uint
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Handshake) Name() string {
	return "handshake"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Handshake) Synopsis() string {
	return "connect to a scripted peer, exchange a message and print every frame"
}

// Usage implements subcommands.Command.Usage.
func (*Handshake) Usage() string {
	return `handshake [flags] - open a connection over an in-memory link.

The peer answers the SYN, acknowledges the message sent by the stack and
echoes it back. Every frame crossing the link is printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *Handshake) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.payload, "payload", "hello", "message sent once the connection is established.")
	f.UintVar(&h.port, "port", 80, "port of the scripted peer.")
	f.DurationVar(&h.timeout, "timeout", 5*time.Second, "deadline for the whole exchange.")
}

// Execute implements subcommands.Command.Execute.
func (h *Handshake) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Stack.Peer == "" {
		Fatalf("stack.peer must be set")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	got, err := runHandshake(ctx, conf, uint16(h.port), []byte(h.payload), os.Stdout)
	if err != nil {
		Fatalf("handshake: %v", err)
	}
	fmt.Printf("received %q\n", got)
	return subcommands.ExitSuccess
}

// runHandshake connects a socket on a stack built from conf to a scripted
// peer at port, sends payload and reads the peer's echo. Frames are
// described on w as they cross the link.
func runHandshake(ctx context.Context, conf *config.Config, port uint16, payload []byte, w io.Writer) ([]byte, error) {
	ns, err := newNetStack(conf, nil)
	if err != nil {
		return nil, err
	}
	sock, serr := tcp.NewSocket(ns.stack)
	if serr != nil {
		return nil, fmt.Errorf("creating socket: %v", serr)
	}
	defer sock.Close()

	p := &peer{ns: ns, port: port, w: w}
	peerCtx, stopPeer := context.WithCancel(ctx)
	defer stopPeer()

	var g errgroup.Group
	g.Go(func() error {
		return p.run(peerCtx)
	})

	got, err := exchange(ctx, sock, tcpip.FullAddress{Addr: ns.peer, Port: port}, payload)
	stopPeer()
	if perr := g.Wait(); err == nil {
		err = perr
	}
	p.drain()
	if err != nil {
		return nil, err
	}
	info := sock.Endpoint().Info()
	log.Infof("Connection %s:%d -> %s:%d: %s, snd.una=%d snd.nxt=%d rcv.nxt=%d mss=%d",
		info.ID.LocalAddress, info.ID.LocalPort, info.ID.RemoteAddress, info.ID.RemotePort,
		info.State, info.SndUna, info.SndNxt, info.RcvNxt, info.MSS)
	return got, nil
}

// exchange runs the client side: connect, send payload and read until as
// many bytes came back.
func exchange(ctx context.Context, sock *tcp.Socket, addr tcpip.FullAddress, payload []byte) ([]byte, error) {
	if err := sock.Connect(ctx, addr); err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %v", addr.Addr, addr.Port, err)
	}
	if _, err := sock.SendMsg(ctx, [][]byte{payload}, nil, 0); err != nil {
		return nil, fmt.Errorf("sending: %v", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	buf := make([]byte, len(payload))
	n, _, _, err := sock.RecvMsg(ctx, [][]byte{buf}, unix.MSG_WAITALL)
	if err != nil {
		return nil, fmt.Errorf("receiving: %v", err)
	}
	return buf[:n], nil
}

// peer is the remote end of the link. It answers the stack's SYN, ACKs
// data and echoes it back.
type peer struct {
	ns   *netStack
	port uint16
	w    io.Writer

	// mu serializes output to w.
	mu sync.Mutex

	// nxt is the next sequence number the peer sends.
	nxt uint32
}

func (p *peer) print(dir string, b []byte, first gopacket.LayerType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", dir, summarize(b, first))
}

func (p *peer) run(ctx context.Context) error {
	for {
		pi, ok := p.ns.linkEP.ReadContext(ctx)
		if !ok {
			return nil
		}
		p.print("stack >", pi.Frame, layers.LayerTypeEthernet)

		ip, seg, err := decodeTCP(pi.Payload(), layers.LayerTypeIPv4)
		if err != nil || seg == nil || uint16(seg.DstPort) != p.port {
			log.Debugf("peer: ignoring frame: %v", err)
			continue
		}
		if err := p.handle(ip, seg); err != nil {
			return err
		}
	}
}

// drain describes the frames the peer did not get to read.
func (p *peer) drain() {
	for {
		pi, ok := p.ns.linkEP.Read()
		if !ok {
			return
		}
		p.print("stack >", pi.Frame, layers.LayerTypeEthernet)
	}
}

func (p *peer) handle(ip *layers.IPv4, seg *layers.TCP) error {
	switch {
	case seg.RST:
		return fmt.Errorf("stack reset the connection")
	case seg.SYN && !seg.ACK:
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, uint16(p.ns.linkEP.MTU())-header.EthernetMinimumSize-header.IPv4MinimumSize-header.TCPMinimumSize)
		reply := &layers.TCP{
			SYN:     true,
			ACK:     true,
			Seq:     peerISS,
			Ack:     seg.Seq + 1,
			Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mss}},
		}
		p.nxt = peerISS + 1
		return p.send(ip, seg, reply, nil)
	case len(seg.Payload) > 0:
		ack := seg.Seq + uint32(len(seg.Payload))
		if err := p.send(ip, seg, &layers.TCP{ACK: true, Seq: p.nxt, Ack: ack}, nil); err != nil {
			return err
		}
		echo := append([]byte(nil), seg.Payload...)
		if err := p.send(ip, seg, &layers.TCP{PSH: true, ACK: true, Seq: p.nxt, Ack: ack}, echo); err != nil {
			return err
		}
		p.nxt += uint32(len(echo))
	}
	return nil
}

// send fills in the addressing of reply from the segment it answers and
// injects it into the stack.
func (p *peer) send(ip *layers.IPv4, seg *layers.TCP, reply *layers.TCP, payload []byte) error {
	rip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(ip.DstIP.To4()),
		DstIP:    net.IP(ip.SrcIP.To4()),
	}
	reply.SrcPort = seg.DstPort
	reply.DstPort = seg.SrcPort
	reply.Window = peerWindow
	if err := reply.SetNetworkLayerForChecksum(rip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, rip, reply, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serializing reply: %w", err)
	}
	b := buf.Bytes()
	p.print("peer  >", b, layers.LayerTypeIPv4)

	pkt := buffer.NewPacketFromBytes(b)
	p.ns.linkEP.InjectInbound(ipv4.ProtocolNumber, pkt)
	pkt.DecRef()
	return nil
}
