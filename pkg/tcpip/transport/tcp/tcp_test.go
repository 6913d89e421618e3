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
package tcp_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/checker"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
	"onyx.dev/netstack/pkg/tcpip/transport/tcp"
	testctx "onyx.dev/netstack/pkg/tcpip/transport/tcp/testing/context"
)

const (
	iss = seqnum.Value(testctx.TestInitialSequenceNumber)

	// defaultMSS is the MSS advertised in SYNs sent over a link with the
	// default MTU.
	defaultMSS = testctx.DefaultMTU - header.EthernetMinimumSize - header.IPv4MinimumSize - header.TCPMinimumSize
)

func makePayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// send writes data on the socket under test and fails the test on error.
func send(t *testing.T, c *testctx.Context, data []byte) {
	t.Helper()
	n, err := c.Sock.SendMsg(context.Background(), [][]byte{data}, nil, 0)
	if err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if n != len(data) {
		t.Fatalf("got SendMsg(...) = %d, want = %d", n, len(data))
	}
}

func TestActiveOpen(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	want := tcp.Info{
		State: tcp.StateEstablished,
		ID: stack.TransportEndpointID{
			LocalPort:     c.Port,
			LocalAddress:  testctx.StackAddr,
			RemotePort:    testctx.TestPort,
			RemoteAddress: testctx.TestAddr,
		},
		ISS:    c.IRS,
		SndNxt: c.IRS.Add(1),
		SndUna: c.IRS.Add(1),
		RcvNxt: iss.Add(1),
		SndWnd: 30000,
		MSS:    header.TCPDefaultMSS,
	}
	if diff := cmp.Diff(want, c.EP.Info()); diff != "" {
		t.Errorf("endpoint info mismatch (-want +got):\n%s", diff)
	}

	stats := &c.Stack().Stats().TCP
	if got := stats.ActiveConnectionOpenings.Value(); got != 1 {
		t.Errorf("got ActiveConnectionOpenings = %d, want = 1", got)
	}
	if got := stats.SegmentsSent.Value(); got != 2 {
		t.Errorf("got SegmentsSent = %d, want = 2", got)
	}

	peer, err := c.Sock.GetPeerName()
	if err != nil {
		t.Fatalf("GetPeerName failed: %v", err)
	}
	if peer.Addr != testctx.TestAddr || peer.Port != testctx.TestPort {
		t.Errorf("got GetPeerName() = %+v, want = %s:%d", peer, testctx.TestAddr, testctx.TestPort)
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed after the handshake, want = 0", c.Clock.Pending())
	}
}

func TestActiveOpenPeerOptions(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	// MSS 1400, NOP, window scale 2.
	opts := []byte{header.TCPOptionMSS, 4, 0x05, 0x78, header.TCPOptionNOP, header.TCPOptionWS, 3, 2}
	c.CreateConnected(iss, 1000, opts)

	info := c.EP.Info()
	if info.MSS != 1400 {
		t.Errorf("got MSS = %d, want = 1400", info.MSS)
	}
	// The window in a SYN is never scaled.
	if info.SndWnd != 1000 {
		t.Errorf("got SndWnd = %d, want = 1000", info.SndWnd)
	}
	v, err := c.Sock.GetSockOpt(unix.SOL_TCP, unix.TCP_MAXSEG)
	if err != nil {
		t.Fatalf("GetSockOpt(TCP_MAXSEG) failed: %v", err)
	}
	if v != 1400 {
		t.Errorf("got TCP_MAXSEG = %d, want = 1400", v)
	}

	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss.Add(1),
		AckNum:  c.IRS.Add(1),
		RcvWnd:  100,
	})
	if got := c.EP.Info().SndWnd; got != 400 {
		t.Errorf("got SndWnd = %d after a scaled window update, want = 400", got)
	}
}

func TestSynOptionsDecodedIndependently(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	syn, done := c.Connect(context.Background())
	defer func() {
		c.Sock.Close()
		c.Sock = nil
		<-done
	}()

	pkt := gopacket.NewPacket(syn, layers.LayerTypeIPv4, gopacket.Default)
	l, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatalf("no TCP layer in %x", syn)
	}
	if !l.SYN || l.ACK || l.RST || l.PSH || l.FIN {
		t.Errorf("got flags SYN=%t ACK=%t RST=%t PSH=%t FIN=%t, want only SYN", l.SYN, l.ACK, l.RST, l.PSH, l.FIN)
	}
	if got, want := seqnum.Value(l.Seq), c.IRS; got != want {
		t.Errorf("got seq = %d, want = %d", got, want)
	}
	if l.Window != uint16(header.TCPMaximumWindow) {
		t.Errorf("got window = %d, want = %d", l.Window, header.TCPMaximumWindow)
	}
	if len(l.Options) != 1 || l.Options[0].OptionType != layers.TCPOptionKindMSS {
		t.Fatalf("got options %v, want a single MSS option", l.Options)
	}
	if got := binary.BigEndian.Uint16(l.Options[0].OptionData); got != defaultMSS {
		t.Errorf("got MSS = %d, want = %d", got, defaultMSS)
	}
	tcpBytes := header.IPv4(syn).Payload()
	if !header.TCP(tcpBytes).IsChecksumValid(testctx.StackAddr, testctx.TestAddr) {
		t.Errorf("SYN checksum does not verify: %x", tcpBytes)
	}
}

func TestSendData(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	data := makePayload(100)
	send(t, c, data)

	checker.IPv4(t, c.GetPacket(),
		checker.PayloadLen(len(data)+header.TCPMinimumSize),
		checker.TTL(header.IPv4DefaultTTL),
		checker.TCP(
			checker.SrcPort(c.Port),
			checker.DstPort(testctx.TestPort),
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPAckNum(uint32(iss)+1),
			checker.TCPFlags(header.TCPFlagPsh|header.TCPFlagAck),
			checker.TCPNoOptions(),
			checker.Payload(data),
		),
	)
	c.CheckNoPacket("more than one segment sent for a single write")

	info := c.EP.Info()
	if got, want := info.SndNxt, c.IRS.Add(101); got != want {
		t.Errorf("got SndNxt = %d, want = %d", got, want)
	}
	if info.Pending != 1 {
		t.Fatalf("got %d pending segments, want = 1", info.Pending)
	}

	c.SendAck(iss.Add(1), len(data))
	info = c.EP.Info()
	if info.Pending != 0 {
		t.Errorf("got %d pending segments after the ACK, want = 0", info.Pending)
	}
	if got, want := info.SndUna, c.IRS.Add(101); got != want {
		t.Errorf("got SndUna = %d, want = %d", got, want)
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed after the ACK, want = 0", c.Clock.Pending())
	}
}

func TestPartialAckKeepsLaterSegments(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	send(t, c, makePayload(10))
	send(t, c, makePayload(20))
	c.GetPacket()
	c.GetPacket()

	// Acknowledge the first segment and half of the second.
	c.SendAck(iss.Add(1), 20)

	ps := c.EP.PendingSegments()
	if len(ps) != 1 {
		t.Fatalf("got %d pending segments, want = 1", len(ps))
	}
	seq, size := ps[0].Range()
	if got, want := seq, c.IRS.Add(11); got != want {
		t.Errorf("got pending seq = %d, want = %d", got, want)
	}
	if size != 20 {
		t.Errorf("got pending size = %d, want = 20", size)
	}
	if got, want := c.EP.Info().SndUna, c.IRS.Add(21); got != want {
		t.Errorf("got SndUna = %d, want = %d", got, want)
	}

	// An old ACK never moves SndUna back.
	c.SendAck(iss.Add(1), 0)
	if got, want := c.EP.Info().SndUna, c.IRS.Add(21); got != want {
		t.Errorf("got SndUna = %d after an old ACK, want = %d", got, want)
	}
}

func TestResetWakesPendingSegments(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	send(t, c, makePayload(10))
	send(t, c, makePayload(20))
	c.GetPacket()
	c.GetPacket()

	ps := c.EP.PendingSegments()
	if len(ps) != 2 {
		t.Fatalf("got %d pending segments, want = 2", len(ps))
	}
	results := make(chan int, len(ps))
	for _, p := range ps {
		go func() {
			results <- int(p.Wait(context.Background()))
		}()
	}

	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagRst,
		SeqNum:  iss.Add(1),
		RcvWnd:  30000,
	})

	for range ps {
		select {
		case got := <-results:
			if got != int(tcp.OutcomeReset) {
				t.Errorf("got outcome = %d, want = %d", got, tcp.OutcomeReset)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("pending segment waiter was not woken")
		}
	}
	if n := len(c.EP.PendingSegments()); n != 0 {
		t.Errorf("got %d pending segments after reset, want = 0", n)
	}
	for i, p := range ps {
		if got := p.PacketRefs(); got != 0 {
			t.Errorf("segment %d: got packet refs = %d, want = 0", i, got)
		}
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed after reset, want = 0", c.Clock.Pending())
	}
	if got := c.Stack().Stats().TCP.ResetsReceived.Value(); got != 1 {
		t.Errorf("got ResetsReceived = %d, want = 1", got)
	}

	// The reset is reported once through SO_ERROR.
	v, err := c.Sock.GetSockOpt(unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		t.Fatalf("GetSockOpt(SO_ERROR) failed: %v", err)
	}
	if v != int32(unix.ECONNRESET) {
		t.Errorf("got SO_ERROR = %d, want = %d", v, unix.ECONNRESET)
	}
	if v, _ := c.Sock.GetSockOpt(unix.SOL_SOCKET, unix.SO_ERROR); v != 0 {
		t.Errorf("got SO_ERROR = %d on second read, want = 0", v)
	}

	// Then reads see end of stream.
	n, _, _, rerr := c.Sock.RecvMsg(context.Background(), [][]byte{make([]byte, 10)}, 0)
	if rerr != nil || n != 0 {
		t.Errorf("got RecvMsg(...) = %d, %v, want = 0, nil", n, rerr)
	}
}

func TestResetReportedByRead(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagRst | header.TCPFlagAck,
		SeqNum:  iss.Add(1),
		AckNum:  c.IRS.Add(1),
	})

	_, _, _, err := c.Sock.RecvMsg(context.Background(), [][]byte{make([]byte, 10)}, 0)
	if err == nil || err.Errno() != unix.ECONNRESET {
		t.Fatalf("got RecvMsg(...) error = %v, want = ECONNRESET", err)
	}
	if v, _ := c.Sock.GetSockOpt(unix.SOL_SOCKET, unix.SO_ERROR); v != 0 {
		t.Errorf("got SO_ERROR = %d after read reported the reset, want = 0", v)
	}
}

func TestReceiveInOrder(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	data := makePayload(50)
	c.SendPacket(data, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss.Add(1),
		AckNum:  c.IRS.Add(1),
		RcvWnd:  30000,
	})

	checker.IPv4(t, c.GetPacket(),
		checker.PayloadLen(header.TCPMinimumSize),
		checker.TCP(
			checker.DstPort(testctx.TestPort),
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPAckNum(uint32(iss)+1+uint32(len(data))),
			checker.TCPFlags(header.TCPFlagAck),
			checker.TCPWindow(header.TCPMaximumWindow),
		),
	)
	c.CheckNoPacket("more than one ACK sent for a single segment")

	in := c.Sock.Base().InBand
	if in.Len() != 1 {
		t.Fatalf("got %d queued records, want = 1", in.Len())
	}

	// A partial read leaves the record queued.
	buf := make([]byte, 20)
	n, _, from, err := c.Sock.RecvMsg(context.Background(), [][]byte{buf}, 0)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if n != 20 || !bytes.Equal(buf, data[:20]) {
		t.Errorf("got RecvMsg(...) = %d, %x, want = 20, %x", n, buf, data[:20])
	}
	if from.Addr != testctx.TestAddr || from.Port != testctx.TestPort {
		t.Errorf("got sender = %+v, want = %s:%d", from, testctx.TestAddr, testctx.TestPort)
	}
	if in.Len() != 1 {
		t.Errorf("got %d queued records after a partial read, want = 1", in.Len())
	}

	buf = make([]byte, 100)
	n, _, _, err = c.Sock.RecvMsg(context.Background(), [][]byte{buf}, 0)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if diff := cmp.Diff(data[20:], buf[:n]); diff != "" {
		t.Errorf("read data mismatch (-want +got):\n%s", diff)
	}
	if in.Len() != 0 {
		t.Errorf("got %d queued records after reading everything, want = 0", in.Len())
	}
}

func TestReceiveAppendsSegments(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	data := makePayload(30)
	seq := iss.Add(1)
	for _, chunk := range [][]byte{data[:10], data[10:]} {
		c.SendPacket(chunk, &testctx.Headers{
			SrcPort: testctx.TestPort,
			DstPort: c.Port,
			Flags:   header.TCPFlagAck | header.TCPFlagPsh,
			SeqNum:  seq,
			AckNum:  c.IRS.Add(1),
			RcvWnd:  30000,
		})
		seq = seq.Add(seqnum.Size(len(chunk)))
		checker.IPv4(t, c.GetPacket(), checker.TCP(
			checker.TCPFlags(header.TCPFlagAck),
			checker.TCPAckNum(uint32(seq)),
		))
	}

	buf := make([]byte, 64)
	n, _, _, err := c.Sock.RecvMsg(context.Background(), [][]byte{buf}, unix.MSG_PEEK)
	if err != nil {
		t.Fatalf("RecvMsg(MSG_PEEK) failed: %v", err)
	}
	if diff := cmp.Diff(data, buf[:n]); diff != "" {
		t.Errorf("peeked data mismatch (-want +got):\n%s", diff)
	}
	n, _, _, err = c.Sock.RecvMsg(context.Background(), [][]byte{buf}, 0)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if diff := cmp.Diff(data, buf[:n]); diff != "" {
		t.Errorf("read data mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.EP.Info().RcvNxt, seq; got != want {
		t.Errorf("got RcvNxt = %d, want = %d", got, want)
	}
}

func TestReceiveFin(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	data := makePayload(5)
	c.SendPacket(data, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck | header.TCPFlagFin,
		SeqNum:  iss.Add(1),
		AckNum:  c.IRS.Add(1),
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(), checker.TCP(
		checker.TCPFlags(header.TCPFlagAck),
		checker.TCPAckNum(uint32(iss)+1+uint32(len(data))+1),
	))

	buf := make([]byte, 10)
	n, _, _, err := c.Sock.RecvMsg(context.Background(), [][]byte{buf}, 0)
	if err != nil || n != len(data) {
		t.Fatalf("got RecvMsg(...) = %d, %v, want = %d, nil", n, err, len(data))
	}
	n, _, _, err = c.Sock.RecvMsg(context.Background(), [][]byte{buf}, 0)
	if err != nil || n != 0 {
		t.Errorf("got RecvMsg(...) = %d, %v at end of stream, want = 0, nil", n, err)
	}
}

func TestRetransmitBackoff(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)

	data := makePayload(10)
	send(t, c, data)
	first := c.GetPacket()
	sndNxt := c.EP.Info().SndNxt

	for i, d := range []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond} {
		c.Clock.Advance(d - time.Millisecond)
		c.CheckNoPacket("retransmitted early")
		c.Clock.Advance(time.Millisecond)

		b := c.GetPacket()
		checker.IPv4(t, b, checker.TCP(
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPFlags(header.TCPFlagPsh|header.TCPFlagAck),
			checker.Payload(data),
		))
		if diff := cmp.Diff(header.IPv4(first).Payload(), header.IPv4(b).Payload()); diff != "" {
			t.Errorf("retransmission %d differs from the original (-want +got):\n%s", i+1, diff)
		}
		if got := c.EP.Info().SndNxt; got != sndNxt {
			t.Errorf("got SndNxt = %d after retransmission %d, want = %d", got, i+1, sndNxt)
		}
	}
	if got := c.Stack().Stats().TCP.Retransmits.Value(); got != 3 {
		t.Errorf("got Retransmits = %d, want = 3", got)
	}

	c.SendAck(iss.Add(1), len(data))
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed after the ACK, want = 0", c.Clock.Pending())
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	cfg := config.Default().TCP
	cfg.MaxRetries = 2
	c := testctx.NewWithOpts(t, testctx.Options{TCP: &cfg})
	defer c.Cleanup()

	_, done := c.Connect(context.Background())
	c.WaitForTimers(1)

	c.Clock.Advance(200 * time.Millisecond)
	checker.IPv4(t, c.GetPacket(), checker.TCP(
		checker.TCPFlags(header.TCPFlagSyn),
		checker.TCPSeqNum(uint32(c.IRS)),
	))
	c.Clock.Advance(400 * time.Millisecond)
	c.GetPacket()
	c.Clock.Advance(800 * time.Millisecond)
	c.CheckNoPacket("retransmitted past the retry limit")

	if err := <-done; err != tcpip.ErrTimeout {
		t.Fatalf("got Connect(...) = %v, want = %v", err, tcpip.ErrTimeout)
	}
	if got := c.EP.State(); got != tcp.StateClosed {
		t.Errorf("got State() = %s, want = %s", got, tcp.StateClosed)
	}
	stats := &c.Stack().Stats().TCP
	if got := stats.Timeouts.Value(); got != 1 {
		t.Errorf("got Timeouts = %d, want = 1", got)
	}
	if got := stats.FailedConnectionAttempts.Value(); got != 1 {
		t.Errorf("got FailedConnectionAttempts = %d, want = 1", got)
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed, want = 0", c.Clock.Pending())
	}
}

func TestConnectReset(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	_, done := c.Connect(context.Background())
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagRst | header.TCPFlagAck,
		AckNum:  c.IRS.Add(1),
	})
	if err := <-done; err != tcpip.ErrConnectionReset {
		t.Fatalf("got Connect(...) = %v, want = %v", err, tcpip.ErrConnectionReset)
	}
	if got := c.EP.HardError(); got != tcpip.ErrConnectionReset {
		t.Errorf("got HardError() = %v, want = %v", got, tcpip.ErrConnectionReset)
	}

	// The endpoint can connect again.
	c.CreateConnected(iss, 30000, nil)
}

func TestConnectInterrupted(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	_, done := c.Connect(ctx)
	cancel()

	if err := <-done; err != tcpip.ErrInterrupted {
		t.Fatalf("got Connect(...) = %v, want = %v", err, tcpip.ErrInterrupted)
	}
	if n := len(c.EP.PendingSegments()); n != 0 {
		t.Errorf("got %d pending segments, want = 0", n)
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed, want = 0", c.Clock.Pending())
	}
	if _, err := c.Sock.GetPeerName(); err == nil || err.Errno() != unix.ENOTCONN {
		t.Errorf("got GetPeerName() error = %v, want = ENOTCONN", err)
	}
}

func TestSynAckMalformedOptions(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	_, done := c.Connect(context.Background())
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS.Add(1),
		RcvWnd:  30000,
		// An MSS option one byte short.
		TCPOpts: []byte{header.TCPOptionMSS, 3, 0x05, header.TCPOptionNOP},
	})
	if err := <-done; err != tcpip.ErrMalformedHeader {
		t.Fatalf("got Connect(...) = %v, want = %v", err, tcpip.ErrMalformedHeader)
	}
	c.CheckNoPacket("ACK sent for a malformed SYN-ACK")
	if got := c.EP.State(); got != tcp.StateClosed {
		t.Errorf("got State() = %s, want = %s", got, tcp.StateClosed)
	}
}

func TestSynAckWrongAckIgnored(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	_, done := c.Connect(context.Background())
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS.Add(5),
		RcvWnd:  30000,
	})
	c.CheckNoPacket("reply sent to a SYN-ACK for another SYN")
	if got := c.EP.State(); got != tcp.StateSynSent {
		t.Errorf("got State() = %s, want = %s", got, tcp.StateSynSent)
	}

	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS.Add(1),
		RcvWnd:  30000,
	})
	c.GetPacket()
	if err := <-done; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestBadChecksumDropped(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)
	stats := &c.Stack().Stats().TCP
	valid := stats.ValidSegmentsReceived.Value()

	b := c.BuildSegment(makePayload(10), &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss.Add(1),
		AckNum:  c.IRS.Add(1),
		RcvWnd:  30000,
	})
	b[header.IPv4MinimumSize+header.TCPChecksumOffset] ^= 0xff
	c.SendSegment(b)

	c.CheckNoPacket("ACK sent for a corrupted segment")
	if got := stats.ChecksumErrors.Value(); got != 1 {
		t.Errorf("got ChecksumErrors = %d, want = 1", got)
	}
	if got := stats.ValidSegmentsReceived.Value(); got != valid {
		t.Errorf("got ValidSegmentsReceived = %d, want = %d", got, valid)
	}
	if n := c.Sock.Base().InBand.Len(); n != 0 {
		t.Errorf("got %d queued records, want = 0", n)
	}
}

func TestMalformedDataOffsetDropped(t *testing.T) {
	for _, tc := range []struct {
		name string
		// words is the data offset in 32-bit words.
		words uint8
	}{
		{"BelowMinimumHeader", header.TCPMinimumSize/4 - 1},
		{"PastSegmentEnd", header.TCPMinimumSize/4 + 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := testctx.New(t, testctx.DefaultMTU)
			defer c.Cleanup()

			c.CreateConnected(iss, 30000, nil)
			stats := c.Stack().Stats()

			// The segment is 24 bytes long, so an offset of 7 words runs
			// past its end.
			for i, port := range []uint16{c.Port, testctx.StackPort} {
				b := c.BuildSegment(makePayload(4), &testctx.Headers{
					SrcPort: testctx.TestPort,
					DstPort: port,
					Flags:   header.TCPFlagAck,
					SeqNum:  iss.Add(1),
					AckNum:  c.IRS.Add(1),
					RcvWnd:  30000,
				})
				b[header.IPv4MinimumSize+header.TCPDataOffset] = tc.words << 4
				c.SendSegment(b)

				c.CheckNoPacket("reply sent for a segment with a bad data offset")
				if got, want := stats.MalformedRcvdPackets.Value(), uint64(i+1); got != want {
					t.Errorf("got MalformedRcvdPackets = %d, want = %d", got, want)
				}
				if got, want := stats.TCP.InvalidSegmentsReceived.Value(), uint64(i+1); got != want {
					t.Errorf("got InvalidSegmentsReceived = %d, want = %d", got, want)
				}
			}
			if got := stats.TCP.ResetsSent.Value(); got != 0 {
				t.Errorf("got ResetsSent = %d, want = 0", got)
			}
			if n := c.Sock.Base().InBand.Len(); n != 0 {
				t.Errorf("got %d queued records, want = 0", n)
			}
		})
	}
}

func TestUnknownDestinationReset(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: testctx.StackPort,
		Flags:   header.TCPFlagAck,
		SeqNum:  100,
		AckNum:  200,
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(), checker.TCP(
		checker.SrcPort(testctx.StackPort),
		checker.DstPort(testctx.TestPort),
		checker.TCPFlags(header.TCPFlagRst),
		checker.TCPNoOptions(),
	))
	if got := c.Stack().Stats().TCP.ResetsSent.Value(); got != 1 {
		t.Errorf("got ResetsSent = %d, want = 1", got)
	}

	// A reset is never answered with a reset.
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: testctx.StackPort,
		Flags:   header.TCPFlagRst,
		SeqNum:  100,
	})
	c.CheckNoPacket("reset sent in reply to a reset")
}

func TestUnknownDestinationResetRateLimited(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	// Allow a single reset, never refilled.
	c.Stack().SetResetLimit(0)
	for i := 0; i < 3; i++ {
		c.SendPacket(nil, &testctx.Headers{
			SrcPort: testctx.TestPort,
			DstPort: testctx.StackPort,
			Flags:   header.TCPFlagSyn,
			SeqNum:  100,
		})
	}
	if got := c.Stack().Stats().TCP.ResetsSent.Value(); got > 1 {
		t.Errorf("got ResetsSent = %d with a zero reset limit, want <= 1", got)
	}
	c.LinkEP().Drain()
}

func TestChecksumOffload(t *testing.T) {
	c := testctx.NewWithOpts(t, testctx.Options{Capabilities: stack.CapabilityTXChecksumOffload})
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)
	data := makePayload(100)
	send(t, c, data)

	b := c.GetPacket()
	checker.IPv4(t, b, checker.TCP(checker.Payload(data)))
	if !header.TCP(header.IPv4(b).Payload()).IsChecksumValid(testctx.StackAddr, testctx.TestAddr) {
		t.Errorf("offloaded checksum does not verify")
	}

	// Retransmissions go out with a valid checksum too.
	c.Clock.Advance(200 * time.Millisecond)
	b = c.GetPacket()
	if !header.TCP(header.IPv4(b).Payload()).IsChecksumValid(testctx.StackAddr, testctx.TestAddr) {
		t.Errorf("retransmitted checksum does not verify")
	}
}

func TestFragmentedSegment(t *testing.T) {
	const mtu = 100
	c := testctx.NewWithOpts(t, testctx.Options{MTU: mtu, Capabilities: stack.CapabilityTXChecksumOffload})
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)
	data := makePayload(100)
	send(t, c, data)

	// 120 bytes of segment go out in fragments of 80 and 40 bytes.
	first := c.GetPacket()
	checker.IPv4(t, first,
		checker.FragmentFlags(header.IPv4FlagMoreFragments),
		checker.FragmentOffset(0),
		checker.PayloadLen(80),
	)
	second := c.GetPacket()
	checker.IPv4(t, second,
		checker.FragmentFlags(0),
		checker.FragmentOffset(80),
		checker.PayloadLen(40),
	)
	c.CheckNoPacket("extra fragment sent")

	seg := header.TCP(append(append([]byte(nil), header.IPv4(first).Payload()...), header.IPv4(second).Payload()...))
	if !seg.IsChecksumValid(testctx.StackAddr, testctx.TestAddr) {
		t.Errorf("checksum of reassembled segment does not verify")
	}
	if diff := cmp.Diff(data, seg.Payload()); diff != "" {
		t.Errorf("reassembled payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSendErrors(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateEndpoint()
	ctx := context.Background()
	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(1)}, nil, 0); err == nil || err.Errno() != unix.ENOTCONN {
		t.Errorf("got SendMsg(...) error = %v before connect, want = ENOTCONN", err)
	}

	c.CreateConnected(iss, 30000, nil)

	to := &tcpip.FullAddress{Addr: testctx.TestAddr, Port: testctx.TestPort}
	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(1)}, to, 0); err == nil || err.Errno() != unix.EISCONN {
		t.Errorf("got SendMsg(...) error = %v with a destination, want = EISCONN", err)
	}
	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(65536)}, nil, 0); err == nil || err.Errno() != unix.EINVAL {
		t.Errorf("got SendMsg(...) error = %v for an oversized message, want = EINVAL", err)
	}
	if n, err := c.Sock.SendMsg(ctx, nil, nil, 0); n != 0 || err != nil {
		t.Errorf("got SendMsg(...) = %d, %v for an empty message, want = 0, nil", n, err)
	}
	c.CheckNoPacket("segment sent for a failed or empty send")

	if err := c.Sock.Shutdown(unix.SHUT_WR); err != nil {
		t.Fatalf("Shutdown(SHUT_WR) failed: %v", err)
	}
	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(1)}, nil, 0); err == nil || err.Errno() != unix.EPIPE {
		t.Errorf("got SendMsg(...) error = %v after SHUT_WR, want = EPIPE", err)
	}
	if err := c.Sock.Shutdown(42); err == nil || err.Errno() != unix.EINVAL {
		t.Errorf("got Shutdown(42) = %v, want = EINVAL", err)
	}
}

// largestSend is the largest payload that fits in one IPv4 datagram together
// with the TCP and IPv4 headers.
const largestSend = 0xffff - header.IPv4MinimumSize - header.TCPMinimumSize

func TestLargestSend(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)
	ctx := context.Background()

	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(largestSend + 1)}, nil, 0); err == nil || err.Errno() != unix.EINVAL {
		t.Errorf("got SendMsg(...) error = %v for %d bytes, want = EINVAL", err, largestSend+1)
	}
	c.CheckNoPacket("segment sent for an oversized message")
	if got, want := c.EP.Info().SndNxt, c.IRS.Add(1); got != want {
		t.Errorf("got SndNxt = %d after a rejected send, want = %d", got, want)
	}

	send(t, c, makePayload(largestSend))
	// The IPv4 payload is split on the link MTU.
	ipPayload := largestSend + header.TCPMinimumSize
	perFragment := (testctx.DefaultMTU - header.IPv4MinimumSize) &^ 7
	if got, want := c.LinkEP().Drain(), (ipPayload+perFragment-1)/perFragment; got != want {
		t.Errorf("got %d fragments, want = %d", got, want)
	}
	info := c.EP.Info()
	if got, want := info.SndNxt, c.IRS.Add(1+largestSend); got != want {
		t.Errorf("got SndNxt = %d, want = %d", got, want)
	}
	if info.Pending != 1 {
		t.Errorf("got %d pending segments, want = 1", info.Pending)
	}
	if got, err := c.Sock.GetSockOpt(unix.SOL_SOCKET, unix.SO_ERROR); err != nil || got != 0 {
		t.Errorf("got GetSockOpt(SO_ERROR) = %d, %v, want = 0, nil", got, err)
	}
}

func TestFailedSendKeepsSndNxt(t *testing.T) {
	// Every fragment of a largest send takes a slot in the link queue, so
	// the queue fills up during the second one.
	const mtu = 100
	c := testctx.New(t, mtu)
	defer c.Cleanup()

	c.CreateConnected(iss, 30000, nil)
	ctx := context.Background()

	send(t, c, makePayload(largestSend))
	sndNxt := c.EP.Info().SndNxt

	if _, err := c.Sock.SendMsg(ctx, [][]byte{makePayload(largestSend)}, nil, 0); err == nil || err.Errno() != unix.ENOBUFS {
		t.Fatalf("got SendMsg(...) error = %v with a full link queue, want = ENOBUFS", err)
	}
	info := c.EP.Info()
	if info.SndNxt != sndNxt {
		t.Errorf("got SndNxt = %d after a failed send, want = %d", info.SndNxt, sndNxt)
	}
	if info.Pending != 1 {
		t.Errorf("got %d pending segments after a failed send, want = 1", info.Pending)
	}
	if got, err := c.Sock.GetSockOpt(unix.SOL_SOCKET, unix.SO_ERROR); err != nil || got != 0 {
		t.Errorf("got GetSockOpt(SO_ERROR) = %d, %v, want = 0, nil", got, err)
	}

	c.LinkEP().Drain()
	data := makePayload(10)
	send(t, c, data)
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.TCPSeqNum(uint32(sndNxt)),
			checker.TCPFlags(header.TCPFlagPsh|header.TCPFlagAck),
			checker.Payload(data),
		),
	)
}

func TestSocketOptions(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateEndpoint()
	for _, tc := range []struct {
		name  string
		level int
		opt   int
		want  int32
	}{
		{"SO_TYPE", unix.SOL_SOCKET, unix.SO_TYPE, unix.SOCK_STREAM},
		{"SO_DOMAIN", unix.SOL_SOCKET, unix.SO_DOMAIN, unix.AF_INET},
		{"SO_PROTOCOL", unix.SOL_SOCKET, unix.SO_PROTOCOL, unix.IPPROTO_TCP},
		{"SO_ERROR", unix.SOL_SOCKET, unix.SO_ERROR, 0},
		{"SO_ACCEPTCONN", unix.SOL_SOCKET, unix.SO_ACCEPTCONN, 0},
		{"TCP_MAXSEG", unix.SOL_TCP, unix.TCP_MAXSEG, header.TCPDefaultMSS},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Sock.GetSockOpt(tc.level, tc.opt)
			if err != nil {
				t.Fatalf("GetSockOpt failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("got GetSockOpt(...) = %d, want = %d", got, tc.want)
			}
		})
	}

	if _, err := c.Sock.GetSockOpt(unix.SOL_TCP, unix.TCP_NODELAY); err == nil || err.Errno() != unix.ENOPROTOOPT {
		t.Errorf("got GetSockOpt(TCP_NODELAY) error = %v, want = ENOPROTOOPT", err)
	}
	if err := c.Sock.SetSockOpt(unix.SOL_TCP, unix.TCP_NODELAY, []byte{1, 0, 0, 0}); err == nil || err.Errno() != unix.ENOPROTOOPT {
		t.Errorf("got SetSockOpt(TCP_NODELAY) = %v, want = ENOPROTOOPT", err)
	}
}

func TestBindAndListen(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)
	defer c.Cleanup()

	c.CreateEndpoint()
	ctx := context.Background()
	if err := c.Sock.Bind(ctx, tcpip.FullAddress{Addr: "\x0a\x00\x00\x09", Port: testctx.StackPort}); err == nil || err.Errno() != unix.EADDRNOTAVAIL {
		t.Errorf("got Bind(...) to a foreign address = %v, want = EADDRNOTAVAIL", err)
	}
	if err := c.Sock.Bind(ctx, tcpip.FullAddress{Addr: testctx.StackAddr, Port: testctx.StackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := c.Sock.Bind(ctx, tcpip.FullAddress{Port: testctx.StackPort + 1}); err == nil || err.Errno() != unix.EINVAL {
		t.Errorf("got second Bind(...) = %v, want = EINVAL", err)
	}

	other, err := tcp.NewSocket(c.Stack())
	if err != nil {
		t.Fatalf("NewSocket failed: %v", err)
	}
	if err := other.Bind(ctx, tcpip.FullAddress{Addr: testctx.StackAddr, Port: testctx.StackPort}); err == nil || err.Errno() != unix.EADDRINUSE {
		t.Errorf("got Bind(...) to a used port = %v, want = EADDRINUSE", err)
	}
	other.Close()

	if err := c.Sock.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if got := c.EP.State(); got != tcp.StateListen {
		t.Errorf("got State() = %s, want = %s", got, tcp.StateListen)
	}

	// SYNs to a listener are neither answered nor reset.
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: testctx.StackPort,
		Flags:   header.TCPFlagSyn,
		SeqNum:  iss,
		RcvWnd:  30000,
	})
	c.CheckNoPacket("reply sent to a SYN for a listener")

	if err := c.Sock.Connect(ctx, tcpip.FullAddress{Addr: testctx.TestAddr, Port: testctx.TestPort}); err == nil || err.Errno() != unix.EINVAL {
		t.Errorf("got Connect(...) on a listener = %v, want = EINVAL", err)
	}
}

func TestCloseReleasesEndpoint(t *testing.T) {
	c := testctx.New(t, testctx.DefaultMTU)

	c.CreateConnected(iss, 30000, nil)
	send(t, c, makePayload(10))
	c.GetPacket()

	ep, port := c.EP, c.Port
	ps := ep.PendingSegments()
	c.Cleanup()

	if got := ep.Refs(); got != 0 {
		t.Errorf("got endpoint refs = %d after close, want = 0", got)
	}
	if got := ps[0].Outcome(); got != tcp.OutcomeAborted {
		t.Errorf("got outcome = %d, want = %d", got, tcp.OutcomeAborted)
	}
	if c.Clock.Pending() != 0 {
		t.Errorf("got %d timers armed after close, want = 0", c.Clock.Pending())
	}

	// Segments for the closed connection are answered with a reset.
	c.SendPacket(nil, &testctx.Headers{
		SrcPort: testctx.TestPort,
		DstPort: port,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss.Add(1),
		AckNum:  200,
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(), checker.TCP(
		checker.SrcPort(port),
		checker.TCPFlags(header.TCPFlagRst),
	))
}
