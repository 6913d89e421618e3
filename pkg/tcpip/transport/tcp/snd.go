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
package tcp

import (
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
)

// tcpFields is a struct to carry different parameters required by the
// buildTCPHdr function.
type tcpFields struct {
	id     stack.TransportEndpointID
	flags  header.TCPFlags
	seq    seqnum.Value
	ack    seqnum.Value
	rcvWnd uint16
	opts   []header.TCPOption
}

// buildTCPHdr prepends the TCP header described by tf to pkt and fills in its
// checksum. When the NIC offloads checksums and the segment fits in one IP
// packet, only the pseudo-header sum is stored and the device completes it.
func buildTCPHdr(r *stack.Route, tf *tcpFields, pkt *buffer.Packet) *tcpip.Error {
	optLen := header.TCPOptionsSize(tf.opts)
	if optLen > header.TCPOptionsMaximumSize {
		return tcpip.ErrNoBufferSpace
	}
	hdrLen := header.TCPMinimumSize + optLen
	b := pkt.Prepend(hdrLen)
	if b == nil {
		return tcpip.ErrNoBufferSpace
	}
	h := header.TCP(b)
	h.Encode(&header.TCPFields{
		SrcPort:    tf.id.LocalPort,
		DstPort:    tf.id.RemotePort,
		SeqNum:     uint32(tf.seq),
		AckNum:     uint32(tf.ack),
		DataOffset: uint8(hdrLen),
		Flags:      tf.flags,
		WindowSize: tf.rcvWnd,
	})
	header.SerializeTCPOptions(tf.opts, h[header.TCPMinimumSize:])

	seg := header.TCP(pkt.Bytes())
	xsum := r.PseudoHeaderChecksum(ProtocolNumber, uint16(pkt.Size()))
	if r.Capabilities()&stack.CapabilityTXChecksumOffload != 0 && !r.RequiresFragmentation(pkt.Size()) {
		seg.SetChecksum(xsum)
		pkt.SetChecksumOffload(header.TCPChecksumOffset)
	} else {
		seg.SetChecksum(^seg.CalculateChecksum(xsum))
	}
	return nil
}

// sendTCP hands a built segment to the network layer and accounts for it.
// The packet is left at its TCP header so it can be sent again.
func sendTCP(r *stack.Route, pkt *buffer.Packet, flags header.TCPFlags) *tcpip.Error {
	stats := r.Stats()
	if err := r.WritePacket(pkt, stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: r.DefaultTTL()}); err != nil {
		stats.TCP.SegmentSendErrors.Increment()
		return err
	}
	stats.TCP.SegmentsSent.Increment()
	if flags.Contains(header.TCPFlagRst) {
		stats.TCP.ResetsSent.Increment()
	}
	return nil
}

// buildSegment builds the next segment of the connection carrying payload.
// The acknowledgement field is only filled in when flags has ACK set. On
// success sndNxt advances by the segment's logical length.
//
// +checklocks:e.segMu
func (e *Endpoint) buildSegment(payload []byte, flags header.TCPFlags, opts []header.TCPOption) (*buffer.Packet, seqnum.Value, seqnum.Size, *tcpip.Error) {
	r := e.route
	pkt := buffer.NewPacket(int(r.MaxHeaderLength())+header.TCPHeaderMaximumSize, payload)
	tf := tcpFields{
		id:     e.id,
		flags:  flags,
		seq:    e.sndNxt,
		rcvWnd: uint16(e.rcvWnd >> e.rcvWndScale),
		opts:   opts,
	}
	if flags.Contains(header.TCPFlagAck) {
		tf.ack = e.rcvNxt
	}
	if err := buildTCPHdr(r, &tf, pkt); err != nil {
		pkt.DecRef()
		return nil, 0, 0, err
	}

	seq := e.sndNxt
	size := seqnum.Size(len(payload))
	if flags.Contains(header.TCPFlagSyn) {
		size++
	}
	if flags.Contains(header.TCPFlagFin) {
		size++
	}
	e.sndNxt = e.sndNxt.Add(size)

	if log.IsLogging(log.Debug) {
		log.Debugf("tcp: %s:%d -> %s:%d %s seq=%d ack=%d len=%d", e.id.LocalAddress, e.id.LocalPort, e.id.RemoteAddress, e.id.RemotePort, flags, seq, tf.ack, len(payload))
	}
	return pkt, seq, size, nil
}

// sendAck sends a bare ACK for everything received so far. It is not tracked
// for retransmission.
//
// +checklocks:e.segMu
func (e *Endpoint) sendAck() *tcpip.Error {
	pkt, _, _, err := e.buildSegment(nil, header.TCPFlagAck, nil)
	if err != nil {
		return err
	}
	defer pkt.DecRef()
	return sendTCP(e.route, pkt, header.TCPFlagAck)
}

// sendBuffer gathers the iovecs of a send into one contiguous payload. Its
// backing store is kept between sends and only grows.
type sendBuffer struct {
	buf []byte
	// cursor is the write position in buf.
	cursor int
}

// write resets the buffer and copies src into it, returning the gathered
// bytes. The result is only valid until the next write.
func (b *sendBuffer) write(src [][]byte) []byte {
	total := 0
	for _, v := range src {
		total += len(v)
	}
	if cap(b.buf) < total {
		b.buf = make([]byte, total)
	}
	b.buf = b.buf[:total]
	b.cursor = 0
	for _, v := range src {
		b.cursor += copy(b.buf[b.cursor:], v)
	}
	return b.buf[:b.cursor]
}

// Write sends the gathered iovecs as one PSH|ACK segment tracked for
// retransmission. It returns the number of bytes queued; it does not wait for
// the peer to acknowledge them.
func (e *Endpoint) Write(src [][]byte) (int, *tcpip.Error) {
	total := 0
	for _, v := range src {
		total += len(v)
	}
	if total > maxSendSize {
		return 0, tcpip.ErrInvalidOptionValue
	}

	e.segMu.Lock()
	defer e.segMu.Unlock()

	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	if e.state != StateEstablished {
		return 0, tcpip.ErrNotConnected
	}
	if err := e.sk.TakeSockError(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	e.sndBufMu.Lock()
	payload := e.sndBuf.write(src)
	pkt, seq, size, err := e.buildSegment(payload, header.TCPFlagPsh|header.TCPFlagAck, nil)
	e.sndBufMu.Unlock()
	if err != nil {
		e.sk.SetSockError(tcpip.ErrNoBufferSpace)
		return 0, tcpip.ErrNoBufferSpace
	}
	if _, err := e.sendTracked(pkt, seq, size, header.TCPFlagPsh|header.TCPFlagAck); err != nil {
		// The peer never saw the segment.
		e.sndNxt = seq
		return 0, err
	}
	return total, nil
}
