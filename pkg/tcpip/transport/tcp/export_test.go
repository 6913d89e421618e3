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
	"context"

	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
)

// Outcomes of pending segments, for tests.
const (
	OutcomePending   = outcomePending
	OutcomeAcked     = outcomeAcked
	OutcomeReset     = outcomeReset
	OutcomeExhausted = outcomeExhausted
	OutcomeAborted   = outcomeAborted
)

// PendingSegment is a segment waiting for an acknowledgement.
type PendingSegment = pendingSegment

// PendingSegments returns the segments currently waiting for an ACK.
func (e *Endpoint) PendingSegments() []*PendingSegment {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	var ps []*PendingSegment
	for p := e.pending.Front(); p != nil; p = p.Next() {
		ps = append(ps, p)
	}
	return ps
}

// Refs returns the number of endpoint references held.
func (e *Endpoint) Refs() int64 {
	return e.refs.Load()
}

// Wait blocks until the segment leaves the pending list or ctx is done.
func (p *PendingSegment) Wait(ctx context.Context) pendingOutcome {
	return p.wait(ctx)
}

// Outcome returns the segment's outcome so far.
func (p *PendingSegment) Outcome() pendingOutcome {
	p.ep.pendingMu.Lock()
	defer p.ep.pendingMu.Unlock()
	return p.outcome
}

// Retries returns the number of times the segment was retransmitted.
func (p *PendingSegment) Retries() int {
	p.ep.pendingMu.Lock()
	defer p.ep.pendingMu.Unlock()
	return p.retries
}

// Refs returns the references held on the segment.
func (p *PendingSegment) Refs() int32 {
	return p.refs.Load()
}

// PacketRefs returns the references held on the segment's packet.
func (p *PendingSegment) PacketRefs() int32 {
	return p.pkt.ReadRefs()
}

// Range returns the sequence space covered by the segment.
func (p *PendingSegment) Range() (seqnum.Value, seqnum.Size) {
	return p.seq, p.size
}

// BuildSegment builds a segment carrying payload and flags at the current
// send position and discards it, returning the sequence space it took.
func (e *Endpoint) BuildSegment(payload []byte, flags header.TCPFlags) (seqnum.Value, seqnum.Size, *tcpip.Error) {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	pkt, seq, size, err := e.buildSegment(payload, flags, nil)
	if err != nil {
		return 0, 0, err
	}
	pkt.DecRef()
	return seq, size, nil
}
