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
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"onyx.dev/netstack/pkg/ilist"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/buffer"
	"onyx.dev/netstack/pkg/tcpip/header"
	"onyx.dev/netstack/pkg/tcpip/seqnum"
	"onyx.dev/netstack/pkg/tcpip/stack"
	"onyx.dev/netstack/pkg/waiter"
)

// pendingOutcome is how a pending segment left the pending list.
type pendingOutcome int

const (
	// outcomePending means the segment is still waiting for an ACK.
	outcomePending pendingOutcome = iota

	// outcomeAcked means the peer acknowledged the segment.
	outcomeAcked

	// outcomeReset means the peer reset the connection.
	outcomeReset

	// outcomeExhausted means every retransmission went unacknowledged.
	outcomeExhausted

	// outcomeAborted means the connection was torn down locally.
	outcomeAborted
)

// pendingSegment is a transmitted segment waiting to be acknowledged. It is
// referenced by the endpoint's pending list and by its retransmission timer;
// the last reference releases the packet.
type pendingSegment struct {
	ilist.Entry[*pendingSegment]

	ep    *Endpoint
	route *stack.Route
	pkt   *buffer.Packet
	flags header.TCPFlags

	// seq is the first sequence number of the segment and size its logical
	// length.
	seq  seqnum.Value
	size seqnum.Size

	refs atomic.Int32

	// waiters is notified when outcome changes.
	waiters waiter.Queue

	// The fields below are protected by ep.pendingMu.
	outcome pendingOutcome
	removed bool
	retries int
	timer   tcpip.Timer
	backoff *backoff.ExponentialBackOff
}

// end returns the sequence number following the segment.
func (p *pendingSegment) end() seqnum.Value {
	return p.seq.Add(p.size)
}

func (p *pendingSegment) decRef() {
	if p.refs.Add(-1) == 0 {
		p.pkt.DecRef()
	}
}

// releaseTimer drops the reference held by the retransmission timer, and the
// endpoint reference the timer holds with it.
func (p *pendingSegment) releaseTimer() {
	p.decRef()
	p.ep.DecRef()
}

// newRetransmitBackoff returns the retransmission schedule: initial, then
// doubling on every retry with no jitter and no deadline.
func newRetransmitBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sendTracked sends pkt and keeps it for retransmission until the peer
// acknowledges it. The record is on the pending list before the packet
// reaches the network layer, so an ACK racing with the send finds it. The
// packet reference is transferred to the record.
//
// +checklocks:e.segMu
func (e *Endpoint) sendTracked(pkt *buffer.Packet, seq seqnum.Value, size seqnum.Size, flags header.TCPFlags) (*pendingSegment, *tcpip.Error) {
	p := &pendingSegment{
		ep:      e,
		route:   e.route,
		pkt:     pkt,
		flags:   flags,
		seq:     seq,
		size:    size,
		backoff: newRetransmitBackoff(e.proto.cfg.InitialRTO.Duration),
	}
	// One reference for the list, one for the timer.
	p.refs.Store(2)
	e.IncRef()

	e.pendingMu.Lock()
	e.pending.PushBack(p)
	e.pendingMu.Unlock()

	if err := sendTCP(p.route, pkt, flags); err != nil {
		e.pendingMu.Lock()
		removed, _ := e.removePendingLocked(p, outcomeAborted)
		e.pendingMu.Unlock()
		if removed {
			p.decRef()
		}
		p.releaseTimer()
		return nil, err
	}

	e.pendingMu.Lock()
	if p.removed {
		// Removed before the timer could be armed.
		e.pendingMu.Unlock()
		p.releaseTimer()
		return p, nil
	}
	p.timer = e.stack.Clock().AfterFunc(p.backoff.NextBackOff(), p.retransmit)
	e.pendingMu.Unlock()
	return p, nil
}

// retransmit is the timer callback of a pending segment.
func (p *pendingSegment) retransmit() {
	e := p.ep
	stats := e.stack.Stats()

	e.pendingMu.Lock()
	if p.removed {
		e.pendingMu.Unlock()
		p.releaseTimer()
		return
	}
	if p.retries == e.proto.cfg.MaxRetries {
		e.removePendingLocked(p, outcomeExhausted)
		e.pendingMu.Unlock()
		stats.TCP.Timeouts.Increment()
		log.Infof("tcp: giving up on segment seq=%d to %s after %d retransmissions", p.seq, p.route.RemoteAddress, p.retries)
		p.waiters.Notify(waiter.EventIn)
		p.decRef()
		p.releaseTimer()
		return
	}
	p.retries++
	d := p.backoff.NextBackOff()
	e.pendingMu.Unlock()

	stats.TCP.Retransmits.Increment()
	if err := sendTCP(p.route, p.pkt, p.flags); err != nil {
		log.Infof("tcp: retransmitting seq=%d: %s", p.seq, err)
	}

	e.pendingMu.Lock()
	if p.removed {
		e.pendingMu.Unlock()
		p.releaseTimer()
		return
	}
	p.timer.Reset(d)
	e.pendingMu.Unlock()
}

// removePendingLocked takes p off the pending list with the given outcome
// and stops its timer. removed is false if p was already off the list;
// stopped is true if the timer was stopped before firing, in which case the
// caller owns the timer's references.
//
// +checklocks:e.pendingMu
func (e *Endpoint) removePendingLocked(p *pendingSegment, outcome pendingOutcome) (removed, stopped bool) {
	if p.removed {
		return false, false
	}
	p.removed = true
	p.outcome = outcome
	e.pending.Remove(p)
	return true, p.timer != nil && p.timer.Stop()
}

// removedSegments collects segments taken off the pending list so they can
// be woken and released once pendingMu is dropped.
type removedSegments struct {
	removed []*pendingSegment
	stopped []*pendingSegment
}

// removeLocked removes p and remembers what has to be released.
//
// +checklocks:e.pendingMu
func (rs *removedSegments) removeLocked(e *Endpoint, p *pendingSegment, outcome pendingOutcome) {
	removed, stopped := e.removePendingLocked(p, outcome)
	if removed {
		rs.removed = append(rs.removed, p)
	}
	if stopped {
		rs.stopped = append(rs.stopped, p)
	}
}

// release wakes the waiters of every removed segment and drops the list
// references, then the references of stopped timers. It must be called
// without pendingMu held.
func (rs *removedSegments) release() {
	for _, p := range rs.removed {
		p.waiters.Notify(waiter.EventIn)
		p.decRef()
	}
	for _, p := range rs.stopped {
		p.releaseTimer()
	}
}

// handleAck acknowledges every pending segment that ack fully covers.
//
// +checklocks:e.segMu
func (e *Endpoint) handleAck(ack seqnum.Value) {
	var rs removedSegments
	e.pendingMu.Lock()
	for p := e.pending.Front(); p != nil; {
		next := p.Next()
		if end := p.end(); e.sndUna.LessThan(end) && end.LessThanEq(ack) {
			rs.removeLocked(e, p, outcomeAcked)
		}
		p = next
	}
	e.pendingMu.Unlock()
	if e.sndUna.LessThan(ack) {
		e.sndUna = ack
	}
	rs.release()
}

// flushPending removes every pending segment with the given outcome and
// wakes their waiters.
//
// +checklocks:e.segMu
func (e *Endpoint) flushPending(outcome pendingOutcome) {
	var rs removedSegments
	e.pendingMu.Lock()
	for p := e.pending.Front(); p != nil; {
		next := p.Next()
		rs.removeLocked(e, p, outcome)
		p = next
	}
	e.pendingMu.Unlock()
	rs.release()
}

// pendingCount returns the number of segments waiting for an ACK.
func (e *Endpoint) pendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return e.pending.Len()
}

// wait blocks until p leaves the pending list or ctx is done, and returns
// the outcome. outcomePending means ctx was done first.
func (p *pendingSegment) wait(ctx context.Context) pendingOutcome {
	e := p.ep
	// The outcome is read again below, which covers ctx errors.
	_ = p.waiters.WaitFor(ctx, waiter.EventIn, func() bool {
		e.pendingMu.Lock()
		defer e.pendingMu.Unlock()
		return p.removed
	})

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return p.outcome
}
