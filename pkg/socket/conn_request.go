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
package socket

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"onyx.dev/netstack/pkg/ilist"
	"onyx.dev/netstack/pkg/tcpip"
)

// ConnRequest is an inbound connection waiting to be accepted on a listening
// socket.
type ConnRequest struct {
	ilist.Entry[*ConnRequest]

	// Local and Remote are the endpoints of the requested connection.
	Local  tcpip.FullAddress
	Remote tcpip.FullAddress

	// Context is protocol-specific state needed to complete the
	// connection.
	Context any
}

// ConnRequestQueue holds the connection requests of a listening socket.
// Accepters wait on a counting semaphore that every queued request signals.
type ConnRequestQueue struct {
	mu      sync.Mutex
	backlog int
	pending ilist.List[*ConnRequest]
	// avail counts queued requests not yet claimed by an accepter. All of
	// its weight is held except for one unit per claimable request.
	avail *semaphore.Weighted
}

// Reset empties the queue and sizes it for backlog requests.
func (q *ConnRequestQueue) Reset(backlog int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = backlog
	q.pending.Reset()
	q.avail = semaphore.NewWeighted(int64(backlog))
	if !q.avail.TryAcquire(int64(backlog)) {
		panic("fresh semaphore is not free")
	}
}

// Backlog returns the maximum number of queued requests.
func (q *ConnRequestQueue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog
}

// Len returns the number of queued requests.
func (q *ConnRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Enqueue adds req to the queue. It returns false if the backlog is full.
func (q *ConnRequestQueue) Enqueue(req *ConnRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.avail == nil || q.pending.Len() >= q.backlog {
		return false
	}
	q.pending.PushBack(req)
	q.avail.Release(1)
	return true
}

// Dequeue blocks until a request is queued and removes it. It returns
// ErrInterrupted if ctx is done first and ErrInvalidEndpointState if the
// queue was never sized.
func (q *ConnRequestQueue) Dequeue(ctx context.Context) (*ConnRequest, *tcpip.Error) {
	q.mu.Lock()
	avail := q.avail
	q.mu.Unlock()
	if avail == nil {
		return nil, tcpip.ErrInvalidEndpointState
	}

	if err := avail.Acquire(ctx, 1); err != nil {
		return nil, tcpip.ErrInterrupted
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if avail != q.avail {
		// The queue was reset while waiting; the request we were
		// signaled for is gone.
		return nil, tcpip.ErrConnectionAborted
	}
	req := q.pending.Front()
	q.pending.Remove(req)
	return req, nil
}
