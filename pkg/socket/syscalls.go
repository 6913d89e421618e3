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

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/syserr"
)

const (
	// backlogForZero is the backlog used when listen is called with zero.
	backlogForZero = 16

	// backlogLimit is the largest backlog accepted.
	backlogLimit = 4096
)

// SysListen implements the listen(2) linux syscall. A zero backlog is raised
// to a small default and large ones are clamped.
func SysListen(ctx context.Context, s Socket, backlog int) *syserr.Error {
	b := s.Base()

	// Every socket type is accepted here; the protocol's Listen decides.
	if backlog <= 0 {
		backlog = backlogForZero
	}
	if backlog > backlogLimit {
		backlog = backlogLimit
	}

	if err := b.StateLock.Lock(ctx); err != nil {
		return syserr.ErrInterrupted
	}
	defer b.StateLock.Unlock()

	wasListening := b.Listening()
	b.SetBacklog(backlog)
	if err := s.Listen(); err != nil {
		if !wasListening {
			b.SetBacklog(0)
		}
		return err
	}
	if !wasListening {
		b.Requests.Reset(backlog)
	}
	return nil
}

// SysAccept implements the accept(2) linux syscall. It blocks with the state
// lock held until a connection request is queued or ctx is done.
func SysAccept(ctx context.Context, s Socket) (Socket, *syserr.Error) {
	b := s.Base()

	if err := b.StateLock.Lock(ctx); err != nil {
		return nil, syserr.ErrInterrupted
	}
	defer b.StateLock.Unlock()

	if !b.Listening() {
		return nil, syserr.ErrInvalidArgument
	}
	if b.Type != unix.SOCK_STREAM {
		return nil, syserr.ErrNotSupported
	}

	req, err := b.Requests.Dequeue(ctx)
	if err != nil {
		return nil, syserr.TranslateNetstackError(err)
	}
	ns, serr := s.AcceptRequest(req)
	if serr != nil {
		log.Infof("socket: accepting connection from %s: %s", req.Remote, serr)
		return nil, serr
	}
	return ns, nil
}
