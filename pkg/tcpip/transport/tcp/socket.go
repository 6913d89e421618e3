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

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/socket"
	"onyx.dev/netstack/pkg/syserr"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/stack"
	"onyx.dev/netstack/pkg/waiter"
)

// Socket is a TCP socket. It adapts an Endpoint to socket.Socket, translating
// errors to errnos and serializing bind, connect and listen on the state
// lock.
type Socket struct {
	ep *Endpoint
}

var _ socket.Socket = (*Socket)(nil)

// NewSocket creates a TCP socket on s.
func NewSocket(s *stack.Stack) (*Socket, *syserr.Error) {
	ep, err := NewEndpoint(s)
	if err != nil {
		return nil, syserr.TranslateNetstackError(err)
	}
	return &Socket{ep: ep}, nil
}

// Endpoint returns the endpoint backing the socket.
func (s *Socket) Endpoint() *Endpoint {
	return s.ep
}

// Base implements socket.Socket.Base.
func (s *Socket) Base() *socket.Base {
	return &s.ep.sk
}

// Readiness implements waiter.Waitable.Readiness.
func (s *Socket) Readiness(mask waiter.EventMask) waiter.EventMask {
	return s.ep.sk.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (s *Socket) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	s.ep.sk.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (s *Socket) EventUnregister(e *waiter.Entry) {
	s.ep.sk.EventUnregister(e)
}

// Bind implements socket.Socket.Bind.
func (s *Socket) Bind(ctx context.Context, addr tcpip.FullAddress) *syserr.Error {
	if err := s.ep.sk.StateLock.Lock(ctx); err != nil {
		return syserr.ErrInterrupted
	}
	defer s.ep.sk.StateLock.Unlock()
	return syserr.TranslateNetstackError(s.ep.Bind(addr))
}

// Connect implements socket.Socket.Connect.
func (s *Socket) Connect(ctx context.Context, addr tcpip.FullAddress) *syserr.Error {
	if err := s.ep.sk.StateLock.Lock(ctx); err != nil {
		return syserr.ErrInterrupted
	}
	defer s.ep.sk.StateLock.Unlock()
	return syserr.TranslateNetstackError(s.ep.Connect(ctx, addr))
}

// Listen implements socket.Socket.Listen. It is called by socket.SysListen
// with the state lock held.
func (s *Socket) Listen() *syserr.Error {
	return syserr.TranslateNetstackError(s.ep.Listen())
}

// AcceptRequest implements socket.Socket.AcceptRequest. Passive opens are not
// supported, so no request is ever queued on a TCP socket.
func (s *Socket) AcceptRequest(*socket.ConnRequest) (socket.Socket, *syserr.Error) {
	return nil, syserr.ErrNotSupported
}

// SendMsg implements socket.Socket.SendMsg. Every call sends one segment.
func (s *Socket) SendMsg(_ context.Context, src [][]byte, to *tcpip.FullAddress, _ int) (int, *syserr.Error) {
	if to != nil {
		return 0, syserr.ErrAlreadyConnected
	}
	n, err := s.ep.Write(src)
	return n, syserr.TranslateNetstackError(err)
}

// RecvMsg implements socket.Socket.RecvMsg.
func (s *Socket) RecvMsg(ctx context.Context, dst [][]byte, flags int) (int, int, tcpip.FullAddress, *syserr.Error) {
	n, msgFlags, from, err := s.ep.Read(ctx, dst, flags)
	return n, msgFlags, from, syserr.TranslateNetstackError(err)
}

// GetSockName implements socket.Socket.GetSockName.
func (s *Socket) GetSockName() (tcpip.FullAddress, *syserr.Error) {
	return s.ep.GetLocalAddress(), nil
}

// GetPeerName implements socket.Socket.GetPeerName.
func (s *Socket) GetPeerName() (tcpip.FullAddress, *syserr.Error) {
	addr, err := s.ep.GetRemoteAddress()
	return addr, syserr.TranslateNetstackError(err)
}

// GetSockOpt implements socket.Socket.GetSockOpt.
func (s *Socket) GetSockOpt(level, name int) (int32, *syserr.Error) {
	switch level {
	case unix.SOL_SOCKET:
		return s.ep.sk.GetSockOptSocket(name)
	case unix.SOL_TCP:
		if name == unix.TCP_MAXSEG {
			s.ep.segMu.Lock()
			defer s.ep.segMu.Unlock()
			return int32(s.ep.mss), nil
		}
	}
	return 0, syserr.ErrProtocolNotAvailable
}

// SetSockOpt implements socket.Socket.SetSockOpt. No option can be set.
func (s *Socket) SetSockOpt(level, name int, optVal []byte) *syserr.Error {
	if level == unix.SOL_SOCKET {
		return s.ep.sk.SetSockOptSocket(name, optVal)
	}
	return syserr.ErrProtocolNotAvailable
}

// Shutdown implements socket.Socket.Shutdown.
func (s *Socket) Shutdown(how int) *syserr.Error {
	var flags tcpip.ShutdownFlags
	switch how {
	case unix.SHUT_RD:
		flags = tcpip.ShutdownRead
	case unix.SHUT_WR:
		flags = tcpip.ShutdownWrite
	case unix.SHUT_RDWR:
		flags = tcpip.ShutdownRead | tcpip.ShutdownWrite
	default:
		return syserr.ErrInvalidArgument
	}
	s.ep.Shutdown(flags)
	return nil
}

// Close implements socket.Socket.Close.
func (s *Socket) Close() {
	s.ep.Close()
}
