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

package syserr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/tcpip"
)

// Mapping for tcpip.Error types.
var (
	ErrUnknownProtocol       = New(tcpip.ErrUnknownProtocol.String(), unix.EINVAL)
	ErrUnknownNICID          = New(tcpip.ErrUnknownNICID.String(), unix.ENODEV)
	ErrUnknownProtocolOption = New(tcpip.ErrUnknownProtocolOption.String(), unix.ENOPROTOOPT)
	ErrDuplicateNICID        = New(tcpip.ErrDuplicateNICID.String(), unix.EEXIST)
	ErrDuplicateAddress      = New(tcpip.ErrDuplicateAddress.String(), unix.EEXIST)
	ErrAlreadyBound          = New(tcpip.ErrAlreadyBound.String(), unix.EINVAL)
	ErrInvalidEndpointState  = New(tcpip.ErrInvalidEndpointState.String(), unix.EINVAL)
	ErrNoPortAvailable       = New(tcpip.ErrNoPortAvailable.String(), unix.EAGAIN)
	ErrPortInUse             = New(tcpip.ErrPortInUse.String(), unix.EADDRINUSE)
	ErrBadLocalAddress       = New(tcpip.ErrBadLocalAddress.String(), unix.EADDRNOTAVAIL)
	ErrClosedForSend         = New(tcpip.ErrClosedForSend.String(), unix.EPIPE)
	ErrTimeout               = New(tcpip.ErrTimeout.String(), unix.ETIMEDOUT)
	ErrInvalidOptionValue    = New(tcpip.ErrInvalidOptionValue.String(), unix.EINVAL)
	ErrMalformedHeader       = New(tcpip.ErrMalformedHeader.String(), unix.EINVAL)
)

// TranslateNetstackError converts an error from the tcpip package to a
// socket-level error.
func TranslateNetstackError(err *tcpip.Error) *Error {
	switch err {
	case nil:
		return nil
	case tcpip.ErrUnknownProtocol:
		return ErrUnknownProtocol
	case tcpip.ErrUnknownNICID:
		return ErrUnknownNICID
	case tcpip.ErrUnknownProtocolOption:
		return ErrUnknownProtocolOption
	case tcpip.ErrDuplicateNICID:
		return ErrDuplicateNICID
	case tcpip.ErrDuplicateAddress:
		return ErrDuplicateAddress
	case tcpip.ErrNoRoute:
		return ErrNoRoute
	case tcpip.ErrAlreadyBound:
		return ErrAlreadyBound
	case tcpip.ErrInvalidEndpointState:
		return ErrInvalidEndpointState
	case tcpip.ErrAlreadyConnected:
		return ErrAlreadyConnected
	case tcpip.ErrNoPortAvailable:
		return ErrNoPortAvailable
	case tcpip.ErrPortInUse:
		return ErrPortInUse
	case tcpip.ErrBadLocalAddress:
		return ErrBadLocalAddress
	case tcpip.ErrClosedForSend:
		return ErrClosedForSend
	case tcpip.ErrWouldBlock:
		return ErrWouldBlock
	case tcpip.ErrTimeout:
		return ErrTimeout
	case tcpip.ErrInterrupted:
		return ErrInterrupted
	case tcpip.ErrNotSupported:
		return ErrNotSupported
	case tcpip.ErrNotConnected:
		return ErrNotConnected
	case tcpip.ErrConnectionReset:
		return ErrConnectionReset
	case tcpip.ErrConnectionAborted:
		return ErrConnectionAborted
	case tcpip.ErrInvalidOptionValue:
		return ErrInvalidOptionValue
	case tcpip.ErrBadAddress:
		return ErrBadAddress
	case tcpip.ErrMessageTooLong:
		return ErrMessageTooLong
	case tcpip.ErrNoBufferSpace:
		return ErrNoBufferSpace
	case tcpip.ErrMalformedHeader:
		return ErrMalformedHeader
	case tcpip.ErrAddressFamilyNotSupported:
		return ErrAddressFamilyNotSupported
	default:
		panic(fmt.Sprintf("unknown error %v", err))
	}
}
