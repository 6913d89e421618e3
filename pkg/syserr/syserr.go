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

// Package syserr contains the errors returned at the socket boundary. Each
// Error translates to a unix.Errno, the value a system call returns to its
// caller.
package syserr

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a socket-level error.
type Error struct {
	// message is the human readable form of this Error.
	message string

	// errno is the unix.Errno this Error should be translated to.
	errno unix.Errno
}

// hostTranslations maps errnos back to the static errors declared below.
var hostTranslations = make(map[unix.Errno]*Error)

// New creates a new Error and adds a translation for it.
//
// New must only be called at init.
func New(message string, errno unix.Errno) *Error {
	err := &Error{message: message, errno: errno}
	if errno == 0 {
		panic(fmt.Sprintf("invalid errno for %q", message))
	}
	if _, ok := hostTranslations[errno]; !ok {
		hostTranslations[errno] = err
	}
	return err
}

// NewDynamic creates a new error with a dynamic error message and an errno
// translation.
//
// NewDynamic should only be used sparingly and not be used for static error
// messages. Errors with static error messages should be declared with New as
// global variables.
func NewDynamic(message string, errno unix.Errno) *Error {
	return &Error{message: message, errno: errno}
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.message
}

// Errno returns the errno this Error translates to.
func (e *Error) Errno() unix.Errno {
	return e.errno
}

// ToError translates an Error to a corresponding error value.
func (e *Error) ToError() error {
	if e == nil {
		return nil
	}
	return e.errno
}

// Errors returned at the socket boundary.
var (
	ErrInterrupted          = New("interrupted system call", unix.EINTR)
	ErrTryAgain             = New("try again", unix.EAGAIN)
	ErrBadAddress           = New("bad address", unix.EFAULT)
	ErrInvalidArgument      = New("invalid argument", unix.EINVAL)
	ErrBrokenPipe           = New("broken pipe", unix.EPIPE)
	ErrMessageTooLong       = New("message too long", unix.EMSGSIZE)
	ErrProtocolNotAvailable = New("protocol not available", unix.ENOPROTOOPT)
	ErrNotSupported         = New("operation not supported on transport endpoint", unix.EOPNOTSUPP)
	ErrAddressInUse         = New("address already in use", unix.EADDRINUSE)
	ErrAddressNotAvailable  = New("cannot assign requested address", unix.EADDRNOTAVAIL)
	ErrConnectionReset      = New("connection reset by peer", unix.ECONNRESET)
	ErrConnectionAborted    = New("software caused connection abort", unix.ECONNABORTED)
	ErrNoBufferSpace        = New("no buffer space available", unix.ENOBUFS)
	ErrAlreadyConnected     = New("transport endpoint is already connected", unix.EISCONN)
	ErrNotConnected         = New("transport endpoint is not connected", unix.ENOTCONN)
	ErrTimedOut             = New("connection timed out", unix.ETIMEDOUT)
	ErrNoRoute              = New("no route to host", unix.EHOSTUNREACH)
	ErrNoDevice             = New("no such device", unix.ENODEV)

	ErrAddressFamilyNotSupported = New("address family not supported by protocol", unix.EAFNOSUPPORT)

	// ErrWouldBlock translates to EWOULDBLOCK which is the same as EAGAIN
	// on Linux.
	ErrWouldBlock = New("operation would block", unix.EWOULDBLOCK)
)

// FromHost translates a unix.Errno to a corresponding Error value.
func FromHost(err unix.Errno) *Error {
	if e, ok := hostTranslations[err]; ok {
		return e
	}
	return NewDynamic(err.Error(), err)
}

// FromError converts a generic error to an *Error. Context cancellation and
// deadline expiry are reported as interrupted calls.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return FromHost(errno)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrInterrupted
	}
	panic("unknown error: " + err.Error())
}
