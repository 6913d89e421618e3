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
	"golang.org/x/sys/unix"
	"onyx.dev/netstack/pkg/syserr"
)

// GetSockOptSocket implements GetSockOpt when level is SOL_SOCKET. SO_ERROR
// clears the pending error it reports.
func (b *Base) GetSockOptSocket(name int) (int32, *syserr.Error) {
	switch name {
	case unix.SO_ACCEPTCONN:
		return boolToInt32(b.Listening()), nil

	case unix.SO_DOMAIN:
		return int32(b.Family), nil

	case unix.SO_ERROR:
		err := b.TakeSockError()
		if err == nil {
			return 0, nil
		}
		return int32(syserr.TranslateNetstackError(err).Errno()), nil

	case unix.SO_TYPE:
		return int32(b.Type), nil

	case unix.SO_PROTOCOL:
		return int32(b.Protocol), nil

	default:
		return 0, syserr.ErrProtocolNotAvailable
	}
}

// SetSockOptSocket implements SetSockOpt when level is SOL_SOCKET. No
// socket-level option can be set.
func (b *Base) SetSockOptSocket(name int, optVal []byte) *syserr.Error {
	return syserr.ErrProtocolNotAvailable
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
