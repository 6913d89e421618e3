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

package buffer

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"onyx.dev/netstack/pkg/tcpip/checksum"
)

func TestPrepend(t *testing.T) {
	p := NewPacket(8, []byte("payload"))
	if got, want := p.Size(), 7; got != want {
		t.Fatalf("p.Size() = %d, want %d", got, want)
	}
	copy(p.Prepend(4), "tcp!")
	p.MarkTransportHeader()
	copy(p.Prepend(4), "ip!!")
	if got := p.Prepend(1); got != nil {
		t.Fatalf("p.Prepend(1) = %v with no headroom, want nil", got)
	}
	if diff := cmp.Diff([]byte("ip!!tcp!payload"), p.Bytes()); diff != "" {
		t.Errorf("p.Bytes() mismatch (-want +got):\n%s", diff)
	}

	p.RewindToTransportHeader()
	if got, want := p.Bytes(), []byte("tcp!payload"); !bytes.Equal(got, want) {
		t.Errorf("after rewind p.Bytes() = %q, want %q", got, want)
	}
	if got, want := p.AvailableHeaderBytes(), 4; got != want {
		t.Errorf("p.AvailableHeaderBytes() = %d, want %d", got, want)
	}
}

func TestTrimAndCap(t *testing.T) {
	p := NewPacketFromBytes([]byte("hdrbodytrailer"))
	p.TrimFront(3)
	p.CapLength(4)
	if got, want := string(p.Bytes()), "body"; got != want {
		t.Errorf("p.Bytes() = %q, want %q", got, want)
	}
}

func TestRefs(t *testing.T) {
	p := NewPacket(0, []byte{1})
	p.IncRef()
	p.DecRef()
	if got := p.ReadRefs(); got != 1 {
		t.Fatalf("p.ReadRefs() = %d, want 1", got)
	}
	p.DecRef()
	if got := p.ReadRefs(); got != 0 {
		t.Fatalf("p.ReadRefs() = %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on a released packet did not panic")
		}
	}()
	p.DecRef()
}

func TestFlattenCompletesOffloadedChecksum(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	p := NewPacket(4, payload)
	hdr := p.Prepend(4)
	// A two byte field followed by the checksum field, seeded with a
	// partial sum.
	hdr[0], hdr[1] = 0x12, 0x34
	const seed = 0x1111
	checksum.Put(hdr[2:], seed)
	p.SetChecksumOffload(2)

	// The seed stands in for a pseudo-header that is not part of the
	// frame, so it is added back when verifying.
	frame := p.Flatten()
	if got := checksum.Checksum(frame, seed); got != 0xffff {
		t.Errorf("sum over completed frame = %#x, want 0xffff", got)
	}
	// The packet keeps the seed for later retransmissions.
	if got := uint16(p.Bytes()[2])<<8 | uint16(p.Bytes()[3]); got != seed {
		t.Errorf("packet checksum field = %#x, want seed %#x", got, seed)
	}
}
