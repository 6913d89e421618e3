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

// Package checksum provides the internet checksum (RFC 1071) used by the
// network and transport protocols.
//
// A partial checksum is a 16-bit one's complement sum that has not been
// complemented yet. Partial sums are commutative and associative over 16-bit
// words, so they can be computed over several buffers and combined later. The
// value that goes on the wire is the complement of the final partial sum.
package checksum

import (
	"encoding/binary"
)

// Size is the size of a checksum.
//
// The checksum is held in a uint16 which is 2 bytes.
const Size = 2

// Put puts the checksum in the provided byte slice.
func Put(b []byte, xsum uint16) {
	binary.BigEndian.PutUint16(b, xsum)
}

// accumulate adds buf to the running sum v. odd reports whether the bytes
// summed so far had odd length, in which case the first byte of buf is the
// low half of a word that started in the previous buffer.
func accumulate(buf []byte, odd bool, v uint64) (uint64, bool) {
	if odd && len(buf) > 0 {
		v += uint64(buf[0])
		buf = buf[1:]
	} else if odd {
		return v, odd
	}

	l := len(buf)
	odd = l&1 != 0
	if odd {
		l--
		v += uint64(buf[l]) << 8
	}

	for ; l >= 8; l -= 8 {
		v += uint64(binary.BigEndian.Uint16(buf[0:]))
		v += uint64(binary.BigEndian.Uint16(buf[2:]))
		v += uint64(binary.BigEndian.Uint16(buf[4:]))
		v += uint64(binary.BigEndian.Uint16(buf[6:]))
		buf = buf[8:]
	}
	for i := 0; i < l; i += 2 {
		v += uint64(binary.BigEndian.Uint16(buf[i:]))
	}
	return v, odd
}

func fold64(v uint64) uint16 {
	for v>>16 != 0 {
		v = (v & 0xffff) + (v >> 16)
	}
	return uint16(v)
}

// Fold reduces a 32-bit accumulated sum to a 16-bit partial checksum by
// adding the carries back in.
func Fold(v uint32) uint16 {
	return fold64(uint64(v))
}

// Checksum calculates the partial checksum (as defined in RFC 1071) of the
// bytes in buf, starting from initial.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	v, _ := accumulate(buf, false, uint64(initial))
	return fold64(v)
}

// Checksumer calculates a checksum defined in RFC 1071 incrementally over
// buffers of arbitrary length. The zero value is ready to use.
type Checksumer struct {
	sum uint64
	odd bool
}

// Add adds b to checksum.
func (c *Checksumer) Add(b []byte) {
	if len(b) > 0 {
		c.sum, c.odd = accumulate(b, c.odd, c.sum)
	}
}

// Checksum returns the latest partial checksum value.
func (c *Checksumer) Checksum() uint16 {
	return fold64(c.sum)
}

// Combine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of bytes.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}
