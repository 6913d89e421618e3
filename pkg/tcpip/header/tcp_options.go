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

package header

import (
	"encoding/binary"
	"fmt"

	"onyx.dev/netstack/pkg/tcpip/seqnum"
)

// Option kinds.
const (
	TCPOptionEOL           = 0
	TCPOptionNOP           = 1
	TCPOptionMSS           = 2
	TCPOptionWS            = 3
	TCPOptionSACKPermitted = 4
	TCPOptionSACK          = 5
	TCPOptionTS            = 8
)

// Option lengths, including the kind and length bytes.
const (
	TCPOptionMSSLength           = 4
	TCPOptionWSLength            = 3
	TCPOptionSackPermittedLength = 2
	TCPOptionTSLength            = 10

	// tcpOptionSACKBlockLength is the size of one SACK block.
	tcpOptionSACKBlockLength = 8
)

// SACKBlock represents a single contiguous SACK block.
type SACKBlock struct {
	// Start indicates the lowest sequence number in the block.
	Start seqnum.Value

	// End indicates the sequence number immediately following the last
	// sequence number of this block.
	End seqnum.Value
}

// TCPOption is a single TCP option. It is one of OptionMSS,
// OptionWindowScale, OptionSACKPermitted, OptionSACK, OptionTimestamp or
// OptionUnknown.
type TCPOption interface {
	// Kind returns the option kind byte.
	Kind() uint8

	// Len returns the encoded length of the option, including the kind and
	// length bytes.
	Len() int

	isTCPOption()
}

// OptionMSS advertises the largest segment the sender can receive.
type OptionMSS struct {
	MSS uint16
}

// OptionWindowScale advertises the shift applied to the sender's window.
type OptionWindowScale struct {
	Shift uint8
}

// OptionSACKPermitted advertises support for selective acknowledgements.
type OptionSACKPermitted struct{}

// OptionSACK carries selective acknowledgement blocks.
type OptionSACK struct {
	Blocks []SACKBlock
}

// OptionTimestamp carries the RFC 7323 timestamp pair.
type OptionTimestamp struct {
	TSVal uint32
	TSEcr uint32
}

// OptionUnknown is an option of a kind this stack does not interpret.
type OptionUnknown struct {
	Type uint8
	Data []byte
}

// Kind implements TCPOption.Kind.
func (OptionMSS) Kind() uint8 { return TCPOptionMSS }

// Kind implements TCPOption.Kind.
func (OptionWindowScale) Kind() uint8 { return TCPOptionWS }

// Kind implements TCPOption.Kind.
func (OptionSACKPermitted) Kind() uint8 { return TCPOptionSACKPermitted }

// Kind implements TCPOption.Kind.
func (OptionSACK) Kind() uint8 { return TCPOptionSACK }

// Kind implements TCPOption.Kind.
func (OptionTimestamp) Kind() uint8 { return TCPOptionTS }

// Kind implements TCPOption.Kind.
func (o OptionUnknown) Kind() uint8 { return o.Type }

// Len implements TCPOption.Len.
func (OptionMSS) Len() int { return TCPOptionMSSLength }

// Len implements TCPOption.Len.
func (OptionWindowScale) Len() int { return TCPOptionWSLength }

// Len implements TCPOption.Len.
func (OptionSACKPermitted) Len() int { return TCPOptionSackPermittedLength }

// Len implements TCPOption.Len.
func (o OptionSACK) Len() int { return 2 + len(o.Blocks)*tcpOptionSACKBlockLength }

// Len implements TCPOption.Len.
func (OptionTimestamp) Len() int { return TCPOptionTSLength }

// Len implements TCPOption.Len.
func (o OptionUnknown) Len() int { return 2 + len(o.Data) }

func (OptionMSS) isTCPOption()           {}
func (OptionWindowScale) isTCPOption()   {}
func (OptionSACKPermitted) isTCPOption() {}
func (OptionSACK) isTCPOption()          {}
func (OptionTimestamp) isTCPOption()     {}
func (OptionUnknown) isTCPOption()       {}

// TCPOptionsSize returns the number of bytes opts occupy once serialized,
// padded to a multiple of 4 bytes.
func TCPOptionsSize(opts []TCPOption) int {
	n := 0
	for _, o := range opts {
		n += o.Len()
	}
	return (n + 3) &^ 3
}

// SerializeTCPOptions writes opts into b back to back and pads the option
// area with end-of-list bytes to a 4-byte boundary. It returns the padded
// size. b must be at least TCPOptionsSize(opts) bytes long.
func SerializeTCPOptions(opts []TCPOption, b []byte) int {
	off := 0
	for _, o := range opts {
		b[off] = o.Kind()
		b[off+1] = uint8(o.Len())
		v := b[off+2 : off+o.Len()]
		switch o := o.(type) {
		case OptionMSS:
			binary.BigEndian.PutUint16(v, o.MSS)
		case OptionWindowScale:
			v[0] = o.Shift
		case OptionSACKPermitted:
		case OptionSACK:
			for i, sb := range o.Blocks {
				binary.BigEndian.PutUint32(v[i*tcpOptionSACKBlockLength:], uint32(sb.Start))
				binary.BigEndian.PutUint32(v[i*tcpOptionSACKBlockLength+4:], uint32(sb.End))
			}
		case OptionTimestamp:
			binary.BigEndian.PutUint32(v, o.TSVal)
			binary.BigEndian.PutUint32(v[4:], o.TSEcr)
		case OptionUnknown:
			copy(v, o.Data)
		default:
			panic(fmt.Sprintf("unknown TCP option type %T", o))
		}
		off += o.Len()
	}
	padded := (off + 3) &^ 3
	for i := off; i < padded; i++ {
		b[i] = TCPOptionEOL
	}
	return padded
}

// ParseTCPOptions parses the option area of a segment. MSS and window scale
// are only meaningful on SYN segments and are skipped when syn is false.
// Other unrecognized kinds are returned as OptionUnknown.
//
// It returns false if an option's length is inconsistent with its kind or
// runs past the end of the option area.
func ParseTCPOptions(b []byte, syn bool) ([]TCPOption, bool) {
	var opts []TCPOption
	for i := 0; i < len(b); {
		switch b[i] {
		case TCPOptionEOL:
			return opts, true
		case TCPOptionNOP:
			i++
			continue
		}

		if i+1 >= len(b) {
			return nil, false
		}
		kind, l := b[i], int(b[i+1])
		if l < 2 || i+l > len(b) {
			return nil, false
		}
		v := b[i+2 : i+l]

		switch kind {
		case TCPOptionMSS:
			if l != TCPOptionMSSLength {
				return nil, false
			}
			if syn {
				opts = append(opts, OptionMSS{MSS: binary.BigEndian.Uint16(v)})
			}
		case TCPOptionWS:
			if l != TCPOptionWSLength {
				return nil, false
			}
			if syn {
				opts = append(opts, OptionWindowScale{Shift: v[0]})
			}
		case TCPOptionSACKPermitted:
			if l != TCPOptionSackPermittedLength {
				return nil, false
			}
			opts = append(opts, OptionSACKPermitted{})
		case TCPOptionSACK:
			if len(v) == 0 || len(v)%tcpOptionSACKBlockLength != 0 {
				return nil, false
			}
			blocks := make([]SACKBlock, 0, len(v)/tcpOptionSACKBlockLength)
			for j := 0; j < len(v); j += tcpOptionSACKBlockLength {
				blocks = append(blocks, SACKBlock{
					Start: seqnum.Value(binary.BigEndian.Uint32(v[j:])),
					End:   seqnum.Value(binary.BigEndian.Uint32(v[j+4:])),
				})
			}
			opts = append(opts, OptionSACK{Blocks: blocks})
		case TCPOptionTS:
			if l != TCPOptionTSLength {
				return nil, false
			}
			opts = append(opts, OptionTimestamp{
				TSVal: binary.BigEndian.Uint32(v),
				TSEcr: binary.BigEndian.Uint32(v[4:]),
			})
		default:
			opts = append(opts, OptionUnknown{Type: kind, Data: append([]byte(nil), v...)})
		}
		i += l
	}
	return opts, true
}

// TCPSynOptions is used to return the parsed TCP Options in a syn
// segment.
type TCPSynOptions struct {
	// MSS is the maximum segment size provided by the peer in the SYN.
	MSS uint16

	// WS is the window scale option provided by the peer in the SYN.
	//
	// Set to -1 if no window scale option was provided.
	WS int

	// SACKPermitted is true if the SACK option was provided in the SYN.
	SACKPermitted bool

	// TS is true if the timestamp option was provided in the SYN.
	TS bool
}

// ParseSynOptions parses the options received in a SYN segment and returns
// the relevant ones. The MSS defaults to TCPDefaultMSS when absent and the
// window scale is capped at TCPMaxWindowScale.
func ParseSynOptions(b []byte) (TCPSynOptions, bool) {
	synOpts := TCPSynOptions{
		MSS: TCPDefaultMSS,
		WS:  -1,
	}
	opts, ok := ParseTCPOptions(b, true)
	if !ok {
		return synOpts, false
	}
	for _, o := range opts {
		switch o := o.(type) {
		case OptionMSS:
			synOpts.MSS = o.MSS
		case OptionWindowScale:
			synOpts.WS = int(o.Shift)
			if synOpts.WS > TCPMaxWindowScale {
				synOpts.WS = TCPMaxWindowScale
			}
		case OptionSACKPermitted:
			synOpts.SACKPermitted = true
		case OptionTimestamp:
			synOpts.TS = true
		}
	}
	return synOpts, true
}
