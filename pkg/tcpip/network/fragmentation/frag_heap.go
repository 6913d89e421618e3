// Copyright 2018 Google LLC
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

package fragmentation

import (
	"container/heap"
	"fmt"
)

type fragment struct {
	offset uint16
	data   []byte
}

type fragHeap []fragment

func (h *fragHeap) Len() int {
	return len(*h)
}

func (h *fragHeap) Less(i, j int) bool {
	return (*h)[i].offset < (*h)[j].offset
}

func (h *fragHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
}

func (h *fragHeap) Push(x any) {
	*h = append(*h, x.(fragment))
}

func (h *fragHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// reassemble empties the heap and returns the payload of the datagram the
// fragments inside the heap make up. Overlapping bytes are taken from the
// fragment with the lowest offset.
func (h *fragHeap) reassemble() ([]byte, error) {
	curr := heap.Pop(h).(fragment)
	if curr.offset != 0 {
		return nil, fmt.Errorf("offset of the first packet is != 0 (%d)", curr.offset)
	}
	res := append([]byte(nil), curr.data...)

	for h.Len() > 0 {
		curr := heap.Pop(h).(fragment)
		data := curr.data
		if int(curr.offset) < len(res) {
			skip := len(res) - int(curr.offset)
			if skip >= len(data) {
				continue
			}
			data = data[skip:]
		} else if int(curr.offset) > len(res) {
			return nil, fmt.Errorf("packet has a hole, expected offset %d, got %d", len(res), curr.offset)
		}
		res = append(res, data...)
	}
	return res, nil
}
